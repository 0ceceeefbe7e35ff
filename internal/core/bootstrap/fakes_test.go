package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// recorder collects adapter calls across fakes so tests can check ordering.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeRuntime struct {
	rec        *recorder
	installed  bool
	installErr error
	grantErr   error
	refreshErr error
	// onRefresh stands in for the restarted process picking up the group.
	onRefresh func()
}

func (f *fakeRuntime) Installed() bool { return f.installed }

func (f *fakeRuntime) Install(context.Context) error {
	f.rec.record("runtime.install")
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = true
	return nil
}

func (f *fakeRuntime) GrantAccess(context.Context) error {
	f.rec.record("runtime.grant")
	return f.grantErr
}

func (f *fakeRuntime) RefreshAccess(context.Context) error {
	f.rec.record("runtime.refresh")
	if f.refreshErr != nil {
		return f.refreshErr
	}
	if f.onRefresh != nil {
		f.onRefresh()
	}
	return nil
}

// fakeDaemon answers Ping once alive is set. startAlive makes StartDaemon
// bring it up; aliveAfterStart simulates another process starting it.
// denied makes every Ping fail as if the socket were not accessible.
type fakeDaemon struct {
	rec             *recorder
	mu              sync.Mutex
	alive           bool
	denied          bool
	startAlive      bool
	startErr        error
	aliveAfterStart bool
}

func (f *fakeDaemon) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return fmt.Errorf("%w: dial unix /var/run/docker.sock: connect: permission denied", domain.ErrSocketPermission)
	}
	if f.alive {
		return nil
	}
	return errors.New("cannot connect to the docker daemon")
}

func (f *fakeDaemon) StartDaemon(context.Context) error {
	f.rec.record("daemon.start")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startAlive || f.aliveAfterStart {
		f.alive = true
	}
	return f.startErr
}

type fakeImages struct {
	rec *recorder
	err error
}

func (f *fakeImages) PullImage(_ context.Context, ref string) error {
	f.rec.record("image.pull %s", ref)
	return f.err
}

type fakeStack struct {
	rec         *recorder
	downErr     error
	runErr      error
	upErr       error
	logsStarted chan struct{}
}

func (f *fakeStack) Down(context.Context) error {
	f.rec.record("stack.down")
	return f.downErr
}

func (f *fakeStack) RunOnce(_ context.Context, service string) error {
	f.rec.record("stack.run %s", service)
	return f.runErr
}

func (f *fakeStack) Up(context.Context) error {
	f.rec.record("stack.up")
	return f.upErr
}

func (f *fakeStack) FollowLogs(ctx context.Context) error {
	f.rec.record("stack.logs")
	if f.logsStarted != nil {
		close(f.logsStarted)
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakeSource struct {
	rec   *recorder
	files map[string]string
	err   error
}

func (f *fakeSource) Fetch(_ context.Context, repoURL, dir string) error {
	f.rec.record("source.fetch %s", repoURL)
	if f.err != nil {
		return f.err
	}
	return writeFiles(dir, f.files)
}

func (f *fakeDaemon) setDenied(denied bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = denied
}
