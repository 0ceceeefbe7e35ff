package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
	"github.com/melih/garmin-bootstrap/internal/provision"
)

const (
	testImage     = "thisisarpanghosh/garmin-fetch-data:latest"
	testTemplate  = "services:\n  garmin-fetch-data:\n    image: " + testImage + "\n  influxdb:\n    image: influxdb:1.11\n  grafana:\n    image: grafana/grafana:latest\n"
	testDashboard = `{"panels":[{"datasource":{"uid":"${DS_GARMIN_STATS}"}},{"datasource":{"uid":"${DS_GARMIN_STATS}"}}]}`
)

func writeFiles(dir string, files map[string]string) error {
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	dir     string
	plan    Plan
	deps    Dependencies
	clock   *testclock.Clock
	rec     *recorder
	runtime *fakeRuntime
	daemon  *fakeDaemon
	images  *fakeImages
	stack   *fakeStack
	source  *fakeSource
}

// newFixture describes a healthy host: docker installed, daemon running,
// deployment files present in a fresh work dir.
func newFixture(c *qt.C) *fixture {
	dir := c.TempDir()
	c.Assert(writeFiles(dir, map[string]string{
		"compose-example.yml": testTemplate,
		"Grafana_Dashboard/Garmin-Grafana-Dashboard.json": testDashboard,
	}), qt.IsNil)

	rec := &recorder{}
	f := &fixture{
		dir:     dir,
		clock:   testclock.NewClock(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)),
		rec:     rec,
		runtime: &fakeRuntime{rec: rec, installed: true},
		daemon:  &fakeDaemon{rec: rec, alive: true},
		images:  &fakeImages{rec: rec},
		stack:   &fakeStack{rec: rec, logsStarted: make(chan struct{})},
		source:  &fakeSource{rec: rec},
	}
	f.plan = Plan{
		WorkDir:          dir,
		TemplateFile:     filepath.Join(dir, "compose-example.yml"),
		ComposeFile:      filepath.Join(dir, "compose.yml"),
		DashboardFile:    filepath.Join(dir, "Grafana_Dashboard", "Garmin-Grafana-Dashboard.json"),
		Placeholder:      "${DS_GARMIN_STATS}",
		Datasource:       "garmin_influxdb",
		TokenDir:         filepath.Join(dir, "garminconnect-tokens"),
		Image:            testImage,
		CollectorService: "garmin-fetch-data",
	}
	f.deps = Dependencies{
		Runtime:        f.runtime,
		Daemon:         f.daemon,
		ServiceManager: f.daemon,
		Images:         f.images,
		Stack:          f.stack,
		Source:         f.source,
		Substituter:    provision.Native{},
		Clock:          f.clock,
		Logger:         discardLogger(),
	}
	return f
}

type runResult struct {
	reports []domain.Report
	err     error
}

// start runs the workflow in the background.
func (f *fixture) start(ctx context.Context) <-chan runResult {
	done := make(chan runResult, 1)
	orch := New(Stages(f.plan, f.deps), discardLogger(), f.clock)
	go func() {
		reports, err := orch.Run(ctx)
		done <- runResult{reports: reports, err: err}
	}()
	return done
}

// runToStreaming runs the workflow until it streams logs, checks it keeps
// streaming, then interrupts it.
func (f *fixture) runToStreaming(c *qt.C, advanceDelay bool) runResult {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	if advanceDelay {
		c.Assert(f.clock.WaitAdvance(DefaultDaemonStartDelay, 5*time.Second, 1), qt.IsNil)
	}
	select {
	case <-f.stack.logsStarted:
	case res := <-done:
		c.Fatalf("workflow ended before streaming logs: %v", res.err)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for log streaming")
	}
	select {
	case res := <-done:
		c.Fatalf("workflow returned while streaming: %v", res.err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	return <-done
}

// runToFailure runs a workflow expected to stop before streaming.
func (f *fixture) runToFailure(c *qt.C) runResult {
	select {
	case res := <-f.start(context.Background()):
		return res
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for failure")
		return runResult{}
	}
}

func TestFreshHost(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.runtime.installed = false
	f.daemon.alive = false
	f.daemon.startAlive = true

	res := f.runToStreaming(c, true)
	c.Assert(res.err, qt.IsNil)

	c.Assert(f.rec.list(), qt.DeepEquals, []string{
		"runtime.install",
		"runtime.grant",
		"runtime.refresh",
		"daemon.start",
		"image.pull " + testImage,
		"stack.down",
		"stack.run garmin-fetch-data",
		"stack.up",
		"stack.logs",
	})
	c.Assert(outcomes(res.reports), qt.DeepEquals, map[string]domain.Outcome{
		StageFetchBundle:   domain.OutcomeSkipped,
		StageRuntime:       domain.OutcomeDone,
		StageRuntimeGroup:  domain.OutcomeDone,
		StageDaemon:        domain.OutcomeDone,
		StageTokenDir:      domain.OutcomeDone,
		StageTokenDirMode:  domain.OutcomeDone,
		StageComposeConfig: domain.OutcomeDone,
		StageDashboard:     domain.OutcomeDone,
		StageImage:         domain.OutcomeDone,
		StageTeardown:      domain.OutcomeDone,
		StageInit:          domain.OutcomeDone,
		StageStartup:       domain.OutcomeDone,
		StageLogs:          domain.OutcomeStreaming,
	})

	info, err := os.Stat(f.plan.TokenDir)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, provision.PermissiveMode)

	compose, err := os.ReadFile(f.plan.ComposeFile)
	c.Assert(err, qt.IsNil)
	c.Assert(string(compose), qt.Equals, testTemplate)

	dashboard, err := os.ReadFile(f.plan.DashboardFile)
	c.Assert(err, qt.IsNil)
	c.Assert(string(dashboard), qt.Equals, `{"panels":[{"datasource":{"uid":"garmin_influxdb"}},{"datasource":{"uid":"garmin_influxdb"}}]}`)
}

func TestHealthyHostSkipsInstallAndRestart(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)

	got := outcomes(res.reports)
	c.Assert(got[StageRuntime], qt.Equals, domain.OutcomeSkipped)
	c.Assert(got[StageRuntimeGroup], qt.Equals, domain.OutcomeSkipped)
	c.Assert(got[StageDaemon], qt.Equals, domain.OutcomeSkipped)
	c.Assert(got[StageTokenDir], qt.Equals, domain.OutcomeDone)
	c.Assert(f.rec.list()[0], qt.Equals, "image.pull "+testImage)
}

func TestRepeatRunAfterMaterialization(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	c.Assert(os.Rename(f.plan.TemplateFile, f.plan.ComposeFile), qt.IsNil)
	c.Assert(os.Mkdir(f.plan.TokenDir, 0o755), qt.IsNil)
	c.Assert(provision.MakePermissive(f.plan.TokenDir), qt.IsNil)
	c.Assert(provision.Native{}.Substitute(context.Background(), f.plan.DashboardFile, f.plan.Placeholder, f.plan.Datasource), qt.IsNil)

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)

	got := outcomes(res.reports)
	for _, name := range []string{StageRuntime, StageDaemon, StageTokenDir, StageTokenDirMode, StageComposeConfig, StageDashboard} {
		c.Assert(got[name], qt.Equals, domain.OutcomeSkipped, qt.Commentf("stage %s", name))
	}
	c.Assert(f.rec.list(), qt.Contains, "image.pull "+testImage)
}

func TestMissingComposeTemplateStopsBeforePull(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	c.Assert(os.Remove(f.plan.TemplateFile), qt.IsNil)

	res := f.runToFailure(c)
	c.Assert(res.err, qt.ErrorIs, domain.ErrMissingTemplate)

	var stageErr *domain.StageError
	c.Assert(errors.As(res.err, &stageErr), qt.IsTrue)
	c.Assert(stageErr.Stage, qt.Equals, StageComposeConfig)
	c.Assert(stageErr.ExitCode(), qt.Not(qt.Equals), 0)
	c.Assert(f.rec.list(), qt.HasLen, 0)
}

func TestDaemonComesUpDespiteFailedStart(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.daemon.alive = false
	f.daemon.startErr = errors.New("System has not been booted with systemd")
	f.daemon.aliveAfterStart = true

	res := f.runToStreaming(c, true)
	c.Assert(res.err, qt.IsNil)
	c.Assert(outcomes(res.reports)[StageDaemon], qt.Equals, domain.OutcomeDone)
	c.Assert(f.rec.list()[:2], qt.DeepEquals, []string{"daemon.start", "image.pull " + testImage})
}

func TestDaemonNeverResponds(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.daemon.alive = false

	done := f.start(context.Background())
	c.Assert(f.clock.WaitAdvance(DefaultDaemonStartDelay, 5*time.Second, 1), qt.IsNil)
	res := <-done

	c.Assert(res.err, qt.ErrorIs, domain.ErrDaemonUnavailable)
	var stageErr *domain.StageError
	c.Assert(errors.As(res.err, &stageErr), qt.IsTrue)
	c.Assert(stageErr.Stage, qt.Equals, StageDaemon)
	c.Assert(stageErr.Hint, qt.Contains, "restart docker manually")
	c.Assert(f.rec.list(), qt.DeepEquals, []string{"daemon.start"})
}

func TestRuntimeInstallFailure(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.runtime.installed = false
	f.runtime.installErr = domain.ErrInstallUnsupported

	res := f.runToFailure(c)
	c.Assert(res.err, qt.ErrorIs, domain.ErrRuntimeMissing)
	c.Assert(res.err, qt.ErrorIs, domain.ErrInstallUnsupported)
	c.Assert(f.rec.list(), qt.DeepEquals, []string{"runtime.install"})
}

func TestGroupFixupIsBestEffort(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.runtime.installed = false
	f.runtime.grantErr = errors.New("usermod: user 'operator' does not exist")

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)
	c.Assert(outcomes(res.reports)[StageRuntimeGroup], qt.Equals, domain.OutcomeTolerated)
}

func TestFreshInstallAsNonRootRefreshesGroup(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.runtime.installed = false
	f.daemon.denied = true
	f.runtime.onRefresh = func() { f.daemon.setDenied(false) }

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)
	c.Assert(f.rec.list()[:4], qt.DeepEquals, []string{
		"runtime.install",
		"runtime.grant",
		"runtime.refresh",
		"image.pull " + testImage,
	})
	c.Assert(outcomes(res.reports)[StageDaemon], qt.Equals, domain.OutcomeSkipped)
}

func TestGroupRefreshFailureIsTolerated(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.runtime.installed = false
	f.runtime.refreshErr = errors.New("sg not found")

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)
	c.Assert(outcomes(res.reports)[StageRuntimeGroup], qt.Equals, domain.OutcomeTolerated)
}

func TestSocketPermissionStopsWithoutRestart(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.daemon.denied = true

	res := f.runToFailure(c)
	c.Assert(res.err, qt.ErrorIs, domain.ErrSocketPermission)
	c.Assert(res.err, qt.Not(qt.ErrorIs), domain.ErrDaemonUnavailable)
	var stageErr *domain.StageError
	c.Assert(errors.As(res.err, &stageErr), qt.IsTrue)
	c.Assert(stageErr.Stage, qt.Equals, StageDaemon)
	c.Assert(stageErr.Hint, qt.Contains, "newgrp docker")
	c.Assert(f.rec.list(), qt.HasLen, 0)
}

func TestExistsTreatsUninspectablePathAsMissing(t *testing.T) {
	c := qt.New(t)
	file := filepath.Join(t.TempDir(), "compose-example.yml")
	c.Assert(os.WriteFile(file, []byte(testTemplate), 0o644), qt.IsNil)

	c.Assert(exists(file), qt.IsTrue)
	c.Assert(exists(filepath.Join(file, "compose.yml")), qt.IsFalse)
	c.Assert(exists(filepath.Join(filepath.Dir(file), "absent")), qt.IsFalse)
}

func TestTeardownFailureIsTolerated(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.stack.downErr = errors.New("no configuration file provided")

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)
	c.Assert(outcomes(res.reports)[StageTeardown], qt.Equals, domain.OutcomeTolerated)
	c.Assert(f.rec.list(), qt.Contains, "stack.up")
}

func TestImagePullFailureIsFatal(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.images.err = errors.New("manifest unknown")

	res := f.runToFailure(c)
	c.Assert(res.err, qt.ErrorMatches, `stage "image" failed: manifest unknown`)
	c.Assert(f.rec.list(), qt.DeepEquals, []string{"image.pull " + testImage})
}

func TestInitFailureStopsBeforeStartup(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.stack.runErr = errors.New("exit status 1")

	res := f.runToFailure(c)
	var stageErr *domain.StageError
	c.Assert(errors.As(res.err, &stageErr), qt.IsTrue)
	c.Assert(stageErr.Stage, qt.Equals, StageInit)
	c.Assert(f.rec.list(), qt.Not(qt.Contains), "stack.up")
}

func TestInitRequiresCollectorService(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.plan.CollectorService = "collector"

	res := f.runToFailure(c)
	c.Assert(res.err, qt.ErrorIs, domain.ErrServiceUndefined)
	c.Assert(f.rec.list(), qt.Not(qt.Contains), "stack.run collector")
}

func TestStartupFailureIsFatal(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.stack.upErr = errors.New("port 3000 is already allocated")

	res := f.runToFailure(c)
	var stageErr *domain.StageError
	c.Assert(errors.As(res.err, &stageErr), qt.IsTrue)
	c.Assert(stageErr.Stage, qt.Equals, StageStartup)
	c.Assert(f.rec.list(), qt.Not(qt.Contains), "stack.logs")
}

func TestMissingDashboardIsFatal(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	c.Assert(os.Remove(f.plan.DashboardFile), qt.IsNil)

	res := f.runToFailure(c)
	c.Assert(res.err, qt.ErrorIs, domain.ErrMissingDashboard)
	c.Assert(f.rec.list(), qt.HasLen, 0)
}

func TestFetchBundleWhenWorkDirIsEmpty(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	c.Assert(os.Remove(f.plan.TemplateFile), qt.IsNil)
	c.Assert(os.RemoveAll(filepath.Dir(f.plan.DashboardFile)), qt.IsNil)
	f.plan.RepoURL = "https://github.com/arpanghosh8453/garmin-grafana.git"
	f.source.files = map[string]string{
		"compose-example.yml": testTemplate,
		"Grafana_Dashboard/Garmin-Grafana-Dashboard.json": testDashboard,
	}

	res := f.runToStreaming(c, false)
	c.Assert(res.err, qt.IsNil)
	c.Assert(outcomes(res.reports)[StageFetchBundle], qt.Equals, domain.OutcomeDone)
	c.Assert(f.rec.list()[0], qt.Equals, "source.fetch "+f.plan.RepoURL)
}
