package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
	"github.com/melih/garmin-bootstrap/internal/core/ports"
	"github.com/melih/garmin-bootstrap/internal/provision"
)

// Stage names, in execution order.
const (
	StageFetchBundle   = "fetch-bundle"
	StageRuntime       = "runtime"
	StageRuntimeGroup  = "runtime-group"
	StageDaemon        = "daemon"
	StageTokenDir      = "token-dir"
	StageTokenDirMode  = "token-dir-mode"
	StageComposeConfig = "compose-config"
	StageDashboard     = "dashboard"
	StageImage         = "image"
	StageTeardown      = "teardown"
	StageInit          = "init"
	StageStartup       = "startup"
	StageLogs          = "logs"
)

// DefaultDaemonStartDelay is how long the daemon gets to come up after the
// service manager was asked to start it.
const DefaultDaemonStartDelay = 3 * time.Second

// Plan holds the resolved paths and names the stages act on. Paths are
// absolute or relative to the process working directory.
type Plan struct {
	WorkDir          string
	RepoURL          string
	TemplateFile     string
	ComposeFile      string
	DashboardFile    string
	Placeholder      string
	Datasource       string
	TokenDir         string
	Image            string
	CollectorService string
	DaemonStartDelay time.Duration
}

// Dependencies are the adapters the stages drive.
type Dependencies struct {
	Runtime        ports.RuntimeInstaller
	Daemon         ports.DaemonProbe
	ServiceManager ports.ServiceManager
	Images         ports.ImageService
	Stack          ports.StackService
	Source         ports.SourceService
	Substituter    provision.Substituter
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Stages builds the bootstrap workflow for plan.
func Stages(plan Plan, deps Dependencies) []domain.Stage {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Substituter == nil {
		deps.Substituter = provision.Native{}
	}
	if plan.DaemonStartDelay <= 0 {
		plan.DaemonStartDelay = DefaultDaemonStartDelay
	}
	w := &workflow{plan: plan, deps: deps}

	return []domain.Stage{
		{
			Name:      StageFetchBundle,
			Probe:     w.probeBundle,
			Reconcile: w.fetchBundle,
			Fatal:     true,
			Hint:      "check the repository URL or copy the deployment files into the work directory",
		},
		{
			Name:      StageRuntime,
			Probe:     w.probeRuntime,
			Reconcile: w.installRuntime,
			Fatal:     true,
			Hint:      "install docker manually (https://docs.docker.com/engine/install/) and re-run",
		},
		{
			Name:      StageRuntimeGroup,
			Probe:     w.probeRuntimeGroup,
			Reconcile: w.grantRuntimeAccess,
		},
		{
			Name:      StageDaemon,
			Probe:     w.probeDaemon,
			Reconcile: w.startDaemon,
			Fatal:     true,
			Hint:      "restart docker manually (e.g. sudo systemctl restart docker); if docker was just installed or the socket is not accessible, log out and back in (or run 'newgrp docker') first",
		},
		{
			Name:      StageTokenDir,
			Probe:     w.probeTokenDir,
			Reconcile: w.createTokenDir,
			Fatal:     true,
		},
		{
			Name:      StageTokenDirMode,
			Probe:     w.probeTokenDirMode,
			Reconcile: w.fixTokenDirMode,
			Fatal:     true,
			Hint:      "re-run with sudo so the token directory permissions can be changed",
		},
		{
			Name:      StageComposeConfig,
			Probe:     w.probeComposeConfig,
			Reconcile: w.materializeComposeConfig,
			Fatal:     true,
			Hint:      "run from the directory holding " + filepath.Base(plan.TemplateFile),
		},
		{
			Name:      StageDashboard,
			Probe:     w.probeDashboard,
			Reconcile: w.substituteDashboard,
			Fatal:     true,
			Hint:      "restore " + plan.DashboardFile + " from the repository",
		},
		{
			Name:      StageImage,
			Reconcile: w.pullImage,
			Fatal:     true,
			Hint:      "check network access to the registry and that " + plan.Image + " exists",
		},
		{
			// Failures are tolerated: the usual cause is that no previous
			// stack exists.
			Name:      StageTeardown,
			Reconcile: w.teardown,
		},
		{
			Name:      StageInit,
			Probe:     w.probeInit,
			Reconcile: w.initialize,
			Fatal:     true,
			Hint:      "check the credentials entered during initialization and re-run",
		},
		{
			Name:      StageStartup,
			Reconcile: w.startup,
			Fatal:     true,
			Hint:      "inspect the stack with 'docker compose ps' and 'docker compose logs'",
		},
		{
			Name:      StageLogs,
			Reconcile: w.followLogs,
			Streaming: true,
		},
	}
}

// workflow carries what the stages share within one run.
type workflow struct {
	plan Plan
	deps Dependencies

	runtimeInstalled bool
}

func (w *workflow) probeBundle(context.Context) (domain.State, error) {
	if w.plan.RepoURL == "" {
		return domain.SatisfiedState("no repository configured"), nil
	}
	for _, path := range []string{w.plan.ComposeFile, w.plan.TemplateFile} {
		if exists(path) {
			return domain.SatisfiedState("%s present", path), nil
		}
	}
	return domain.PendingState("cloning %s", w.plan.RepoURL), nil
}

func (w *workflow) fetchBundle(ctx context.Context, _ domain.State) error {
	return w.deps.Source.Fetch(ctx, w.plan.RepoURL, w.plan.WorkDir)
}

func (w *workflow) probeRuntime(context.Context) (domain.State, error) {
	if w.deps.Runtime.Installed() {
		return domain.SatisfiedState("docker found"), nil
	}
	return domain.PendingState("docker not found, installing"), nil
}

func (w *workflow) installRuntime(ctx context.Context, _ domain.State) error {
	if err := w.deps.Runtime.Install(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRuntimeMissing, err)
	}
	if !w.deps.Runtime.Installed() {
		return fmt.Errorf("%w: install script finished but docker is still not on PATH", domain.ErrRuntimeMissing)
	}
	w.runtimeInstalled = true
	return nil
}

func (w *workflow) probeRuntimeGroup(context.Context) (domain.State, error) {
	if !w.runtimeInstalled {
		return domain.SatisfiedState("runtime was already installed"), nil
	}
	return domain.PendingState("granting docker group membership"), nil
}

func (w *workflow) grantRuntimeAccess(ctx context.Context, _ domain.State) error {
	if err := w.deps.Runtime.GrantAccess(ctx); err != nil {
		return err
	}
	if err := w.deps.Runtime.RefreshAccess(ctx); err != nil {
		w.deps.Logger.Info("docker group membership applies to new login sessions")
		return fmt.Errorf("refresh group membership: %w", err)
	}
	return nil
}

// probeDaemon fails outright on a socket permission error: restarting the
// daemon cannot fix the caller's access.
func (w *workflow) probeDaemon(ctx context.Context) (domain.State, error) {
	if err := w.deps.Daemon.Ping(ctx); err != nil {
		if errors.Is(err, domain.ErrSocketPermission) {
			return domain.State{}, err
		}
		return domain.PendingState("daemon not responding: %v", err), nil
	}
	return domain.SatisfiedState("daemon responding"), nil
}

// startDaemon makes one start attempt. The start command's own result is
// only logged; the probe after the delay decides.
func (w *workflow) startDaemon(ctx context.Context, _ domain.State) error {
	if err := w.deps.ServiceManager.StartDaemon(ctx); err != nil {
		w.deps.Logger.Warn("daemon start request failed", "err", err)
	}

	select {
	case <-w.deps.Clock.After(w.plan.DaemonStartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.deps.Daemon.Ping(ctx); err != nil {
		if errors.Is(err, domain.ErrSocketPermission) {
			return err
		}
		return fmt.Errorf("%w after %s: %v", domain.ErrDaemonUnavailable, w.plan.DaemonStartDelay, err)
	}
	return nil
}

func (w *workflow) probeTokenDir(context.Context) (domain.State, error) {
	info, err := os.Stat(w.plan.TokenDir)
	if err == nil && info.IsDir() {
		return domain.SatisfiedState("%s exists", w.plan.TokenDir), nil
	}
	return domain.PendingState("creating %s", w.plan.TokenDir), nil
}

func (w *workflow) createTokenDir(context.Context, domain.State) error {
	_, err := provision.EnsureDir(w.plan.TokenDir)
	return err
}

func (w *workflow) probeTokenDirMode(context.Context) (domain.State, error) {
	ok, err := provision.IsPermissive(w.plan.TokenDir)
	if err != nil {
		return domain.State{}, err
	}
	if ok {
		return domain.SatisfiedState("%s already mode %v", w.plan.TokenDir, provision.PermissiveMode), nil
	}
	return domain.PendingState("setting mode %v on %s", provision.PermissiveMode, w.plan.TokenDir), nil
}

func (w *workflow) fixTokenDirMode(context.Context, domain.State) error {
	return provision.MakePermissive(w.plan.TokenDir)
}

func (w *workflow) probeComposeConfig(context.Context) (domain.State, error) {
	if exists(w.plan.ComposeFile) {
		return domain.SatisfiedState("%s already materialized", w.plan.ComposeFile), nil
	}
	return domain.PendingState("creating %s from %s", w.plan.ComposeFile, w.plan.TemplateFile), nil
}

func (w *workflow) materializeComposeConfig(context.Context, domain.State) error {
	result, err := provision.Materialize(w.plan.TemplateFile, w.plan.ComposeFile)
	if err != nil {
		return err
	}
	w.deps.Logger.Debug("compose config", "result", result, "path", w.plan.ComposeFile)
	return nil
}

func (w *workflow) probeDashboard(context.Context) (domain.State, error) {
	found, err := provision.ContainsPlaceholder(w.plan.DashboardFile, w.plan.Placeholder)
	if err != nil {
		return domain.State{}, err
	}
	if !found {
		return domain.SatisfiedState("%s already uses %s", w.plan.DashboardFile, w.plan.Datasource), nil
	}
	return domain.PendingState("replacing %s with %s", w.plan.Placeholder, w.plan.Datasource), nil
}

func (w *workflow) substituteDashboard(ctx context.Context, _ domain.State) error {
	return w.deps.Substituter.Substitute(ctx, w.plan.DashboardFile, w.plan.Placeholder, w.plan.Datasource)
}

func (w *workflow) pullImage(ctx context.Context, _ domain.State) error {
	return w.deps.Images.PullImage(ctx, w.plan.Image)
}

func (w *workflow) teardown(ctx context.Context, _ domain.State) error {
	return w.deps.Stack.Down(ctx)
}

func (w *workflow) probeInit(context.Context) (domain.State, error) {
	if err := provision.RequireService(w.plan.ComposeFile, w.plan.CollectorService); err != nil {
		return domain.State{}, err
	}
	return domain.PendingState("running %s once", w.plan.CollectorService), nil
}

func (w *workflow) initialize(ctx context.Context, _ domain.State) error {
	return w.deps.Stack.RunOnce(ctx, w.plan.CollectorService)
}

func (w *workflow) startup(ctx context.Context, _ domain.State) error {
	return w.deps.Stack.Up(ctx)
}

func (w *workflow) followLogs(ctx context.Context, _ domain.State) error {
	return w.deps.Stack.FollowLogs(ctx)
}

// exists reports whether path can be stat'ed. Paths that cannot be
// inspected count as missing.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
