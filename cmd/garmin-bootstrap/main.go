package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/pflag"

	"github.com/melih/garmin-bootstrap/internal/adapters/compose"
	"github.com/melih/garmin-bootstrap/internal/adapters/console"
	"github.com/melih/garmin-bootstrap/internal/adapters/docker"
	"github.com/melih/garmin-bootstrap/internal/adapters/http"
	"github.com/melih/garmin-bootstrap/internal/adapters/installer"
	"github.com/melih/garmin-bootstrap/internal/adapters/lock"
	"github.com/melih/garmin-bootstrap/internal/adapters/servicemanager"
	"github.com/melih/garmin-bootstrap/internal/adapters/source"
	"github.com/melih/garmin-bootstrap/internal/config"
	"github.com/melih/garmin-bootstrap/internal/core/bootstrap"
	"github.com/melih/garmin-bootstrap/internal/provision"
)

// exitInterrupted is the conventional status for a run stopped by SIGINT.
const exitInterrupted = 130

// reportedError carries an exit code for a failure already shown to the
// operator.
type reportedError struct {
	err  error
	code int
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }
func (e *reportedError) ExitCode() int { return e.code }

func main() {
	os.Exit(exitStatus(run(os.Args[1:]), os.Stderr))
}

// exitStatus maps the result of run to the process exit status. Failures
// already printed by the console reporter carry their exit code and are
// not printed again.
func exitStatus(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	runLock, err := lock.Acquire(cfg.Path(cfg.LockFile))
	if err != nil {
		return err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			logger.Warn("failed to release lock", "err", err)
		}
	}()

	dockerAdapter, err := docker.NewAdapter(cfg.DockerHost, os.Stdout, logger)
	if err != nil {
		return err
	}
	defer dockerAdapter.Close()

	substituter, err := provision.NewSubstituter(cfg.EditMode, runtime.GOOS)
	if err != nil {
		return err
	}

	plan := bootstrap.Plan{
		WorkDir:          cfg.WorkDir,
		RepoURL:          cfg.RepoURL,
		TemplateFile:     cfg.Path(cfg.TemplateFile),
		ComposeFile:      cfg.Path(cfg.ComposeFile),
		DashboardFile:    cfg.Path(cfg.DashboardFile),
		Placeholder:      cfg.Placeholder,
		Datasource:       cfg.Datasource,
		TokenDir:         cfg.Path(cfg.TokenDir),
		Image:            cfg.Image,
		CollectorService: cfg.CollectorService,
		DaemonStartDelay: cfg.DaemonStartDelay,
	}
	stages := bootstrap.Stages(plan, bootstrap.Dependencies{
		Runtime:        installer.New(cfg.InstallScriptURL, runtime.GOOS, logger),
		Daemon:         dockerAdapter,
		ServiceManager: servicemanager.New(cfg.DaemonUnit, runtime.GOOS, logger),
		Images:         dockerAdapter,
		Stack:          compose.New(cfg.WorkDir, cfg.Project, plan.ComposeFile, logger),
		Source:         source.NewAdapter(os.Stdout, logger),
		Substituter:    substituter,
		Clock:          clock.WallClock,
		Logger:         logger,
	})

	reporter := console.NewReporter(os.Stdout, len(stages))
	progress := bootstrap.NewProgress()
	orchestrator := bootstrap.New(stages, logger, clock.WallClock, reporter, progress)

	if cfg.StatusAddr != "" {
		app := http.NewStatusServer(http.NewStatusHandler(progress, orchestrator.Names()))
		go func() {
			if err := app.Listen(cfg.StatusAddr); err != nil {
				logger.Error("status server stopped", "addr", cfg.StatusAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", "err", err)
			}
		}()
		logger.Info("serving bootstrap status", "addr", cfg.StatusAddr)
	}

	logger.Debug("starting bootstrap", "dir", cfg.WorkDir, "stages", orchestrator.Names())
	if _, err := orchestrator.Run(ctx); err != nil {
		return reportFailure(reporter, err)
	}
	return nil
}

// reportFailure shows a failed run to the operator and attaches its exit
// code: 130 for an interrupt, the stage's own code for a fatal stage.
func reportFailure(reporter *console.Reporter, err error) error {
	if errors.Is(err, context.Canceled) {
		reporter.Failure(errors.New("interrupted"))
		return &reportedError{err: err, code: exitInterrupted}
	}
	reporter.Failure(err)
	return &reportedError{err: err, code: exitCode(err)}
}

func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
