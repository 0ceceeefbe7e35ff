package compose

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"
)

// stopGrace is how long an interrupted compose process gets to exit after
// SIGINT before it is killed.
const stopGrace = 10 * time.Second

// Compose implements ports.StackService on top of the docker compose CLI.
type Compose struct {
	dir         string
	project     string
	composeFile string
	binary      string
	logger      *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// interactive reports whether stdin is a terminal.
	interactive func() bool
}

// New creates a Compose that runs in dir against composeFile. Both paths
// are taken relative to the process working directory; composeFile is made
// absolute so it still resolves once compose runs inside dir. An empty
// project lets compose derive the name from dir.
func New(dir, project, composeFile string, logger *slog.Logger) *Compose {
	if logger == nil {
		logger = slog.Default()
	}
	if composeFile != "" && !filepath.IsAbs(composeFile) {
		if abs, err := filepath.Abs(composeFile); err == nil {
			composeFile = abs
		}
	}
	return &Compose{
		dir:         dir,
		project:     project,
		composeFile: composeFile,
		binary:      "docker",
		logger:      logger,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Down stops and removes the stack's containers.
func (c *Compose) Down(ctx context.Context) error {
	return c.run(ctx, "down", "--remove-orphans")
}

// Up starts every service detached.
func (c *Compose) Up(ctx context.Context) error {
	return c.run(ctx, "up", "-d", "--remove-orphans")
}

// RunOnce runs service in the foreground with the operator's terminal
// attached and removes the container afterwards.
func (c *Compose) RunOnce(ctx context.Context, service string) error {
	cmd := c.command(ctx, runArgs(service, c.interactive())...)
	cmd.Stdin = c.stdin
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker compose run %s: %w", service, err)
	}
	return nil
}

// FollowLogs streams the aggregated service logs until ctx is cancelled
// or compose exits.
func (c *Compose) FollowLogs(ctx context.Context) error {
	cmd := c.command(ctx, "logs", "--follow")
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("docker compose logs: %w", err)
	}
	return nil
}

func runArgs(service string, interactive bool) []string {
	args := []string{"run", "--rm"}
	if !interactive {
		args = append(args, "-T")
	}
	return append(args, service)
}

// baseArgs is the argv prefix shared by every compose invocation.
func (c *Compose) baseArgs() []string {
	args := []string{"compose"}
	if c.composeFile != "" {
		args = append(args, "--file", c.composeFile)
	}
	return args
}

func (c *Compose) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, append(c.baseArgs(), args...)...)
	cmd.Dir = c.dir
	cmd.Env = os.Environ()
	if c.project != "" {
		cmd.Env = append(cmd.Env, "COMPOSE_PROJECT_NAME="+c.project)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopGrace
	return cmd
}

// run executes a non-interactive compose command and folds its output
// into the error on failure.
func (c *Compose) run(ctx context.Context, args ...string) error {
	cmd := c.command(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Error("docker compose failed",
			"dir", c.dir,
			"args", strings.Join(args, " "),
			"output", string(output),
			"err", err,
		)
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("docker compose %s: %s", args[0], detail)
	}
	c.logger.Debug("docker compose finished", "args", strings.Join(args, " "))
	return nil
}
