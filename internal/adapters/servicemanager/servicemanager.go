package servicemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DefaultUnit is the systemd unit of the docker daemon.
const DefaultUnit = "docker.service"

// unitStarter is the part of the systemd D-Bus connection we need.
type unitStarter interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// CommandRunner runs a host command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Manager implements ports.ServiceManager. On Linux it asks systemd over
// D-Bus and falls back to the systemctl and service commands; on macOS it
// launches Docker Desktop.
type Manager struct {
	unit   string
	goos   string
	logger *slog.Logger

	dial func(ctx context.Context) (unitStarter, error)
	run  CommandRunner
	euid func() int
}

// New returns a Manager for unit.
func New(unit, goos string, logger *slog.Logger) *Manager {
	if unit == "" {
		unit = DefaultUnit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		unit:   unit,
		goos:   goos,
		logger: logger,
		dial:   dialSystemd,
		run:    combinedOutput,
		euid:   os.Geteuid,
	}
}

// StartDaemon asks the host to start the daemon. When every mechanism
// fails the individual errors are joined.
func (m *Manager) StartDaemon(ctx context.Context) error {
	if m.goos == "darwin" {
		return m.command(ctx, "open", "-a", "Docker")
	}

	err := m.startUnit(ctx)
	if err == nil {
		return nil
	}
	m.logger.Debug("systemd start over dbus failed", "unit", m.unit, "err", err)

	errs := []error{err}
	for _, argv := range m.fallbacks() {
		if err := m.command(ctx, argv[0], argv[1:]...); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

func (m *Manager) startUnit(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	result := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, m.unit, "replace", result); err != nil {
		return fmt.Errorf("start %s: %w", m.unit, err)
	}
	select {
	case status := <-result:
		if status != "done" {
			return fmt.Errorf("start %s: job finished with %q", m.unit, status)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) fallbacks() [][]string {
	service := strings.TrimSuffix(m.unit, ".service")
	commands := [][]string{
		{"systemctl", "start", m.unit},
		{"service", service, "start"},
	}
	if m.euid() == 0 {
		return commands
	}
	for i, argv := range commands {
		commands[i] = append([]string{"sudo"}, argv...)
	}
	return commands
}

func (m *Manager) command(ctx context.Context, name string, args ...string) error {
	output, err := m.run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func dialSystemd(ctx context.Context) (unitStarter, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
