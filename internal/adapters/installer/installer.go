package installer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/user"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// DefaultScriptURL is Docker's convenience install script.
const DefaultScriptURL = "https://get.docker.com"

// RuntimeGroup is the group whose members may talk to the docker daemon.
const RuntimeGroup = "docker"

// RefreshedEnv is set in the environment of a process that was already
// re-executed with the runtime group in effect.
const RefreshedEnv = "GARMIN_BOOTSTRAP_GROUP_REFRESHED"

// CommandRunner runs a host command with the operator's terminal attached.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Installer implements ports.RuntimeInstaller for Docker Engine.
type Installer struct {
	binary     string
	scriptURL  string
	goos       string
	httpClient *http.Client
	logger     *slog.Logger

	run      CommandRunner
	lookPath func(string) (string, error)
	euid     func() int
	username func() (string, error)

	// args are the arguments the process was started with, replayed when
	// it re-executes itself.
	args       []string
	getenv     func(string) string
	executable func() (string, error)
	exec       func(argv0 string, argv []string, env []string) error
}

// New returns an Installer that fetches its script from scriptURL.
func New(scriptURL, goos string, logger *slog.Logger) *Installer {
	if scriptURL == "" {
		scriptURL = DefaultScriptURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		binary:     "docker",
		scriptURL:  scriptURL,
		goos:       goos,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
		run:        execRunner,
		lookPath:   exec.LookPath,
		euid:       os.Geteuid,
		username:   invokingUser,
		args:       os.Args[1:],
		getenv:     os.Getenv,
		executable: os.Executable,
		exec:       syscall.Exec,
	}
}

// Installed reports whether the docker binary is on PATH.
func (i *Installer) Installed() bool {
	_, err := i.lookPath(i.binary)
	return err == nil
}

// Install downloads the install script and runs it with sh, through sudo
// when not already root.
func (i *Installer) Install(ctx context.Context) error {
	if i.goos != "linux" {
		return fmt.Errorf("%w (%s): install Docker Desktop instead", domain.ErrInstallUnsupported, i.goos)
	}

	script, err := i.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(script)

	i.logger.Info("running docker install script", "url", i.scriptURL)
	name, args := i.privileged("sh", script)
	if err := i.run(ctx, name, args...); err != nil {
		return fmt.Errorf("install script failed: %w", err)
	}
	return nil
}

// GrantAccess adds the invoking user to the docker group. The membership
// only applies to new login sessions.
func (i *Installer) GrantAccess(ctx context.Context) error {
	name, err := i.username()
	if err != nil {
		return fmt.Errorf("resolve invoking user: %w", err)
	}
	if name == "" || name == "root" {
		i.logger.Debug("running as root, no group change needed")
		return nil
	}

	cmd, args := i.privileged("usermod", "-aG", RuntimeGroup, name)
	if err := i.run(ctx, cmd, args...); err != nil {
		return fmt.Errorf("add %s to group %s: %w", name, RuntimeGroup, err)
	}
	i.logger.Info("added user to docker group", "user", name)
	return nil
}

// RefreshAccess re-executes the current process under sg so the docker
// group granted by GrantAccess applies to the rest of the run. On success
// it does not return. It is a no-op for root and for a process that was
// already re-executed.
func (i *Installer) RefreshAccess(context.Context) error {
	if i.euid() == 0 {
		return nil
	}
	if i.getenv(RefreshedEnv) != "" {
		i.logger.Debug("group membership already refreshed")
		return nil
	}
	sg, err := i.lookPath("sg")
	if err != nil {
		return fmt.Errorf("sg not found, log in again to pick up group %s: %w", RuntimeGroup, err)
	}
	self, err := i.executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}

	command := "exec " + shellquote.Join(append([]string{self}, i.args...)...)
	env := append(os.Environ(), RefreshedEnv+"=1")
	i.logger.Info("restarting with docker group membership", "command", command)
	if err := i.exec(sg, []string{"sg", RuntimeGroup, "-c", command}, env); err != nil {
		return fmt.Errorf("re-execute under group %s: %w", RuntimeGroup, err)
	}
	return nil
}

func (i *Installer) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.scriptURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", i.scriptURL, err)
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download install script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download install script: %s returned HTTP %d", i.scriptURL, resp.StatusCode)
	}

	f, err := os.CreateTemp("", "get-docker-*.sh")
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("save install script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("save install script: %w", err)
	}
	return f.Name(), nil
}

// privileged prefixes sudo when the process is not root.
func (i *Installer) privileged(name string, args ...string) (string, []string) {
	if i.euid() == 0 {
		return name, args
	}
	return "sudo", append([]string{name}, args...)
}

// invokingUser prefers SUDO_USER so running under sudo still grants
// access to the operator rather than root.
func invokingUser() (string, error) {
	if name := os.Getenv("SUDO_USER"); name != "" {
		return name, nil
	}
	current, err := user.Current()
	if err != nil {
		return "", err
	}
	return current.Username, nil
}

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
