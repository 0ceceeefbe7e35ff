package ports

import (
	"context"
)

// RuntimeInstaller detects and installs the container runtime binary.
type RuntimeInstaller interface {
	Installed() bool
	Install(ctx context.Context) error
	// GrantAccess adds the invoking user to the runtime's privileged group.
	GrantAccess(ctx context.Context) error
	// RefreshAccess makes a membership granted by GrantAccess effective for
	// the rest of the run, possibly by restarting the process.
	RefreshAccess(ctx context.Context) error
}

// DaemonProbe reports whether the runtime daemon answers requests.
type DaemonProbe interface {
	Ping(ctx context.Context) error
}

// ServiceManager asks the host's service manager to start the daemon.
// Its result is advisory; callers re-probe the daemon afterwards.
type ServiceManager interface {
	StartDaemon(ctx context.Context) error
}

// ImageService fetches container images.
type ImageService interface {
	PullImage(ctx context.Context, ref string) error
}

// StackService drives the services defined by the compose file.
// This interface allows us to switch from the docker compose CLI to
// another orchestrator without changing the bootstrap stages.
type StackService interface {
	Down(ctx context.Context) error
	RunOnce(ctx context.Context, service string) error
	Up(ctx context.Context) error
	// FollowLogs streams aggregated service logs until ctx is cancelled.
	FollowLogs(ctx context.Context) error
}
