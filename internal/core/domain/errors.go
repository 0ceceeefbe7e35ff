package domain

// Error is an immutable sentinel error usable as a constant.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrRuntimeMissing is returned when the container runtime binary is
	// absent and could not be installed.
	ErrRuntimeMissing = Error("container runtime is not installed")

	// ErrInstallUnsupported is returned when the host has no scripted
	// install path for the runtime.
	ErrInstallUnsupported = Error("automatic runtime installation is not supported on this host")

	// ErrDaemonUnavailable is returned when the runtime daemon does not
	// answer after one start attempt.
	ErrDaemonUnavailable = Error("container runtime daemon is not responding")

	// ErrSocketPermission is returned when the daemon socket exists but the
	// current user may not connect to it.
	ErrSocketPermission = Error("permission denied on the container runtime socket")

	// ErrPermission is returned when file modes cannot be changed.
	ErrPermission = Error("insufficient privilege")

	// ErrMissingTemplate is returned when neither the compose template nor
	// the materialized compose file exists.
	ErrMissingTemplate = Error("compose template not found")

	// ErrMissingDashboard is returned when the dashboard definition is absent.
	ErrMissingDashboard = Error("dashboard definition not found")

	// ErrServiceUndefined is returned when the compose file does not define
	// the collector service.
	ErrServiceUndefined = Error("service not defined in compose file")

	// ErrLocked is returned when another bootstrap holds the work dir lock.
	ErrLocked = Error("another bootstrap is already running in this directory")
)
