package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// pingTimeout bounds a single liveness probe so a wedged daemon socket
// cannot stall the workflow.
const pingTimeout = 5 * time.Second

// engineAPI is the part of the Docker Engine client the adapter uses.
type engineAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	Close() error
}

// Adapter implements ports.DaemonProbe and ports.ImageService using the Docker SDK.
type Adapter struct {
	cli    engineAPI
	out    io.Writer
	logger *slog.Logger
}

// NewAdapter creates a new Docker adapter instance. host overrides
// DOCKER_HOST when set; pull progress is written to out.
func NewAdapter(host string, out io.Writer, logger *slog.Logger) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newAdapter(cli, out, logger), nil
}

func newAdapter(cli engineAPI, out io.Writer, logger *slog.Logger) *Adapter {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cli: cli, out: out, logger: logger}
}

// Close releases the client's resources.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// Ping reports whether the daemon answers. A socket the user may not open
// is reported as domain.ErrSocketPermission.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := a.cli.Ping(ctx); err != nil {
		if isPermissionDenied(err) {
			return fmt.Errorf("%w: %w", domain.ErrSocketPermission, err)
		}
		return fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return nil
}

func isPermissionDenied(err error) bool {
	return errors.Is(err, fs.ErrPermission) || strings.Contains(err.Error(), "permission denied")
}

// PullImage pulls ref and renders the progress stream. Pulling an image
// that is already current only transfers the manifest.
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	reader, err := a.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	fd, isTerminal := terminalFd(a.out)
	if err := jsonmessage.DisplayJSONMessagesStream(reader, a.out, fd, isTerminal, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	inspect, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to inspect pulled image: %w", err)
	}
	a.logger.Info("image ready",
		"image", ref,
		"id", shortID(inspect.ID),
		"size", humanize.Bytes(uint64(inspect.Size)),
	)
	return nil
}

func terminalFd(w io.Writer) (uintptr, bool) {
	f, ok := w.(*os.File)
	if !ok {
		return 0, false
	}
	return f.Fd(), term.IsTerminal(int(f.Fd()))
}

// shortID trims a sha256 image id the way the docker CLI displays it.
func shortID(id string) string {
	const prefix = "sha256:"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		id = id[len(prefix):]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
