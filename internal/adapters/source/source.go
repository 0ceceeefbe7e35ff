package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"
)

// Adapter implements ports.SourceService with go-git.
type Adapter struct {
	progress io.Writer
	logger   *slog.Logger
}

// NewAdapter returns an Adapter that reports clone progress to progress.
func NewAdapter(progress io.Writer, logger *slog.Logger) *Adapter {
	if progress == nil {
		progress = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{progress: progress, logger: logger}
}

// Fetch makes a shallow clone of repoURL into dir. dir may already exist
// but must not hold a repository.
func (a *Adapter) Fetch(ctx context.Context, repoURL string, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	a.logger.Info("cloning deployment bundle", "repo", repoURL, "dir", dir)
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:      repoURL,
		Progress: a.progress,
		Depth:    1, // Shallow clone for speed
	})
	if err != nil {
		return fmt.Errorf("failed to clone repo: %w", err)
	}
	return nil
}
