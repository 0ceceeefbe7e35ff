package ports

import "context"

// SourceService fetches the deployment bundle (compose template, dashboard
// definitions) into a local directory.
type SourceService interface {
	// Fetch clones repoURL into dir.
	Fetch(ctx context.Context, repoURL string, dir string) error
}
