package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// MaterializeResult tells the caller what Materialize did.
type MaterializeResult int

const (
	Materialized MaterializeResult = iota
	AlreadyPresent
)

func (r MaterializeResult) String() string {
	if r == AlreadyPresent {
		return "already present"
	}
	return "materialized"
}

// Materialize creates the active compose file from its template exactly
// once. An existing active file is never overwritten and the template is
// left in place, so repeat runs are safe.
func Materialize(template, active string) (MaterializeResult, error) {
	if _, err := os.Stat(active); err == nil {
		return AlreadyPresent, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("stat %s: %w", active, err)
	}

	info, err := os.Stat(template)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: neither %s nor %s exists", domain.ErrMissingTemplate, template, active)
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", template, err)
	}

	data, err := os.ReadFile(template) //nolint:gosec // operator-supplied path
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", template, err)
	}
	if err := writeAtomic(active, data, info.Mode().Perm()); err != nil {
		return 0, err
	}
	return Materialized, nil
}

// ComposeServices returns the sorted service names defined in a compose file.
func ComposeServices(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}

	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose file %s: %w", path, err)
	}

	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RequireService fails with ErrServiceUndefined unless the compose file at
// path defines service.
func RequireService(path, service string) error {
	names, err := ComposeServices(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == service {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in %s (have %v)", domain.ErrServiceUndefined, service, path, names)
}
