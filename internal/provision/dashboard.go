package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// Edit modes accepted by NewSubstituter.
const (
	EditNative = "native"
	EditSed    = "sed"
)

// Substituter replaces every occurrence of a placeholder token in a file.
// A file that no longer contains the placeholder is left untouched.
type Substituter interface {
	Substitute(ctx context.Context, path, placeholder, value string) error
}

// NewSubstituter returns the substituter for mode. goos selects the sed
// flavour when mode is EditSed.
func NewSubstituter(mode, goos string) (Substituter, error) {
	switch mode {
	case "", EditNative:
		return Native{}, nil
	case EditSed:
		return NewSed(goos), nil
	default:
		return nil, fmt.Errorf("unknown edit mode %q (want %s or %s)", mode, EditNative, EditSed)
	}
}

// ContainsPlaceholder reports whether the dashboard file still carries the
// placeholder token.
func ContainsPlaceholder(path, placeholder string) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: %s", domain.ErrMissingDashboard, path)
	}
	if err != nil {
		return false, fmt.Errorf("read dashboard: %w", err)
	}
	return bytes.Contains(data, []byte(placeholder)), nil
}

// Native substitutes in process.
type Native struct{}

func (Native) Substitute(_ context.Context, path, placeholder, value string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrMissingDashboard, path)
	}
	if err != nil {
		return fmt.Errorf("stat dashboard: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read dashboard: %w", err)
	}
	if !bytes.Contains(data, []byte(placeholder)) {
		return nil
	}
	replaced := bytes.ReplaceAll(data, []byte(placeholder), []byte(value))
	return writeAtomic(path, replaced, info.Mode().Perm())
}

// EditStyle is the shape of an in-place sed invocation on one platform.
// BSD sed needs an explicit empty backup suffix, GNU sed rejects it.
type EditStyle struct {
	Name    string
	InPlace []string
}

var (
	bsdEditStyle = EditStyle{Name: "bsd", InPlace: []string{"-i", ""}}
	gnuEditStyle = EditStyle{Name: "gnu", InPlace: []string{"-i"}}

	editStyles = map[string]EditStyle{
		"darwin":  bsdEditStyle,
		"freebsd": bsdEditStyle,
		"openbsd": bsdEditStyle,
		"netbsd":  bsdEditStyle,
	}
)

// EditStyleFor looks up the sed flavour for a GOOS value. Anything not
// known to be BSD-derived gets GNU syntax.
func EditStyleFor(goos string) EditStyle {
	if style, ok := editStyles[goos]; ok {
		return style
	}
	return gnuEditStyle
}

// Args builds the sed arguments that replace placeholder with value in path.
func (s EditStyle) Args(placeholder, value, path string) []string {
	expr := "s/" + escapePattern(placeholder) + "/" + escapeReplacement(value) + "/g"
	args := make([]string, 0, len(s.InPlace)+3)
	args = append(args, s.InPlace...)
	return append(args, "-e", expr, path)
}

// escapePattern quotes the characters special in a basic regular expression.
func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '/', '.', '*', '[', ']', '^', '$':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeReplacement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '/', '&':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Sed substitutes by running the host's sed.
type Sed struct {
	Style  EditStyle
	Binary string
}

// NewSed returns a Sed using the edit style for goos.
func NewSed(goos string) *Sed {
	return &Sed{Style: EditStyleFor(goos), Binary: "sed"}
}

func (s *Sed) Substitute(ctx context.Context, path, placeholder, value string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrMissingDashboard, path)
	}

	cmd := exec.CommandContext(ctx, s.Binary, s.Style.Args(placeholder, value, path)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s (%s style) on %s: %w: %s", s.Binary, s.Style.Name, path, err, strings.TrimSpace(string(output)))
	}
	return nil
}
