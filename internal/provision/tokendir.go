package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// PermissiveMode lets the collector container, which runs as an unprivileged
// user, write session tokens into a directory owned by the operator.
const PermissiveMode fs.FileMode = 0o777

// EnsureDir creates path if it does not exist. It reports whether the
// directory was created by this call.
func EnsureDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", path)
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(path, PermissiveMode); err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	return true, nil
}

// IsPermissive reports whether path and everything below it already carry
// PermissiveMode. Symlinks are not followed.
func IsPermissive(path string) (bool, error) {
	permissive := true
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().Perm() != PermissiveMode {
			permissive = false
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", path, err)
	}
	return permissive, nil
}

// MakePermissive applies PermissiveMode recursively, like chmod -R 777.
func MakePermissive(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return chmodError(p, err)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if err := os.Chmod(p, PermissiveMode); err != nil {
			return chmodError(p, err)
		}
		return nil
	})
}

func chmodError(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: chmod %s: %v", domain.ErrPermission, path, err)
	}
	return fmt.Errorf("chmod %s: %w", path, err)
}
