package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical runtime folder layout under the cache path.
type Paths struct {
	Store string
	State string
	Audit string
	Tmp   string
}

// Resolve returns the layout for a given cache path. An artifact root
// override relocates the whole layout, which keeps CI runs off the
// default path.
func Resolve(dbPath string) Paths {
	if root := ArtifactPath("cache"); root != "" {
		dbPath = root
	}
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		Store: filepath.Join(dbPath, "store"),
		State: statePath,
		Audit: filepath.Join(statePath, "audit"),
		Tmp:   filepath.Join(statePath, "tmp"),
	}
}

// EnsureStateDirs ensures the runtime folder layout exists under the
// provided cache path. It rejects symlinks and permissive modes, and
// verifies each directory is writable by the process.
func EnsureStateDirs(dbPath string) (Paths, error) {
	p := Resolve(dbPath)
	for _, dir := range []string{p.Store, p.Audit, p.Tmp} {
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return p, fmt.Errorf("cannot create parent for %s: %w", dir, err)
		}

		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return p, fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return p, fmt.Errorf("path exists and is not a directory: %s", dir)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return p, fmt.Errorf("path has permissive mode (group/other write): %s", dir)
			}
		}

		if err := os.MkdirAll(dir, 0o700); err != nil {
			return p, fmt.Errorf("cannot create path %s: %w", dir, err)
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return p, fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return p, nil
}
