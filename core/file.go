package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// syncDir fsyncs a directory so that a prior create/write/remove of one of
// its entries survives a crash — POSIX does not guarantee a file's own
// fsync durably records its directory entry.
func syncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("open dir of %q: %w", path, err)
	}
	defer dir.Close() // nolint:errcheck
	return dir.Sync()
}

// removeDurable deletes path and fsyncs the containing directory so the
// removal itself is crash-durable. A missing file is not an error.
func removeDurable(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	return syncDir(path)
}
