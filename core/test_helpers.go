package core

import (
	"os"
	"testing"
)

// openTempStore opens a store rooted at a fresh temp directory, closed and
// removed automatically at test end.
func openTempStore(tb testing.TB, cfg Config) *Store {
	tb.Helper()

	dir, err := os.MkdirTemp("", "caskdb_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp: %v", err)
	}
	cfg.LogDir = dir

	st, err := Open(cfg, nil)
	if err != nil {
		_ = os.RemoveAll(dir)
		tb.Fatalf("Open(%q): %v", dir, err)
	}

	tb.Cleanup(func() {
		_ = st.Close()
		_ = os.RemoveAll(dir)
	})
	return st
}
