package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOpenRegistryReclaimsOrphanedMerge(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()

	kd := newKeydir()
	// A live segment with one key, as if a merge had already rewritten it...
	live, err := createSegment(dir, "00000000000000000002")
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	rec := record{ts: newTimestamp(time.Now()), key: []byte("k"), val: []byte("v")}
	if _, err := live.append(rec.encode()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := live.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// ...and an orphaned merge output plus manifest left by a crash before
	// finalize removed them.
	orphan, err := createSegment(dir, "00000000000000000001.merge.0")
	if err != nil {
		t.Fatalf("createSegment orphan: %v", err)
	}
	if err := orphan.Close(); err != nil {
		t.Fatalf("close orphan: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000001.merge-manifest"),
		[]byte("00000000000000000001.merge.0\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	reg, err := openRegistry(dir, kd, logger)
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	defer func() {
		for _, seg := range reg.all() {
			_ = seg.Close()
		}
	}()

	if _, ok := reg.get("00000000000000000001.merge.0"); ok {
		t.Fatalf("expected orphaned merge segment to be reclaimed, not registered")
	}
	if _, err := os.Stat(filepath.Join(dir, "00000000000000000001.merge.0.cask")); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned merge segment file to be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "00000000000000000001.merge-manifest")); !os.IsNotExist(err) {
		t.Fatalf("expected manifest to be deleted")
	}
	if _, ok := reg.get("00000000000000000002"); !ok {
		t.Fatalf("expected the unrelated live segment to survive reclaim")
	}
	if got, ok := kd.get("k"); !ok || got.Segment != "00000000000000000002" {
		t.Fatalf("expected keydir to be populated from the surviving segment, got %+v, %v", got, ok)
	}
}

func TestOpenRegistryRemovesOrphanedHint(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()
	kd := newKeydir()

	// A hint file with no paired segment (e.g. the segment was deleted by
	// an admin, or by a merge, without its hint).
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000099.hint"), nil, 0o644); err != nil {
		t.Fatalf("write hint: %v", err)
	}

	reg, err := openRegistry(dir, kd, logger)
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	defer func() {
		for _, seg := range reg.all() {
			_ = seg.Close()
		}
	}()

	if _, err := os.Stat(filepath.Join(dir, "00000000000000000099.hint")); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned hint file to be removed")
	}
}

func TestRegistryRotateThenClosedExcludesActive(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(dir)

	first, err := reg.rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	defer first.Close() // nolint:errcheck

	if len(reg.closed()) != 0 {
		t.Fatalf("expected no closed segments with only the active one present")
	}

	second, err := reg.rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	defer second.Close() // nolint:errcheck

	closed := reg.closed()
	if len(closed) != 1 || closed[0].name != first.name {
		t.Fatalf("expected closed() to contain only the previously active segment %q, got %v", first.name, closed)
	}
	if reg.active().name != second.name {
		t.Fatalf("expected active() to be the most recently rotated segment")
	}
}
