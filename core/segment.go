package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// segment is an append-only file holding a sequence of records. Exactly one
// segment per store is active (writable); the rest are closed (read-only).
type segment struct {
	name string // basename without extension, e.g. "00000000001690000000" or "...merge.0"
	path string
	file *os.File
	size atomic.Int64
}

func segmentPath(dir, name string) string { return filepath.Join(dir, name+".cask") }
func hintPath(dir, name string) string    { return filepath.Join(dir, name+".hint") }

// createSegment makes a brand new, empty segment file. It fails if the file
// already exists: active segments are always created fresh.
func createSegment(dir, name string) (*segment, error) {
	path := segmentPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %q: %w", name, err)
	}
	return &segment{name: name, path: path, file: f}, nil
}

// openSegment opens an existing segment for random-access reads (and, for
// the tail record truncation that recovery performs, writes).
func openSegment(dir, name string) (*segment, error) {
	path := segmentPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %q: %w", name, err)
	}
	seg := &segment{name: name, path: path, file: f}
	seg.size.Store(info.Size())
	return seg, nil
}

// append writes data to the end of the segment and returns the new end
// offset. Callers are responsible for serializing appends to a given
// segment (the store does this with a single write-path mutex).
func (s *segment) append(data []byte) (int64, error) {
	n, err := s.file.Write(data)
	if err != nil {
		return 0, fmt.Errorf("append to segment %q: %w", s.name, err)
	}
	return s.size.Add(int64(n)), nil
}

// readValue returns exactly length bytes starting at offset.
func (s *segment) readValue(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("read value from segment %q at %d: %w", s.name, offset, err)
	}
	if int64(n) != length {
		return nil, fmt.Errorf("short read from segment %q at %d: got %d want %d", s.name, offset, n, length)
	}
	return buf, nil
}

func (s *segment) Size() int64 { return s.size.Load() }

// truncate cuts the file down to a known-good length, discarding a torn
// tail record left by a crash mid-append.
func (s *segment) truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate segment %q: %w", s.name, err)
	}
	s.size.Store(size)
	return nil
}

func (s *segment) sync() error { return s.file.Sync() }

func (s *segment) Close() error { return s.file.Close() }
