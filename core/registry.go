package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// registry is the ordered collection of segments living in a store
// directory: exactly one active (writable), the rest closed (read-only).
// Register/unregister/lookup are held under a mutex; no I/O happens while
// it's held.
type registry struct {
	mu         sync.Mutex
	dir        string
	segments   map[string]*segment
	order      []string // ascending by name; timestamp-monotonic by construction
	activeName string
}

func newRegistry(dir string) *registry {
	return &registry{dir: dir, segments: make(map[string]*segment)}
}

func mergeSegmentName(base string, n int) string {
	return fmt.Sprintf("%s.merge.%d", base, n)
}

func mergeSentinelPath(dir, base string) string {
	return filepath.Join(dir, base+".merge-manifest")
}

func (r *registry) active() *segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeName == "" {
		return nil
	}
	return r.segments[r.activeName]
}

func (r *registry) get(name string) (*segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[name]
	return s, ok
}

// closed returns all segments except the active one, in filename order.
func (r *registry) closed() []*segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*segment, 0, len(r.order))
	for _, name := range r.order {
		if name == r.activeName {
			continue
		}
		out = append(out, r.segments[name])
	}
	return out
}

func (r *registry) all() []*segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*segment, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.segments[name])
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// rotate closes off the current active segment (it simply loses active
// status; it stays registered and becomes eligible for merge) and opens a
// fresh one, which becomes the new active segment.
func (r *registry) rotate() (*segment, error) {
	r.mu.Lock()
	name := r.nextNameLocked()
	r.mu.Unlock()

	seg, err := createSegment(r.dir, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[name] = seg
	r.order = append(r.order, name) // a fresh timestamp name always sorts last
	r.activeName = name
	return seg, nil
}

func (r *registry) nextNameLocked() string {
	for {
		name := fmt.Sprintf("%020d", time.Now().UnixMicro())
		if _, exists := r.segments[name]; !exists {
			return name
		}
		time.Sleep(time.Microsecond)
	}
}

// registerMerged adds newly finalized merge segments to the registry. It
// never touches activeName: merge outputs are always closed segments.
func (r *registry) registerMerged(segs []*segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seg := range segs {
		r.segments[seg.name] = seg
		i := sort.SearchStrings(r.order, seg.name)
		r.order = append(r.order, "")
		copy(r.order[i+1:], r.order[i:])
		r.order[i] = seg.name
	}
}

// remove unregisters a segment and deletes its backing file plus any paired
// hint file.
func (r *registry) remove(name string) error {
	r.mu.Lock()
	seg, ok := r.segments[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.segments, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if err := seg.Close(); err != nil {
		return fmt.Errorf("close segment %q: %w", name, err)
	}
	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment file %q: %w", name, err)
	}
	if err := os.Remove(hintPath(r.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove hint file %q: %w", name, err)
	}
	return nil
}

// openRegistry enumerates the store directory, reclaims anything left by a
// merge that crashed before finalizing, then loads every segment, replaying
// its records (or its hint sidecar) into kd.
func openRegistry(dir string, kd *keydir, logger *zap.SugaredLogger) (*registry, error) {
	if err := reclaimOrphanedMerges(dir, logger); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	caskNames := mapset.NewSet[string]()
	hintNames := mapset.NewSet[string]()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(e.Name(), ".cask"):
			caskNames.Add(strings.TrimSuffix(e.Name(), ".cask"))
		case strings.HasSuffix(e.Name(), ".hint"):
			hintNames.Add(strings.TrimSuffix(e.Name(), ".hint"))
		}
	}

	// A hint file with no paired segment is leftover derived state — harmless
	// to keep, but it will never be consulted, so sweep it.
	for name := range hintNames.Difference(caskNames).Iter() {
		logger.Warnw("removing orphaned hint file with no paired segment", "segment", name)
		if err := os.Remove(hintPath(dir, name)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove orphaned hint %q: %w", name, err)
		}
	}

	names := caskNames.ToSlice()
	sort.Strings(names)

	reg := newRegistry(dir)
	for _, name := range names {
		seg, err := loadSegment(dir, name, kd, logger)
		if err != nil {
			for _, opened := range reg.segments {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("load segment %q: %w", name, err)
		}
		reg.segments[name] = seg
		reg.order = append(reg.order, name)
	}

	return reg, nil
}

// reclaimOrphanedMerges looks for sentinel files left by merge passes that
// wrote new segments but crashed before removing the superseded inputs
// (see merge.go's finalize). Those merge outputs duplicate data that is
// still present in the un-removed originals, so they are pure waste and are
// deleted outright — resolving the open question of whether orphaned
// merge.*.cask files should be swept on startup.
func reclaimOrphanedMerges(dir string, logger *zap.SugaredLogger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".merge-manifest") {
			continue
		}
		manifestPath := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return fmt.Errorf("read merge manifest %q: %w", manifestPath, err)
		}

		names := strings.Fields(string(data))
		logger.Warnw("reclaiming merge output orphaned by an interrupted merge",
			"manifest", e.Name(), "segments", names)

		for _, name := range names {
			if err := removeDurable(segmentPath(dir, name)); err != nil {
				return err
			}
			if err := removeDurable(hintPath(dir, name)); err != nil {
				return err
			}
		}
		if err := removeDurable(manifestPath); err != nil {
			return err
		}
	}
	return nil
}

// loadSegment opens a segment and replays it into kd, preferring its hint
// sidecar when one is present and readable.
func loadSegment(dir, name string, kd *keydir, logger *zap.SugaredLogger) (*segment, error) {
	seg, err := openSegment(dir, name)
	if err != nil {
		return nil, err
	}

	populated, err := loadFromHint(dir, name, kd)
	if err != nil {
		logger.Warnw("hint file unreadable, falling back to segment scan", "segment", name, "error", err)
	} else if populated {
		return seg, nil
	}

	if err := scanAndPopulate(seg, kd, logger); err != nil {
		_ = seg.Close()
		return nil, err
	}
	return seg, nil
}

func loadFromHint(dir, name string, kd *keydir) (bool, error) {
	f, err := os.Open(hintPath(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close() // nolint:errcheck

	hs := newHintScanner(f)
	var recs []hint
	for hs.scan() {
		recs = append(recs, hs.cur)
	}
	if hs.err != nil {
		return false, hs.err
	}

	for _, h := range recs {
		kd.put(string(h.key), Locator{
			Segment:     name,
			ValueOffset: int64(h.valueOffset),
			ValueSize:   int64(h.valueSize),
			ts:          h.ts,
		})
	}
	return true, nil
}

// scanAndPopulate replays a segment's full record stream into kd, deleting
// tombstoned keys and truncating the file to the last CRC-valid record —
// the crash-recovery behavior the spec requires for any segment, not only
// the one that was active when the process died.
func scanAndPopulate(seg *segment, kd *keydir, logger *zap.SugaredLogger) error {
	sc := newSegmentScanner(seg.file, true)
	var last int64
	for sc.scan() {
		r := sc.cur
		last = r.end
		if isTombstone(r.rec.val) {
			kd.delete(string(r.rec.key))
			continue
		}
		kd.put(string(r.rec.key), Locator{
			Segment:     seg.name,
			ValueOffset: r.valueOffset,
			ValueSize:   int64(len(r.rec.val)),
			ts:          r.rec.ts,
		})
	}
	if sc.corrupt != nil {
		logger.Warnw("corrupt record found, truncating segment to last valid offset",
			"segment", seg.name, "offset", last, "error", sc.corrupt)
	}
	if last < seg.Size() {
		return seg.truncate(last)
	}
	return nil
}
