package core

import (
	"fmt"
	"os"
)

// Merge runs one compaction pass: closed segments whose records are still
// live (per the current keydir) are rewritten into new segments with hint
// sidecars, and the segments they replace are deleted. Only one merge runs
// at a time; a concurrent call gets ErrMergeUnderway with no side effects.
func (s *Store) Merge() error {
	if !s.mergeSem.TryAcquire(1) {
		return ErrMergeUnderway
	}
	defer s.mergeSem.Release(1)

	s.state.Store(int32(stateMerging))
	defer s.state.Store(int32(stateReady))

	return s.merge()
}

func (s *Store) merge() (rerr error) {
	// The active segment is still receiving writes and is never merge
	// input; registry.closed() excludes it by construction.
	input := s.registry.closed()
	if len(input) == 0 {
		return nil
	}

	// Capturing timestamps here, before any scanning happens, is what
	// guarantees a key mutated after merge start keeps its post-merge-start
	// value: its live record lands in the active segment, which is not an
	// input, so the scan below never touches it and the compareAndSwap
	// below leaves it alone.
	snapshot := s.keydir.snapshot()

	s.logger.Infow("merge starting", "input_segments", len(input))

	mw := newMergeWriter(s.registry.dir, input[len(input)-1].name, s.cfg.MaxSegmentSize)
	defer func() {
		if rerr != nil {
			mw.abort()
		}
	}()

	type delta struct {
		key    string
		expect Locator
		next   Locator
	}
	var deltas []delta

	for _, seg := range input {
		sc := newSegmentScanner(seg.file, false)
		for sc.scan() {
			rec := sc.cur.rec
			key := string(rec.key)

			loc, ok := snapshot[key]
			if !ok {
				continue // deleted (or superseded to the point of absence) by merge start
			}
			if loc.Segment != seg.name || loc.ts.compare(rec.ts) != 0 {
				continue // not the record the snapshot says is live
			}

			next, err := mw.write(rec)
			if err != nil {
				return fmt.Errorf("write merge record for key %q: %w", key, err)
			}
			deltas = append(deltas, delta{key: key, expect: loc, next: next})
		}
		// Merge never hard-fails on a corrupt tail: recovery already
		// truncated every segment to its valid prefix when the store was
		// opened, so a scan stopping early here only means "nothing more
		// to see", matching record.go's segmentScanner contract.
	}

	if err := mw.finish(); err != nil {
		return fmt.Errorf("finish merge output: %w", err)
	}

	// Finalize: register the new segments before publishing keydir
	// entries that point into them, so a reader can never observe a
	// locator for a segment the registry doesn't know about yet.
	s.registry.registerMerged(mw.segments)

	for _, d := range deltas {
		// A later Set already replaced this entry (it no longer equals
		// the pre-merge snapshot locator) — the later write wins and this
		// merge output for the key is simply unreferenced, harmless data
		// the next merge pass will drop.
		s.keydir.compareAndSwap(d.key, d.expect, d.next)
	}

	// The sentinel must be gone, durably, before any input segment is
	// deleted: reclaimOrphanedMerges trusts "manifest present" to mean
	// "every segment it lists has a live original still on disk", and
	// unconditionally deletes the listed segments on that assumption. Doing
	// this the other way around would let a crash between the two loops
	// leave a manifest pointing at merge outputs while their only
	// surviving copy of the data — the just-deleted inputs — is gone.
	if err := removeDurable(mw.sentinelPath); err != nil {
		s.logger.Errorw("failed to remove merge sentinel", "error", err)
	}

	for _, seg := range input {
		if err := s.registry.remove(seg.name); err != nil {
			s.logger.Errorw("failed to remove superseded segment after merge", "segment", seg.name, "error", err)
		}
	}

	s.logger.Infow("merge finished", "output_segments", len(mw.segments), "live_records", len(deltas))
	return nil
}

// mergeWriter creates the new segments (and paired hint files) a merge pass
// produces, rotating when the current output segment would exceed
// maxSize, and maintains a sentinel manifest so an interrupted merge's
// outputs can be identified and swept on the next startup (registry.go's
// reclaimOrphanedMerges).
type mergeWriter struct {
	dir          string
	maxSize      int64
	baseName     string
	sentinelPath string
	sentinelFile *os.File
	nextSuffix   int

	cur     *segment
	curHint *os.File

	segments []*segment
}

func newMergeWriter(dir, baseName string, maxSize int64) *mergeWriter {
	return &mergeWriter{
		dir:          dir,
		maxSize:      maxSize,
		baseName:     baseName,
		sentinelPath: mergeSentinelPath(dir, baseName),
	}
}

func (mw *mergeWriter) rollover() error {
	// Flush the segment/hint pair being rotated away from now: finish only
	// syncs the last pair, and the inputs get durably removed once this
	// merge finalizes, so every earlier pair needs to be on disk by then
	// too, not just the final one.
	if mw.cur != nil {
		if err := mw.cur.sync(); err != nil {
			return fmt.Errorf("sync segment %q: %w", mw.cur.name, err)
		}
	}
	if mw.curHint != nil {
		if err := mw.curHint.Sync(); err != nil {
			return fmt.Errorf("sync hint file for %q: %w", mw.cur.name, err)
		}
	}

	name := mergeSegmentName(mw.baseName, mw.nextSuffix)
	mw.nextSuffix++

	// The manifest lists the segment before its file exists, so no crash
	// can leave a merge output on disk that the manifest does not name.
	if err := mw.appendSentinel(name); err != nil {
		return err
	}

	seg, err := createSegment(mw.dir, name)
	if err != nil {
		return err
	}

	hf, err := os.OpenFile(hintPath(mw.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		_ = seg.Close()
		return fmt.Errorf("create hint file for %q: %w", name, err)
	}

	// Close out the previous segment's hint file before moving on.
	if mw.curHint != nil {
		if err := mw.curHint.Close(); err != nil {
			_ = seg.Close()
			_ = hf.Close()
			return fmt.Errorf("close hint file: %w", err)
		}
	}

	mw.cur = seg
	mw.curHint = hf
	mw.segments = append(mw.segments, seg)
	return nil
}

func (mw *mergeWriter) appendSentinel(name string) error {
	if mw.sentinelFile == nil {
		f, err := os.OpenFile(mw.sentinelPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return fmt.Errorf("create merge sentinel: %w", err)
		}
		mw.sentinelFile = f
		// The manifest's directory entry must survive a crash too, or
		// reclaimOrphanedMerges has nothing to find on the next Open.
		if err := syncDir(mw.sentinelPath); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(mw.sentinelFile, "%s\n", name); err != nil {
		return fmt.Errorf("write merge sentinel: %w", err)
	}
	return mw.sentinelFile.Sync()
}

// write appends one live record to the current output segment (rotating
// first if needed) and its hint record to the paired hint file, returning
// the record's new locator.
func (mw *mergeWriter) write(r record) (Locator, error) {
	encoded := r.encode()
	if mw.cur == nil || mw.cur.Size()+int64(len(encoded)) > mw.maxSize {
		if err := mw.rollover(); err != nil {
			return Locator{}, err
		}
	}

	end, err := mw.cur.append(encoded)
	if err != nil {
		return Locator{}, err
	}
	valueOffset := end - int64(len(r.val))

	h := hint{ts: r.ts, key: r.key, valueSize: uint64(len(r.val)), valueOffset: uint64(valueOffset)}
	if _, err := mw.curHint.Write(h.encode()); err != nil {
		return Locator{}, fmt.Errorf("write hint record: %w", err)
	}

	return Locator{Segment: mw.cur.name, ValueOffset: valueOffset, ValueSize: int64(len(r.val)), ts: r.ts}, nil
}

func (mw *mergeWriter) finish() error {
	if mw.cur != nil {
		if err := mw.cur.sync(); err != nil {
			return err
		}
	}
	if mw.curHint != nil {
		if err := mw.curHint.Sync(); err != nil {
			return err
		}
		if err := mw.curHint.Close(); err != nil {
			return err
		}
		mw.curHint = nil
	}
	if mw.sentinelFile != nil {
		if err := mw.sentinelFile.Close(); err != nil {
			return err
		}
		mw.sentinelFile = nil
	}
	return nil
}

// abort discards every file this merge pass created. Called only when the
// merge fails before finalization; nothing it touches has been published
// to the registry or keydir yet.
func (mw *mergeWriter) abort() {
	if mw.curHint != nil {
		_ = mw.curHint.Close()
	}
	for _, seg := range mw.segments {
		_ = seg.Close()
		_ = os.Remove(seg.path)
		_ = os.Remove(hintPath(mw.dir, seg.name))
	}
	if mw.sentinelFile != nil {
		_ = mw.sentinelFile.Close()
	}
	_ = os.Remove(mw.sentinelPath)
}
