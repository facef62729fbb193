package core

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type storeState int32

const (
	stateInitializing storeState = iota
	stateReady
	stateMerging
)

func (s storeState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateMerging:
		return "merging"
	default:
		return "unknown"
	}
}

// Store is the request dispatcher and lifecycle owner for one Bitcask
// directory: it serializes writes, coordinates the merge engine, and is the
// single entry point §5's concurrency contract is defined against.
type Store struct {
	cfg      Config
	logger   *zap.SugaredLogger
	keydir   *keydir
	registry *registry

	// writeMu serializes the write path: deciding whether to rotate,
	// appending to the active segment, and recording the resulting
	// locator. It is the "active segment write position" mutex of §5; it
	// also guards lastTS so timestamps are strictly increasing in program
	// order.
	writeMu sync.Mutex
	lastTS  timestamp

	mergeSem *semaphore.Weighted
	state    atomic.Int32
}

// Open creates the store directory if needed, reclaims anything an
// interrupted merge left behind, replays every segment (or its hint
// sidecar) into a fresh keydir, and starts a new active segment. logger may
// be nil, in which case store events are discarded.
func Open(cfg Config, logger *zap.SugaredLogger) (st *Store, err error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", cfg.LogDir, err)
	}

	st = &Store{
		cfg:      cfg,
		logger:   logger,
		keydir:   newKeydir(),
		mergeSem: semaphore.NewWeighted(1),
	}
	st.state.Store(int32(stateInitializing))

	defer func() {
		if err != nil && st.registry != nil {
			for _, seg := range st.registry.all() {
				_ = seg.Close()
			}
		}
	}()

	reg, err := openRegistry(cfg.LogDir, st.keydir, logger)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	st.registry = reg

	// Every prior segment — including whichever one was active when the
	// process last exited — is now closed and mergeable; Open always
	// starts a fresh active segment.
	if _, err = st.registry.rotate(); err != nil {
		return nil, fmt.Errorf("create active segment: %w", err)
	}

	st.state.Store(int32(stateReady))
	logger.Infow("store opened", "dir", cfg.LogDir, "segments", st.registry.count())
	return st, nil
}

// State reports the dispatcher's current lifecycle state.
func (s *Store) State() string {
	return storeState(s.state.Load()).String()
}

// Set writes key=value, rotating the active segment first if needed.
func (s *Store) Set(key, value []byte) error {
	return s.write(key, value)
}

// Delete records a tombstone for key; it does not check whether key exists.
func (s *Store) Delete(key []byte) error {
	return s.write(key, TOMBSTONE)
}

func (s *Store) write(key, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := s.nextTimestampLocked()
	encoded := record{ts: ts, key: key, val: value}.encode()

	if int64(len(encoded)) > s.cfg.MaxSegmentSize {
		return fmt.Errorf("%w: record of %d bytes exceeds %d byte segment limit",
			ErrOversizeRecord, len(encoded), s.cfg.MaxSegmentSize)
	}

	active := s.registry.active()
	if active == nil || active.Size()+int64(len(encoded)) > s.cfg.MaxSegmentSize {
		var err error
		active, err = s.registry.rotate()
		if err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
		s.logger.Infow("rotated active segment", "segment", active.name)
	}

	end, err := active.append(encoded)
	if err != nil {
		s.logger.Errorw("append failed", "segment", active.name, "error", err)
		return err
	}

	if s.cfg.Fsync {
		if err := active.sync(); err != nil {
			return fmt.Errorf("fsync segment %q: %w", active.name, err)
		}
	}

	valueOffset := end - int64(len(value))
	// The keydir update is the linearization point: no reader can observe
	// it before the append above has completed.
	s.keydir.put(string(key), Locator{
		Segment:     active.name,
		ValueOffset: valueOffset,
		ValueSize:   int64(len(value)),
		ts:          ts,
	})

	return nil
}

// nextTimestampLocked returns a timestamp strictly greater than every one
// returned before it from this store, even across back-to-back calls
// within the same wall-clock microsecond. Callers must hold writeMu.
func (s *Store) nextTimestampLocked() timestamp {
	now := newTimestamp(time.Now())
	if now.after(s.lastTS) {
		s.lastTS = now
	} else {
		s.lastTS = timestamp{hi: s.lastTS.hi, lo: s.lastTS.lo + 1}
	}
	return s.lastTS
}

// Get looks up key and returns its current value, or ErrKeyMiss if it is
// absent or tombstoned. The segment read happens under the keydir's shared
// lock (see keydir.read) so a concurrent merge finalize can't remove the
// segment out from under it; I/O under the shared side is fine, only the
// exclusive side (set/delete/merge-finalize) must stay short.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.keydir.read(string(key), func(loc Locator) ([]byte, error) {
		seg, ok := s.registry.get(loc.Segment)
		if !ok {
			panic(fmt.Errorf("keydir references unregistered segment %q: %w", loc.Segment, errInvariant))
		}

		val, err := seg.readValue(loc.ValueOffset, loc.ValueSize)
		if err != nil {
			s.logger.Errorw("read failed", "segment", loc.Segment, "error", err)
			return nil, err
		}

		if isTombstone(val) {
			return nil, ErrKeyMiss
		}
		return val, nil
	})
}

// DiskSize returns the sum of all on-disk segment file sizes.
func (s *Store) DiskSize() (int64, error) {
	var total int64
	for _, seg := range s.registry.all() {
		info, err := os.Stat(seg.path)
		if err != nil {
			return 0, fmt.Errorf("stat segment %q: %w", seg.name, err)
		}
		total += info.Size()
	}
	return total, nil
}

// Close flushes and closes every segment. No explicit shutdown beyond this
// is required by the spec.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs error
	for _, seg := range s.registry.all() {
		if err := seg.sync(); err != nil {
			errs = errors.Join(errs, err)
		}
		if err := seg.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
