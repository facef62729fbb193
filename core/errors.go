// Package core implements the Bitcask-style append-only log, keydir index,
// write/read paths, and merge engine that together make up the store.
package core

import (
	"errors"
	"fmt"
)

// ErrKeyMiss is returned by Get when a key is absent or its latest record is
// a tombstone. It is a normal result, not a failure, and is never logged as
// an error.
var ErrKeyMiss = errors.New("bitcask: key not found")

// ErrOversizeRecord is returned when an encoded record would not fit in a
// fresh segment bounded by Config.MaxSegmentSize. Nothing is written.
var ErrOversizeRecord = errors.New("bitcask: record exceeds max segment size")

// ErrMergeUnderway is returned by Merge when another merge is already
// running. The caller's request has no side effects.
var ErrMergeUnderway = errors.New("bitcask: merge already underway")

// errInvariant marks a bug, not a recoverable runtime condition: the keydir
// pointing at a segment the registry no longer has is the one case the spec
// calls out as fatal rather than surfaced per-call.
var errInvariant = errors.New("bitcask: invariant violation")

// CorruptRecordError describes a CRC mismatch or truncated record found
// while scanning a segment. It is logged, never surfaced to Get/Set callers;
// the scan simply stops at the record that failed.
type CorruptRecordError struct {
	Segment string
	Offset  int64
	Err     error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record in segment %s at offset %d: %v", e.Segment, e.Offset, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }
