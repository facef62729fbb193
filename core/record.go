package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"
)

// TOMBSTONE is the fixed value sentinel written by Delete to mark a key dead.
var TOMBSTONE = []byte{0xE2, 0x98, 0x97}

// timestamp is a 128-bit microsecond-since-epoch counter, stored as two
// little-endian 64-bit words (lo, then hi), whatever the host byte order. A plain int64 of microseconds
// never approaches the high word, but the wire format carries the full
// width the spec calls for.
type timestamp struct {
	hi, lo uint64
}

func newTimestamp(t time.Time) timestamp {
	return timestamp{hi: 0, lo: uint64(t.UnixMicro())}
}

// compare returns -1, 0, or 1 the way a Go comparator does.
func (a timestamp) compare(b timestamp) int {
	switch {
	case a.hi != b.hi:
		if a.hi < b.hi {
			return -1
		}
		return 1
	case a.lo != b.lo:
		if a.lo < b.lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (a timestamp) after(b timestamp) bool { return a.compare(b) > 0 }

func putTimestamp(buf []byte, t timestamp) {
	binary.LittleEndian.PutUint64(buf[0:8], t.lo)
	binary.LittleEndian.PutUint64(buf[8:16], t.hi)
}

func getTimestamp(buf []byte) timestamp {
	return timestamp{lo: binary.LittleEndian.Uint64(buf[0:8]), hi: binary.LittleEndian.Uint64(buf[8:16])}
}

const (
	crcSize   = 4
	tsSize    = 16
	sizeLen   = 8
	headerLen = crcSize + tsSize + sizeLen + sizeLen // 36
	bodyLen   = tsSize + sizeLen + sizeLen           // 32, everything the CRC covers before key/value
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// record is one CRC-protected log entry: a set (or a delete, recorded as a
// set whose value is TOMBSTONE).
type record struct {
	ts  timestamp
	key []byte
	val []byte
}

// encode renders a record as the bytes that belong on disk: crc, then the
// body (timestamp, key_size, value_size, key, value).
func (r record) encode() []byte {
	n := bodyLen + len(r.key) + len(r.val)
	buf := make([]byte, crcSize+n)

	body := buf[crcSize:]
	putTimestamp(body[0:tsSize], r.ts)
	binary.LittleEndian.PutUint64(body[tsSize:tsSize+sizeLen], uint64(len(r.key)))
	binary.LittleEndian.PutUint64(body[tsSize+sizeLen:bodyLen], uint64(len(r.val)))
	copy(body[bodyLen:], r.key)
	copy(body[bodyLen+len(r.key):], r.val)

	crc := crc32.Checksum(body, crcTable)
	binary.LittleEndian.PutUint32(buf[0:crcSize], crc)

	return buf
}

func (r record) isTombstone() bool { return isTombstone(r.val) }

func isTombstone(val []byte) bool {
	if len(val) != len(TOMBSTONE) {
		return false
	}
	for i := range val {
		if val[i] != TOMBSTONE[i] {
			return false
		}
	}
	return true
}

// scannedRecord is one record surfaced by a segmentScanner, annotated with
// the byte range it occupies so callers can build keydir locators directly.
type scannedRecord struct {
	rec         record
	offset      int64 // start offset of the record (the crc field)
	valueOffset int64 // start offset of the value bytes
	end         int64 // offset of the next record
}

// segmentScanner is a forward-only, buffered reader over a segment's record
// stream. It stops — without returning a hard error — at the first short
// read or CRC mismatch, which is either a clean end-of-file or a torn tail
// left by a crash; either way the remainder of the file is not valid data.
type segmentScanner struct {
	r       *bufio.Reader
	verify  bool
	end     int64
	cur     scannedRecord
	corrupt error // set only on CRC mismatch or a truncated header/body past the start of the file
}

func newSegmentScanner(ra io.ReaderAt, verify bool) *segmentScanner {
	sr := io.NewSectionReader(ra, 0, math.MaxInt64)
	return &segmentScanner{r: bufio.NewReader(sr), verify: verify}
}

// scan advances to the next record, returning false at the end of the valid
// prefix. Callers should check corrupt after scan returns false to
// distinguish a corrupt/truncated record from a clean end of file.
func (s *segmentScanner) scan() bool {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			s.corrupt = fmt.Errorf("truncated record header: %w", err)
		}
		return false
	}

	crc := binary.LittleEndian.Uint32(hdr[0:crcSize])
	body := hdr[crcSize:]
	ts := getTimestamp(body[0:tsSize])
	keySize := binary.LittleEndian.Uint64(body[tsSize : tsSize+sizeLen])
	valSize := binary.LittleEndian.Uint64(body[tsSize+sizeLen : bodyLen])

	payload := make([]byte, keySize+valSize)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		s.corrupt = fmt.Errorf("truncated record body: %w", err)
		return false
	}

	if s.verify {
		full := make([]byte, bodyLen+len(payload))
		copy(full, body)
		copy(full[bodyLen:], payload)
		if computed := crc32.Checksum(full, crcTable); computed != crc {
			s.corrupt = fmt.Errorf("crc mismatch: header says %08x, computed %08x", crc, computed)
			return false
		}
	}

	start := s.end
	valueOffset := start + headerLen + int64(keySize)
	s.cur = scannedRecord{
		rec:         record{ts: ts, key: payload[:keySize], val: payload[keySize:]},
		offset:      start,
		valueOffset: valueOffset,
		end:         valueOffset + int64(valSize),
	}
	s.end = s.cur.end
	return true
}

// hint is the compact sidecar record a merge pass writes alongside each new
// segment: enough to rebuild a keydir entry without reading the value.
type hint struct {
	ts          timestamp
	key         []byte
	valueSize   uint64
	valueOffset uint64
}

const hintHeaderLen = tsSize + sizeLen + sizeLen + sizeLen // 40

func (h hint) encode() []byte {
	buf := make([]byte, hintHeaderLen+len(h.key))
	putTimestamp(buf[0:tsSize], h.ts)
	binary.LittleEndian.PutUint64(buf[tsSize:tsSize+sizeLen], uint64(len(h.key)))
	binary.LittleEndian.PutUint64(buf[tsSize+sizeLen:tsSize+2*sizeLen], h.valueSize)
	binary.LittleEndian.PutUint64(buf[tsSize+2*sizeLen:hintHeaderLen], h.valueOffset)
	copy(buf[hintHeaderLen:], h.key)
	return buf
}

// hintScanner reads hint records sequentially. Corruption here is never
// fatal: a short or malformed hint file just means the caller falls back to
// scanning the paired segment.
type hintScanner struct {
	r   *bufio.Reader
	cur hint
	err error
}

func newHintScanner(r io.Reader) *hintScanner {
	return &hintScanner{r: bufio.NewReader(r)}
}

func (s *hintScanner) scan() bool {
	var hdr [hintHeaderLen]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		if err != io.EOF {
			s.err = err
		}
		return false
	}

	ts := getTimestamp(hdr[0:tsSize])
	keySize := binary.LittleEndian.Uint64(hdr[tsSize : tsSize+sizeLen])
	valSize := binary.LittleEndian.Uint64(hdr[tsSize+sizeLen : tsSize+2*sizeLen])
	valOff := binary.LittleEndian.Uint64(hdr[tsSize+2*sizeLen : hintHeaderLen])

	key := make([]byte, keySize)
	if _, err := io.ReadFull(s.r, key); err != nil {
		s.err = err
		return false
	}

	s.cur = hint{ts: ts, key: key, valueSize: valSize, valueOffset: valOff}
	return true
}
