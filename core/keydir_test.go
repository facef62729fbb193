package core

import (
	"testing"
	"time"
)

func TestKeydirPutGetDelete(t *testing.T) {
	kd := newKeydir()
	loc := Locator{Segment: "seg1", ValueOffset: 10, ValueSize: 5, ts: newTimestamp(time.Now())}

	kd.put("k", loc)
	got, ok := kd.get("k")
	if !ok || got != loc {
		t.Fatalf("get(k) = %+v, %v; want %+v, true", got, ok, loc)
	}

	kd.delete("k")
	if _, ok := kd.get("k"); ok {
		t.Fatalf("expected k to be gone after delete")
	}
}

func TestKeydirCompareAndSwap(t *testing.T) {
	kd := newKeydir()
	old := Locator{Segment: "seg1", ValueOffset: 0, ValueSize: 1, ts: newTimestamp(time.Now())}
	kd.put("k", old)

	next := Locator{Segment: "seg2", ValueOffset: 5, ValueSize: 1, ts: old.ts}
	if !kd.compareAndSwap("k", old, next) {
		t.Fatalf("expected compareAndSwap to succeed when value matches expect")
	}
	got, _ := kd.get("k")
	if got != next {
		t.Fatalf("get(k) = %+v, want %+v", got, next)
	}

	// A second CAS against the now-stale `old` value must fail: a concurrent
	// writer's update after merge start always wins.
	if kd.compareAndSwap("k", old, Locator{Segment: "seg3"}) {
		t.Fatalf("expected compareAndSwap against a stale expect to fail")
	}
}

func TestKeydirSnapshotIsIndependent(t *testing.T) {
	kd := newKeydir()
	kd.put("a", Locator{Segment: "seg1"})

	snap := kd.snapshot()
	kd.put("b", Locator{Segment: "seg1"})

	if _, ok := snap["b"]; ok {
		t.Fatalf("snapshot must not observe writes made after it was taken")
	}
	if _, ok := kd.get("b"); !ok {
		t.Fatalf("live keydir should observe the write")
	}
}

func TestKeydirSegmentsInUse(t *testing.T) {
	kd := newKeydir()
	kd.put("a", Locator{Segment: "seg1"})
	kd.put("b", Locator{Segment: "seg2"})
	kd.put("c", Locator{Segment: "seg1"})

	inUse := kd.segmentsInUse()
	if len(inUse) != 2 {
		t.Fatalf("segmentsInUse() = %v, want 2 distinct segments", inUse)
	}
	if _, ok := inUse["seg1"]; !ok {
		t.Fatalf("expected seg1 to be in use")
	}
}
