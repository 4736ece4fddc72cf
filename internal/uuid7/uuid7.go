// Package uuid7 generates time-sortable identifiers for state records.
//
// A UUIDv7 embeds a 48-bit millisecond timestamp in its high-order bits, so
// ids sort by creation time and the canonical string form can be compared
// lexicographically. State record tables need no separate created_at index:
// time-window queries translate into plain primary-key range scans.
package uuid7

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh UUIDv7. Ids generated later in wall-clock time compare
// greater, except for same-millisecond ties which are ordered by the random
// tail and may rarely invert.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// rand failure is the only error path; assemble one by hand
		return at(time.Now(), randomTail())
	}
	return id
}

// NewString returns the canonical string form of a fresh UUIDv7.
func NewString() string {
	return New().String()
}

// Timestamp decodes the millisecond timestamp embedded in a UUIDv7.
func Timestamp(id uuid.UUID) time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms).UTC()
}

// Bound returns the smallest UUIDv7 for the given instant: timestamp bits
// set, random tail zeroed. Every id generated at or after t compares >= it.
func Bound(t time.Time) uuid.UUID {
	return at(t, [10]byte{})
}

// UpperBound returns the largest UUIDv7 for the given instant: timestamp
// bits set, tail saturated. Every id generated at or before t compares <= it.
func UpperBound(t time.Time) uuid.UUID {
	return at(t, [10]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
}

// Range translates a wall-clock window into inclusive string bounds suitable
// for a primary-key BETWEEN filter.
func Range(start, end time.Time) (lo, hi string) {
	return Bound(start).String(), UpperBound(end).String()
}

// Since translates a wall-clock instant into the inclusive lower string
// bound for a primary-key >= filter.
func Since(start time.Time) string {
	return Bound(start).String()
}

func at(t time.Time, tail [10]byte) uuid.UUID {
	var id uuid.UUID
	ms := uint64(t.UnixMilli())
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	copy(id[6:], tail[:])
	id[6] = (id[6] & 0x0f) | 0x70 // version 7
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id
}

func randomTail() [10]byte {
	var tail [10]byte
	if _, err := rand.Read(tail[:]); err != nil {
		// fall back to the clock's sub-millisecond bits
		binary.BigEndian.PutUint64(tail[2:], uint64(time.Now().UnixNano()))
	}
	return tail
}
