package hlc

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NTP64 is a 64-bit fixed-point time: the upper 32 bits count seconds since
// the Unix epoch and the lower 32 bits are the binary fraction of a second.
// The lowest CounterBits of the fraction carry the logical counter.
type NTP64 uint64

const (
	// CounterBits is the number of low bits reserved for the logical counter.
	CounterBits = 4
	// CMask selects the logical counter.
	CMask NTP64 = (1 << CounterBits) - 1
	// LMask selects the physical part.
	LMask = ^CMask

	fracPerSecond = 1 << 32
)

// FromTime converts a wall-clock time to NTP64.
func FromTime(t time.Time) NTP64 {
	secs := uint64(t.Unix())
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return NTP64(secs<<32 | frac)
}

// Time converts back to wall-clock time, discarding sub-fraction precision.
func (t NTP64) Time() time.Time {
	secs := int64(t >> 32)
	frac := uint64(t & 0xFFFFFFFF)
	nanos := (frac * uint64(time.Second)) >> 32
	return time.Unix(secs, int64(nanos)).UTC()
}

// Counter returns the logical counter bits.
func (t NTP64) Counter() uint64 { return uint64(t & CMask) }

func (t NTP64) String() string { return strconv.FormatUint(uint64(t), 10) }

// ParseNTP64 parses the decimal form produced by String.
func ParseNTP64(s string) (NTP64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ntp64 %q: %w", s, err)
	}
	return NTP64(v), nil
}

// Timestamp is an HLC value qualified by the node that produced it.
type Timestamp struct {
	Time NTP64     `json:"time"`
	Node uuid.UUID `json:"node"`
}

// Compare orders timestamps by time and breaks ties on the node id so every
// replica derives the same total order.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Time < other.Time:
		return -1
	case t.Time > other.Time:
		return 1
	}
	return bytes.Compare(t.Node[:], other.Node[:])
}

// Less reports whether t sorts before other.
func (t Timestamp) Less(other Timestamp) bool { return t.Compare(other) < 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%s/%s", t.Time, t.Node)
}
