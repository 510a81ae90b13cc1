package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNTP64_RoundTripTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 45, 500_000_000, time.UTC)
	ts := FromTime(now)

	assert.Equal(t, now.Unix(), ts.Time().Unix())
	assert.InDelta(t, now.Nanosecond(), ts.Time().Nanosecond(), 1)
}

func TestNTP64_ParseString(t *testing.T) {
	ts := FromTime(time.Unix(1700000000, 0))
	parsed, err := ParseNTP64(ts.String())
	require.NoError(t, err)
	assert.Equal(t, ts, parsed)

	_, err = ParseNTP64("not-a-number")
	assert.Error(t, err)
}

func TestClock_MonotonicWithFrozenPhysicalTime(t *testing.T) {
	c := New(uuid.New(), WithPhysicalClock(fixedClock(time.Unix(1700000000, 0))))

	prev := c.NewTimestamp()
	for i := 0; i < 100; i++ {
		next := c.NewTimestamp()
		assert.Greater(t, next.Time, prev.Time, "timestamp %d must increase", i)
		prev = next
	}
}

func TestClock_MonotonicWhenPhysicalTimeGoesBackwards(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := New(uuid.New(), WithPhysicalClock(func() time.Time { return now }))

	first := c.NewTimestamp()
	now = now.Add(-time.Hour)
	second := c.NewTimestamp()

	assert.Greater(t, second.Time, first.Time)
}

func TestClock_FollowsPhysicalTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := New(uuid.New(), WithPhysicalClock(func() time.Time { return now }))

	c.NewTimestamp()
	now = now.Add(time.Second)
	ts := c.NewTimestamp()

	assert.Equal(t, FromTime(now)&LMask, ts.Time)
	assert.Zero(t, ts.Time.Counter())
}

func TestClock_UpdateCausality(t *testing.T) {
	local := New(uuid.New(), WithPhysicalClock(fixedClock(time.Unix(1700000000, 0))))
	remoteTime := FromTime(time.Unix(1700000000, 0).Add(10 * time.Second))

	drift := local.Update(Timestamp{Time: remoteTime, Node: uuid.New()})
	assert.Equal(t, 10*time.Second, drift.Round(time.Millisecond))

	next := local.NewTimestamp()
	assert.Greater(t, next.Time, remoteTime)
}

func TestClock_UpdateMergesFarFutureTimestamps(t *testing.T) {
	now := time.Unix(1700000000, 0)
	local := New(uuid.New(), WithPhysicalClock(fixedClock(now)))
	skewed := FromTime(now.Add(365 * 24 * time.Hour))

	drift := local.Update(Timestamp{Time: skewed, Node: uuid.New()})
	assert.Equal(t, 365*24*time.Hour, drift.Round(time.Second))
	assert.Equal(t, skewed, local.Last())

	next := local.NewTimestamp()
	assert.Greater(t, next.Time, skewed)
	assert.Equal(t, skewed+1, next.Time)
}

func TestClock_UpdateWithOlderTimestampIsNoop(t *testing.T) {
	c := New(uuid.New(), WithPhysicalClock(fixedClock(time.Unix(1700000000, 0))))
	ts := c.NewTimestamp()

	drift := c.Update(Timestamp{Time: ts.Time - 1000, Node: uuid.New()})
	assert.Zero(t, drift)
	assert.Equal(t, ts.Time, c.Last())
}

func TestClock_Seed(t *testing.T) {
	c := New(uuid.New(), WithPhysicalClock(fixedClock(time.Unix(1000, 0))))
	seed := FromTime(time.Unix(5000, 0))
	c.Seed(seed)
	c.Seed(seed - 10)

	assert.Equal(t, seed, c.Last())
	assert.Greater(t, c.NewTimestamp().Time, seed)
}

func TestClock_ConcurrentUnique(t *testing.T) {
	c := New(uuid.New(), WithPhysicalClock(fixedClock(time.Unix(1700000000, 0))))
	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	out := make(chan NTP64, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				out <- c.NewTimestamp().Time
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[NTP64]bool)
	for ts := range out {
		assert.False(t, seen[ts], "duplicate timestamp %s", ts)
		seen[ts] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestTimestamp_CompareTieBreaksOnNode(t *testing.T) {
	a := Timestamp{Time: 42, Node: uuid.MustParse("00000000-0000-0000-0000-000000000001")}
	b := Timestamp{Time: 42, Node: uuid.MustParse("00000000-0000-0000-0000-000000000002")}
	c := Timestamp{Time: 41, Node: uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, c.Less(a))
	assert.Equal(t, 0, a.Compare(a))
}
