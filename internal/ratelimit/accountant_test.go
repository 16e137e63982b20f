package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAttempts replays a fixed attempt history so windows are exact.
type fakeAttempts struct {
	times []time.Time
}

func (f *fakeAttempts) CountAttemptsSince(_ context.Context, _ uuid.UUID, _ models.Lane, since time.Time) (int, error) {
	n := 0
	for _, at := range f.times {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeAttempts) OldestAttemptSince(_ context.Context, _ uuid.UUID, _ models.Lane, since time.Time) (*time.Time, error) {
	var oldest *time.Time
	for i := range f.times {
		at := f.times[i]
		if at.Before(since) {
			continue
		}
		if oldest == nil || at.Before(*oldest) {
			oldest = &at
		}
	}
	return oldest, nil
}

func (f *fakeAttempts) LastAttemptAt(_ context.Context, _ uuid.UUID, _ models.Lane) (*time.Time, error) {
	var last *time.Time
	for i := range f.times {
		at := f.times[i]
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return last, nil
}

func newTestAccountant(times []time.Time, now time.Time) *Accountant {
	a := NewAccountant(&fakeAttempts{times: times})
	a.now = func() time.Time { return now }
	return a
}

// spread returns n attempt timestamps ending at end, step apart.
func spread(end time.Time, n int, step time.Duration) []time.Time {
	times := make([]time.Time, n)
	for i := 0; i < n; i++ {
		times[i] = end.Add(-time.Duration(n-1-i) * step)
	}
	return times
}

func TestCapacity_Empty(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAccountant(nil, now)

	c, err := a.Capacity(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.False(t, c.AtLimit)
	assert.False(t, c.NearLimit)
	assert.Zero(t, c.Wait)
}

func TestCapacity_NearMinuteLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// 9 attempts in the last minute: one slot left, dispatch must stop here.
	a := newTestAccountant(spread(now.Add(-time.Second), 9, 5*time.Second), now)

	c, err := a.Capacity(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.False(t, c.AtLimit)
	assert.True(t, c.NearLimit)
	assert.Greater(t, c.Wait, time.Duration(0))
}

func TestCapacity_AtMinuteLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAccountant(spread(now.Add(-time.Second), 10, 5*time.Second), now)

	c, err := a.Capacity(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.True(t, c.AtLimit)
	assert.True(t, c.NearLimit)

	// Oldest of the 10 is 46s old; it leaves the window in 14s, plus buffer.
	assert.Equal(t, 14*time.Second+safetyBuffer, c.Wait)
}

func TestCapacity_AtHourLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// 60 attempts spread over the hour, none in the last minute.
	a := newTestAccountant(spread(now.Add(-2*time.Minute), 60, 55*time.Second), now)

	c, err := a.Capacity(context.Background(), uuid.New(), models.LaneUsenet)
	require.NoError(t, err)
	assert.True(t, c.AtLimit)
	assert.Greater(t, c.Wait, time.Duration(0))
}

func TestCapacity_WindowJustRolledOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// 10 attempts, all of them 61s old: the minute window is clear again.
	a := newTestAccountant(spread(now.Add(-61*time.Second), 10, time.Second), now)

	c, err := a.Capacity(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.False(t, c.AtLimit)
	assert.False(t, c.NearLimit)
}

func TestSpacingWait_BelowHighWater(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAccountant(spread(now.Add(-time.Second), 6, 2*time.Second), now)

	wait, err := a.SpacingWait(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestSpacingWait_AtHighWater(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// 7 in the last minute, last one 2s ago: spacing is 6s, so wait 4s.
	a := newTestAccountant(spread(now.Add(-2*time.Second), 7, 3*time.Second), now)

	wait, err := a.SpacingWait(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, wait)
}

func TestSpacingWait_LastAttemptLongAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// High water reached but the last attempt already cleared the spacing gap.
	a := newTestAccountant(spread(now.Add(-10*time.Second), 7, 3*time.Second), now)

	wait, err := a.SpacingWait(context.Background(), uuid.New(), models.LaneTorrent)
	require.NoError(t, err)
	assert.Zero(t, wait)
}
