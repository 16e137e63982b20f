// Package ratelimit computes lane capacity against the remote service's
// per-minute and per-hour caps. Every check reads fresh from the durable
// attempt log; the accountant holds no mutable counters, so it survives
// process restarts and tolerates multiple lanes and processes sharing one
// store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/pkg/models"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	// Remote service hard caps per API key per lane.
	perMinuteCap = 10
	perHourCap   = 60

	// spacingHighWater is the minute-window count at which minimum spacing
	// between dispatches kicks in. Below it no artificial delay is imposed.
	spacingHighWater = 7

	// safetyBuffer absorbs clock skew between this host and the service,
	// and the write latency of in-flight attempt records.
	safetyBuffer = 5 * time.Second
)

// Capacity is the result of one lane capacity check.
type Capacity struct {
	// AtLimit means a dispatch now is known to fail with a rate-limit error.
	AtLimit bool
	// NearLimit means one slot remains; dispatch stops here so a job is
	// never sent into a call known to fail.
	NearLimit bool
	// Wait is how long until the exceeded window frees a slot.
	Wait time.Duration
}

// AttemptSource is the slice of the store the accountant reads.
type AttemptSource interface {
	CountAttemptsSince(ctx context.Context, tenantID uuid.UUID, lane models.Lane, since time.Time) (int, error)
	OldestAttemptSince(ctx context.Context, tenantID uuid.UUID, lane models.Lane, since time.Time) (*time.Time, error)
	LastAttemptAt(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (*time.Time, error)
}

// Accountant answers capacity and spacing questions for (tenant, lane)
// pairs. It is a pure read layer over the attempt log.
type Accountant struct {
	attempts AttemptSource
	now      func() time.Time
}

func NewAccountant(attempts AttemptSource) *Accountant {
	return &Accountant{attempts: attempts, now: time.Now}
}

// Capacity reports whether the tenant's lane can take another dispatch and,
// if not, the minimum wait until it can.
func (a *Accountant) Capacity(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (Capacity, error) {
	now := a.now()

	minuteCount, err := a.attempts.CountAttemptsSince(ctx, tenantID, lane, now.Add(-minuteWindow))
	if err != nil {
		return Capacity{}, fmt.Errorf("minute window: %w", err)
	}
	hourCount, err := a.attempts.CountAttemptsSince(ctx, tenantID, lane, now.Add(-hourWindow))
	if err != nil {
		return Capacity{}, fmt.Errorf("hour window: %w", err)
	}

	c := Capacity{
		AtLimit:   minuteCount >= perMinuteCap || hourCount >= perHourCap,
		NearLimit: minuteCount >= perMinuteCap-1 || hourCount >= perHourCap-1,
	}
	if !c.NearLimit {
		return c, nil
	}

	if minuteCount >= perMinuteCap-1 {
		wait, err := a.windowWait(ctx, tenantID, lane, now, minuteWindow)
		if err != nil {
			return Capacity{}, err
		}
		if wait > c.Wait {
			c.Wait = wait
		}
	}
	if hourCount >= perHourCap-1 {
		wait, err := a.windowWait(ctx, tenantID, lane, now, hourWindow)
		if err != nil {
			return Capacity{}, err
		}
		if wait > c.Wait {
			c.Wait = wait
		}
	}
	return c, nil
}

// windowWait is the time until the oldest attempt in the window falls out
// of it, plus the safety buffer.
func (a *Accountant) windowWait(ctx context.Context, tenantID uuid.UUID, lane models.Lane, now time.Time, window time.Duration) (time.Duration, error) {
	oldest, err := a.attempts.OldestAttemptSince(ctx, tenantID, lane, now.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("oldest in window: %w", err)
	}
	if oldest == nil {
		return safetyBuffer, nil
	}
	wait := oldest.Add(window).Sub(now) + safetyBuffer
	if wait < safetyBuffer {
		wait = safetyBuffer
	}
	return wait, nil
}

// SpacingWait returns the pause required before the next dispatch in the
// lane. It is zero until the minute window reaches the high-water mark;
// past it, dispatches are spread at least window/cap apart so the lane
// never bursts into the hard limit.
func (a *Accountant) SpacingWait(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (time.Duration, error) {
	now := a.now()

	minuteCount, err := a.attempts.CountAttemptsSince(ctx, tenantID, lane, now.Add(-minuteWindow))
	if err != nil {
		return 0, fmt.Errorf("minute window: %w", err)
	}
	if minuteCount < spacingHighWater {
		return 0, nil
	}

	last, err := a.attempts.LastAttemptAt(ctx, tenantID, lane)
	if err != nil {
		return 0, fmt.Errorf("last attempt: %w", err)
	}
	if last == nil {
		return 0, nil
	}

	spacing := minuteWindow / perMinuteCap
	wait := last.Add(spacing).Sub(now)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}
