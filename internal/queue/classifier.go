// Package queue contains the upload queue processor: the claim-and-dispatch
// loop, the outcome classifier, the crash recovery sweep and the payload
// retention sweeper.
package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/kiranshivaraju/uploadq/internal/debrid"
	"github.com/kiranshivaraju/uploadq/pkg/models"
)

// Decision is the single structured outcome of classifying one remote call.
// Every code path in the dispatch loop consumes it uniformly; no other
// place decides a job's next status, retry count or deferral.
type Decision struct {
	Status     string
	RetryCount int
	// Delay defers the next attempt; zero means immediately eligible.
	Delay time.Duration
	// Message is user-facing vocabulary, never raw transport text.
	Message string
	// LaneWide marks a rate-limit deferral that applies to every queued job
	// in the same lane: one 429 means the lane is saturated, and retrying
	// each queued job individually would just produce one 429 per job.
	LaneWide bool
	// ErrorCode and StatusCode feed the attempt record.
	ErrorCode  string
	StatusCode int
}

// permanentCodes are service error codes that no retry can fix, mapped to
// their user-facing message.
var permanentCodes = map[string]string{
	"AUTH_ERROR":         "invalid or missing credentials",
	"BAD_TOKEN":          "invalid or missing credentials",
	"MALFORMED_REQUEST":  "invalid upload payload",
	"INVALID_OPTION":     "invalid option",
	"OPTION_REQUIRED":    "required option missing",
	"MONTHLY_LIMIT":      "monthly quota exhausted",
	"PLAN_LIMIT":         "plan quota exhausted",
	"DISALLOWED_CONTENT": "content not allowed",
	"INFRINGING_CONTENT": "content not allowed",
}

// Classifier turns one remote-call outcome into a Decision.
type Classifier struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RateLimitFallback is the deferral used when neither the server nor
	// the accountant provided a wait.
	RateLimitFallback time.Duration
}

func NewClassifier(maxRetries int, backoffBase, backoffMax time.Duration) *Classifier {
	return &Classifier{
		MaxRetries:        maxRetries,
		BackoffBase:       backoffBase,
		BackoffMax:        backoffMax,
		RateLimitFallback: time.Minute,
	}
}

// Classify decides the job's fate after a remote call. callErr is the error
// from the debrid client (nil on success), retryCount the job's count before
// this attempt, and laneWait the accountant's computed wait for the lane
// (zero if unknown) used when the server gave no retry hint.
//
// Rules in priority order: rate-limited (requeue, count not incremented —
// the limit is not the job's fault), permanent codes (failed immediately),
// everything else retryable with exponential backoff up to MaxRetries.
func (c *Classifier) Classify(callErr error, retryCount int, laneWait time.Duration) Decision {
	if callErr == nil {
		return Decision{Status: models.JobStatusCompleted, RetryCount: retryCount, StatusCode: 200}
	}

	var apiErr *debrid.APIError
	if errors.As(callErr, &apiErr) {
		if isRateLimited(apiErr) {
			return Decision{
				Status:     models.JobStatusQueued,
				RetryCount: retryCount,
				Delay:      c.rateLimitDelay(apiErr, laneWait),
				Message:    "rate limited by service, retrying shortly",
				LaneWide:   true,
				ErrorCode:  apiErr.Code,
				StatusCode: apiErr.StatusCode,
			}
		}
		if msg, ok := permanentCodes[apiErr.Code]; ok {
			return Decision{
				Status:     models.JobStatusFailed,
				RetryCount: retryCount,
				Message:    msg,
				ErrorCode:  apiErr.Code,
				StatusCode: apiErr.StatusCode,
			}
		}
		return c.retryable(retryCount, "upload failed", apiErr.Code, apiErr.StatusCode)
	}

	if errors.Is(callErr, debrid.ErrAuthExpired) {
		// The dispatch loop already spent its one forced credential refresh
		// before classification reached here.
		return Decision{
			Status:     models.JobStatusFailed,
			RetryCount: retryCount,
			Message:    "invalid or missing credentials",
			ErrorCode:  "AUTH_ERROR",
			StatusCode: 401,
		}
	}

	if errors.Is(callErr, debrid.ErrTimeout) {
		return c.retryable(retryCount, "upload timed out", "TIMEOUT", 0)
	}
	return c.retryable(retryCount, "service unreachable", "TRANSPORT_ERROR", 0)
}

func (c *Classifier) retryable(retryCount int, message, code string, statusCode int) Decision {
	next := retryCount + 1
	if next > c.MaxRetries {
		return Decision{
			Status:     models.JobStatusFailed,
			RetryCount: next,
			Message:    message + ", retries exhausted",
			ErrorCode:  code,
			StatusCode: statusCode,
		}
	}
	return Decision{
		Status:     models.JobStatusQueued,
		RetryCount: next,
		Delay:      c.backoff(next),
		Message:    message + ", will retry",
		ErrorCode:  code,
		StatusCode: statusCode,
	}
}

// backoff is base × 2^(n−1) clamped to BackoffMax.
func (c *Classifier) backoff(retryCount int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

func (c *Classifier) rateLimitDelay(apiErr *debrid.APIError, laneWait time.Duration) time.Duration {
	if apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	if laneWait > 0 {
		return laneWait
	}
	return c.RateLimitFallback
}

func isRateLimited(apiErr *debrid.APIError) bool {
	if apiErr.StatusCode == 429 || apiErr.Code == "RATE_LIMIT" {
		return true
	}
	detail := strings.ToLower(apiErr.Detail)
	return strings.Contains(detail, "rate limit") || strings.Contains(detail, "too many requests")
}
