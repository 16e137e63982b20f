package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConnUnavailable tags storage errors caused by a dead or recycled
// connection rather than by the statement itself. Callers wrap such
// operations in a single reconnect-and-retry; they must never retry
// unboundedly.
var ErrConnUnavailable = errors.New("storage connection unavailable")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Jobs.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	// NextReadyJob returns the lowest queue_order dispatchable job for the
	// tenant and lane, or ErrNotFound.
	NextReadyJob(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (*models.Job, error)
	// ClaimJob conditionally moves a queued job to processing, stamping
	// last_processed_at. Returns false when another claimer won the race.
	ClaimJob(ctx context.Context, id uuid.UUID) (bool, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	// RequeueJob returns a job to queued with an updated retry count,
	// deferral timestamp and user-facing message.
	RequeueJob(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt *time.Time, message string) error
	// DeferLane advances next_attempt_at to the deadline for every queued
	// job of the tenant's lane whose deferral is sooner than the deadline.
	DeferLane(ctx context.Context, tenantID uuid.UUID, lane models.Lane, until time.Time) (int64, error)
	// RecoverStaleJobs requeues processing jobs whose last_processed_at is
	// older than the cutoff, returning the affected tenants and the number
	// of jobs requeued.
	RecoverStaleJobs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, int64, error)
	// MarkFileDeleted flags the job owning the payload file as reclaimed.
	// Reports the job's status so callers know whether pending accounting
	// changed, or ErrNotFound if no live job owns the path.
	MarkFileDeleted(ctx context.Context, tenantID uuid.UUID, filePath string) (status string, err error)
	JobStatusCounts(ctx context.Context) (map[string]int64, error)

	// Attempt log.
	InsertAttempt(ctx context.Context, att *models.Attempt) error
	CountAttemptsSince(ctx context.Context, tenantID uuid.UUID, lane models.Lane, since time.Time) (int, error)
	OldestAttemptSince(ctx context.Context, tenantID uuid.UUID, lane models.Lane, since time.Time) (*time.Time, error)
	LastAttemptAt(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (*time.Time, error)
	TrimAttempts(ctx context.Context, before time.Time) (int64, error)

	// Pending counters.
	RecomputePending(ctx context.Context, tenantID uuid.UUID) (int, error)
	TenantsWithPendingWork(ctx context.Context) ([]uuid.UUID, error)

	// Retention support.
	TenantsWithFiles(ctx context.Context) ([]uuid.UUID, error)

	// Credentials.
	GetTenantSecret(ctx context.Context, tenantID uuid.UUID) (*models.TenantSecret, error)
	UpsertTenantSecret(ctx context.Context, secret *models.TenantSecret) error
}
