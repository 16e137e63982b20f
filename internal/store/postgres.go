package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/uploadq/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, tenant_id, lane, payload_kind, file_path, file_name, link,
	seed, allow_zip, as_queued, password, status, retry_count, error_message,
	next_attempt_at, last_processed_at, completed_at, queue_order, file_deleted,
	created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.Lane, &j.PayloadKind, &j.FilePath,
		&j.FileName, &j.Link, &j.Options.Seed, &j.Options.AllowZip,
		&j.Options.AsQueued, &j.Options.Password, &j.Status, &j.RetryCount,
		&j.ErrorMessage, &j.NextAttemptAt, &j.LastProcessedAt, &j.CompletedAt,
		&j.QueueOrder, &j.FileDeleted, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, tenant_id, lane, payload_kind, file_path, file_name, link,
		   seed, allow_zip, as_queued, password, status, retry_count, file_deleted,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, false, $13, $13)
		 RETURNING queue_order`,
		job.ID, job.TenantID, job.Lane, job.PayloadKind, job.FilePath, job.FileName,
		job.Link, job.Options.Seed, job.Options.AllowZip, job.Options.AsQueued,
		job.Options.Password, job.Status, job.CreatedAt,
	).Scan(&job.QueueOrder)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return wrapErr("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return j, nil
}

func (s *PostgresStore) NextReadyJob(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE tenant_id = $1 AND lane = $2 AND status = 'queued' AND NOT file_deleted
		   AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		 ORDER BY queue_order ASC LIMIT 1`, tenantID, lane))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("next ready job", err)
	}
	return j, nil
}

// ClaimJob is the optimistic claim: the conditional UPDATE plus the
// rows-affected check is the sole concurrency-safety mechanism in the
// processor. A concurrent claimer losing the race observes zero rows.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', last_processed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return false, wrapErr("claim job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = now(), error_message = NULL,
		   next_attempt_at = NULL, updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return wrapErr("complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, next_attempt_at = NULL,
		   updated_at = now()
		 WHERE id = $1`, id, message)
	if err != nil {
		return wrapErr("fail job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt *time.Time, message string) error {
	var msg *string
	if message != "" {
		msg = &message
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', retry_count = $2, next_attempt_at = $3,
		   error_message = $4, updated_at = now()
		 WHERE id = $1`, id, retryCount, nextAttemptAt, msg)
	if err != nil {
		return wrapErr("requeue job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeferLane(ctx context.Context, tenantID uuid.UUID, lane models.Lane, until time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET next_attempt_at = $3, updated_at = now()
		 WHERE tenant_id = $1 AND lane = $2 AND status = 'queued' AND NOT file_deleted
		   AND (next_attempt_at IS NULL OR next_attempt_at < $3)`,
		tenantID, lane, until)
	if err != nil {
		return 0, wrapErr("defer lane", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecoverStaleJobs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, int64, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'queued', error_message = NULL, updated_at = now()
		 WHERE status = 'processing' AND last_processed_at < $1
		 RETURNING tenant_id`, cutoff)
	if err != nil {
		return nil, 0, wrapErr("recover stale jobs", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	var tenants []uuid.UUID
	var jobs int64
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("scan recovered tenant: %w", err)
		}
		jobs++
		if !seen[id] {
			seen[id] = true
			tenants = append(tenants, id)
		}
	}
	return tenants, jobs, rows.Err()
}

func (s *PostgresStore) MarkFileDeleted(ctx context.Context, tenantID uuid.UUID, filePath string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET file_deleted = true, updated_at = now()
		 WHERE tenant_id = $1 AND file_path = $2 AND NOT file_deleted
		 RETURNING status`, tenantID, filePath).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapErr("mark file deleted", err)
	}
	return status, nil
}

func (s *PostgresStore) JobStatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, wrapErr("job status counts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Attempt log ---

func (s *PostgresStore) InsertAttempt(ctx context.Context, att *models.Attempt) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO upload_attempts (tenant_id, lane, status_code, success, error_code,
		   error_message, job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		att.TenantID, att.Lane, att.StatusCode, att.Success, att.ErrorCode,
		att.ErrorMessage, att.JobID, att.CreatedAt,
	).Scan(&att.ID)
	if err != nil {
		return wrapErr("insert attempt", err)
	}
	return nil
}

func (s *PostgresStore) CountAttemptsSince(ctx context.Context, tenantID uuid.UUID, lane models.Lane, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM upload_attempts
		 WHERE tenant_id = $1 AND lane = $2 AND created_at >= $3`,
		tenantID, lane, since).Scan(&n)
	if err != nil {
		return 0, wrapErr("count attempts", err)
	}
	return n, nil
}

func (s *PostgresStore) OldestAttemptSince(ctx context.Context, tenantID uuid.UUID, lane models.Lane, since time.Time) (*time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM upload_attempts
		 WHERE tenant_id = $1 AND lane = $2 AND created_at >= $3
		 ORDER BY created_at ASC LIMIT 1`,
		tenantID, lane, since).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("oldest attempt", err)
	}
	return &ts, nil
}

func (s *PostgresStore) LastAttemptAt(ctx context.Context, tenantID uuid.UUID, lane models.Lane) (*time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM upload_attempts
		 WHERE tenant_id = $1 AND lane = $2
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, lane).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("last attempt", err)
	}
	return &ts, nil
}

func (s *PostgresStore) TrimAttempts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM upload_attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, wrapErr("trim attempts", err)
	}
	return tag.RowsAffected(), nil
}

// --- Pending counters ---

// RecomputePending rewrites the tenant's aggregate row from a full count.
// A full recompute on every eligibility-changing transition is what keeps
// the counter drift-free; no code path adjusts it incrementally.
func (s *PostgresStore) RecomputePending(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tenant_pending (tenant_id, pending_count, updated_at)
		 SELECT $1, count(*), now() FROM jobs
		 WHERE tenant_id = $1 AND status = 'queued' AND NOT file_deleted
		   AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		 ON CONFLICT (tenant_id) DO UPDATE
		   SET pending_count = EXCLUDED.pending_count, updated_at = now()
		 RETURNING pending_count`, tenantID).Scan(&n)
	if err != nil {
		return 0, wrapErr("recompute pending", err)
	}
	return n, nil
}

// TenantsWithPendingWork unions the counter table with a live check for
// deferrals that have elapsed since the tenant's last recompute. A deferral
// elapsing produces no event, so the stored counter alone would starve
// tenants whose only work was deferred.
func (s *PostgresStore) TenantsWithPendingWork(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id FROM tenant_pending WHERE pending_count > 0
		 UNION
		 SELECT DISTINCT tenant_id FROM jobs
		 WHERE status = 'queued' AND NOT file_deleted
		   AND next_attempt_at IS NOT NULL AND next_attempt_at <= now()`)
	if err != nil {
		return nil, wrapErr("tenants with pending work", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// --- Retention support ---

func (s *PostgresStore) TenantsWithFiles(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM jobs
		 WHERE payload_kind = 'file' AND NOT file_deleted`)
	if err != nil {
		return nil, wrapErr("tenants with files", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// --- Credentials ---

func (s *PostgresStore) GetTenantSecret(ctx context.Context, tenantID uuid.UUID) (*models.TenantSecret, error) {
	var sec models.TenantSecret
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, secret, nonce, updated_at FROM tenant_secrets WHERE tenant_id = $1`,
		tenantID).Scan(&sec.TenantID, &sec.Secret, &sec.Nonce, &sec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get tenant secret", err)
	}
	return &sec, nil
}

func (s *PostgresStore) UpsertTenantSecret(ctx context.Context, secret *models.TenantSecret) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_secrets (tenant_id, secret, nonce, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		   SET secret = EXCLUDED.secret, nonce = EXCLUDED.nonce, updated_at = now()`,
		secret.TenantID, secret.Secret, secret.Nonce)
	if err != nil {
		return wrapErr("upsert tenant secret", err)
	}
	return nil
}

// --- Error helpers ---

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isConnUnavailable reports whether the error came from the connection
// rather than the statement: a pool handing out a dead connection, a
// recycled backend, or a network fault mid-call.
func isConnUnavailable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapErr adds context and tags connection-level failures with
// ErrConnUnavailable so callers can apply the shared reconnect-and-retry
// wrapper instead of string-matching error text.
func wrapErr(op string, err error) error {
	if isConnUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrConnUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
