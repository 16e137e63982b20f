package models

import (
	"time"

	"github.com/google/uuid"
)

// Attempt is one append-only record of a remote upload call, kept for
// rate-limit accounting and audit. Attempts outlive their job: JobID is
// nullable and carries no foreign key, so an attempt can be logged even if
// the owning job was deleted concurrently.
type Attempt struct {
	ID           int64      `db:"id"            json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id"     json:"tenant_id"`
	Lane         Lane       `db:"lane"          json:"lane"`
	StatusCode   int        `db:"status_code"   json:"status_code"`
	Success      bool       `db:"success"       json:"success"`
	ErrorCode    string     `db:"error_code"    json:"error_code,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	JobID        *uuid.UUID `db:"job_id"        json:"job_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}

// PendingCounter is the denormalized per-tenant count of dispatchable jobs.
// It exists purely so the dispatch loop never scans idle tenants; it is
// recomputed whole rather than incrementally adjusted.
type PendingCounter struct {
	TenantID     uuid.UUID `db:"tenant_id"     json:"tenant_id"`
	PendingCount int       `db:"pending_count" json:"pending_count"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
