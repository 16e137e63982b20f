// Package models contains shared data models used across the uploadq codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Lane is an upload category with its own independent rate-limit accounting.
type Lane string

const (
	LaneTorrent Lane = "torrent"
	LaneUsenet  Lane = "usenet"
	LaneWeb     Lane = "web"
)

// Lanes is the fixed dispatch order. The processor visits lanes in this
// order every cycle.
var Lanes = []Lane{LaneTorrent, LaneUsenet, LaneWeb}

const (
	PayloadKindFile   = "file"
	PayloadKindMagnet = "magnet"
	PayloadKindLink   = "link"
)

// Job is a single user-submitted upload request. The processor claims jobs
// in queue_order within a lane; exactly one of FilePath and Link is
// meaningful depending on PayloadKind.
type Job struct {
	ID           uuid.UUID  `db:"id"             json:"id"`
	TenantID     uuid.UUID  `db:"tenant_id"      json:"tenant_id"`
	Lane         Lane       `db:"lane"           json:"lane"`
	PayloadKind  string     `db:"payload_kind"   json:"payload_kind"`
	FilePath     string     `db:"file_path"      json:"file_path,omitempty"`
	FileName     string     `db:"file_name"      json:"file_name,omitempty"`
	Link         string     `db:"link"           json:"link,omitempty"`
	Options      JobOptions `db:"-"              json:"options"`
	Status       string     `db:"status"         json:"status"`
	RetryCount   int        `db:"retry_count"    json:"retry_count"`
	ErrorMessage *string    `db:"error_message"  json:"error_message,omitempty"`
	// NextAttemptAt defers dispatch; nil means eligible immediately.
	NextAttemptAt *time.Time `db:"next_attempt_at"   json:"next_attempt_at,omitempty"`
	// LastProcessedAt is set at claim time and drives crash recovery.
	LastProcessedAt *time.Time `db:"last_processed_at" json:"last_processed_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
	QueueOrder      int64      `db:"queue_order"       json:"queue_order"`
	// FileDeleted records that the payload file was reclaimed by retention,
	// independently of the job being terminal.
	FileDeleted bool      `db:"file_deleted" json:"file_deleted"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// JobOptions are the per-job upload options forwarded to the remote service.
type JobOptions struct {
	Seed     int    `json:"seed,omitempty"`
	AllowZip bool   `json:"allow_zip,omitempty"`
	AsQueued bool   `json:"as_queued,omitempty"`
	Password string `json:"password,omitempty"`
}

// Terminal reports whether the job can never be dispatched again.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// EligibleAt reports whether the job is dispatchable at the given instant.
func (j *Job) EligibleAt(now time.Time) bool {
	if j.Status != JobStatusQueued || j.FileDeleted {
		return false
	}
	return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
}
