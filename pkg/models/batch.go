package models

import (
	"time"
)

// SyncMode selects how a batch fetches from the source.
type SyncMode string

const (
	// SyncModeFull reads the complete table; enables delete detection.
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental reads rows with rowversion past the last watermark.
	SyncModeIncremental SyncMode = "incremental"
	// SyncModeBackground is a paced slice of a full transfer, driven by the
	// background scheduler.
	SyncModeBackground SyncMode = "background"
)

// BatchStatus is the lifecycle state of a SyncBatch. A batch is terminal
// once the status leaves Running.
type BatchStatus string

const (
	BatchPending             BatchStatus = "pending"
	BatchRunning             BatchStatus = "running"
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchFailed              BatchStatus = "failed"
	BatchCancelled           BatchStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// StageCounts are the per-stage counters a batch accumulates.
type StageCounts struct {
	Fetched    int64 `json:"fetched"`
	Normalized int64 `json:"normalized"`
	Validated  int64 `json:"validated"`
	Identified int64 `json:"identified"`
	Inserted   int64 `json:"inserted"`
	Updated    int64 `json:"updated"`
	Deleted    int64 `json:"deleted"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

// SkipRate is the fraction of classified records that were skips. At steady
// state after the first full load this should sit near 1.0.
func (c StageCounts) SkipRate() float64 {
	classified := c.Inserted + c.Updated + c.Deleted + c.Skipped
	if classified == 0 {
		return 0
	}
	return float64(c.Skipped) / float64(classified)
}

// SyncBatch tracks one pipeline run for one entity. Created at batch start,
// mutated by the orchestrator throughout, terminal once status leaves
// running.
type SyncBatch struct {
	ID           string      `json:"id"`
	Entity       string      `json:"entity"`
	Mode         SyncMode    `json:"mode"`
	Status       BatchStatus `json:"status"`
	Counts       StageCounts `json:"counts"`
	ErrorSummary string      `json:"error_summary,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// ErrorClass categorizes a record-level failure on the dead-letter queue.
type ErrorClass string

const (
	ErrClassValidation      ErrorClass = "validation"
	ErrClassDuplicateKey    ErrorClass = "duplicate-key"
	ErrClassMissingParent   ErrorClass = "missing-parent"
	ErrClassDownstream      ErrorClass = "downstream-rejected"
	ErrClassTransient       ErrorClass = "transient-network"
)

// FailedRecord is one dead-lettered record with enough payload to diagnose
// without re-running the batch. Never mutated after resolution.
type FailedRecord struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batch_id"`
	Entity      string     `json:"entity"`
	Stage       Stage      `json:"stage"`
	Class       ErrorClass `json:"class"`
	Message     string     `json:"message"`
	RawPayload  Record     `json:"raw_payload,omitempty"`
	Normalized  Record     `json:"normalized_payload,omitempty"`
	Mapped      Record     `json:"mapped_payload,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt time.Time  `json:"next_retry_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PendingChildState is the resolver state machine position.
type PendingChildState string

const (
	ChildQueued    PendingChildState = "queued"
	ChildRetrying  PendingChildState = "retrying"
	ChildResolved  PendingChildState = "resolved"
	ChildExhausted PendingChildState = "exhausted"
)

// PendingChildMaxRetries is the fixed retry budget for pending children,
// independent of the failed-record budget.
const PendingChildMaxRetries = 5

// PendingChild is a child record parked until all of its parents exist
// downstream. Deleted when resolved; marked exhausted after the retry
// budget runs out.
type PendingChild struct {
	ID            string            `json:"id"`
	BatchID       string            `json:"batch_id"`
	Entity        string            `json:"entity"`
	ChildKeyHash  string            `json:"child_key_hash"`
	Payload       Record            `json:"payload"`
	Identity      RecordIdentity    `json:"identity"`
	ParentEntity  string            `json:"parent_entity"`
	ParentKeyHash string            `json:"parent_key_hash"`
	// MissingParents lists every unresolved parent reference; all must
	// clear before the child is written.
	MissingParents map[string]string `json:"missing_parents"`
	State          PendingChildState `json:"state"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	NextRetryAt    time.Time         `json:"next_retry_at"`
}

// ScheduleState is the per-entity background pacing record.
type ScheduleState struct {
	Entity            string    `json:"entity"`
	Enabled           bool      `json:"enabled"`
	// WindowStart/WindowEnd are wall-clock "HH:MM" strings; the window may
	// wrap midnight (e.g. 19:00 to 07:00).
	WindowStart       string    `json:"window_start"`
	WindowEnd         string    `json:"window_end"`
	DaysToComplete    int       `json:"days_to_complete"`
	RowsPerDay        int64     `json:"rows_per_day"`
	TotalRowsEstimate int64     `json:"total_rows_estimate"`
	CurrentOffset     int64     `json:"current_offset"`
	// RowsThisWindow counts rows processed in the current window
	// occurrence; reset when a new occurrence opens.
	RowsThisWindow int64     `json:"rows_this_window"`
	WindowDate     string    `json:"window_date"`
	NextRunAt      time.Time `json:"next_run_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EffectiveRowsPerDay applies the default pacing rule: when rows_per_day is
// unset, spread the estimated total across the configured number of days.
func (s *ScheduleState) EffectiveRowsPerDay() int64 {
	if s.RowsPerDay > 0 {
		return s.RowsPerDay
	}
	if s.DaysToComplete > 0 && s.TotalRowsEstimate > 0 {
		return s.TotalRowsEstimate / int64(s.DaysToComplete)
	}
	return 0
}
