// Package models defines the data structures shared across the sync
// pipeline: records as they move through the stages, record identity,
// batch bookkeeping, and the persisted metadata rows (sync state, failed
// records, pending children, background schedules).
package models

import (
	"time"
)

// Record is an untyped field map. Raw records carry source field names and
// wire values; after normalization the keys are target field names and the
// values canonical Go types (string, int64, float64, bool, nil).
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Stage identifies a pipeline stage. Stored on FailedRecord so operators
// can see where a record dropped out.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageNormalize Stage = "normalize"
	StageValidate  Stage = "validate"
	StageMap       Stage = "map"
	StageIdentity  Stage = "identity"
	StageDelta     Stage = "delta"
	StageResolve   Stage = "resolve"
	StageIngest    Stage = "ingest"
	StageTrack     Stage = "track"
)

// FieldError is a soft per-field failure. It does not reject the record by
// itself; the record is only rejected when a required field is affected.
type FieldError struct {
	Field   string `json:"field"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// RecordResult carries one record through the pipeline as data: either a
// live record (possibly with soft field errors) or a terminal failure.
// Stages partition successes from failures instead of branching on panics
// or sentinel errors.
type RecordResult struct {
	// Raw is the record as fetched, kept for failure snapshots.
	Raw Record

	// Record is the current working copy. Nil once Failed is set.
	Record Record

	// Normalized snapshots the record after the normalization layers but
	// before field mapping, for failure diagnostics: source field names
	// with canonical values.
	Normalized Record

	// Identity is populated by the identity stage.
	Identity *RecordIdentity

	// FieldErrors accumulates soft failures from any stage.
	FieldErrors []FieldError

	// FailedStage and FailureMessage are set when the record is rejected.
	FailedStage    Stage
	FailureMessage string
}

// Ok reports whether the record is still live.
func (rr *RecordResult) Ok() bool {
	return rr.FailedStage == ""
}

// Fail marks the record as terminally failed at the given stage.
func (rr *RecordResult) Fail(stage Stage, message string) {
	rr.FailedStage = stage
	rr.FailureMessage = message
}

// AddFieldError records a soft per-field failure.
func (rr *RecordResult) AddFieldError(field string, stage Stage, message string) {
	rr.FieldErrors = append(rr.FieldErrors, FieldError{Field: field, Stage: stage, Message: message})
}

// RecordIdentity is the ephemeral identity attached to a normalized record.
type RecordIdentity struct {
	// KeyHash is the business-key hash: xxh3-128 over the declared
	// business-key fields in declared order, 32 hex characters.
	KeyHash string `json:"key_hash"`

	// DataHash is a SHA-256 over all non-metadata fields sorted
	// alphabetically, 64 hex characters. Field insertion order never
	// affects it.
	DataHash string `json:"data_hash"`

	// Rowversion is the source-native change token, verbatim, or empty
	// when the entity declares no rowversion field.
	Rowversion string `json:"rowversion,omitempty"`

	// Ref is a human-readable, non-unique debug label built from the
	// business-key values. Never used for comparison.
	Ref string `json:"ref"`
}

// StoredIdentity is what the downstream store returns for an existing row:
// the identity previously written plus the store's own row id, needed for
// update and delete calls.
type StoredIdentity struct {
	UID        string `json:"uid"`
	KeyHash    string `json:"key_hash"`
	DataHash   string `json:"data_hash"`
	Rowversion string `json:"rowversion,omitempty"`
}

// SyncState is the per-entity incremental watermark. One row per
// (entity, source system), mutated only by the orchestrator after the write
// stage of a batch commits.
type SyncState struct {
	Entity        string    `json:"entity"`
	SourceSystem  string    `json:"source_system"`
	LastRowversion string   `json:"last_rowversion"`
	LastBatchID   string    `json:"last_batch_id"`
	TotalSynced   int64     `json:"total_synced"`
	UpdatedAt     time.Time `json:"updated_at"`
}
