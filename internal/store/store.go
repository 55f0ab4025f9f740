// Package store persists the bridge's metadata: batches, sync watermarks,
// the dead-letter queue, pending children, and background schedules. The
// pipeline's operational state survives restarts through this layer; the
// actual synced data lives in the planning store, not here.
package store

import (
	"context"
	"time"

	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/models"
)

// BatchStore persists SyncBatch lifecycles.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *models.SyncBatch) error
	UpdateBatch(ctx context.Context, batch *models.SyncBatch) error
	GetBatch(ctx context.Context, id string) (*models.SyncBatch, error)
	ListBatches(ctx context.Context, entity string, limit int) ([]*models.SyncBatch, error)
	// DeleteBatchesBefore removes terminal batches older than the cutoff
	// and returns how many were removed. Retention cleanup.
	DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SyncStateStore persists per-entity incremental watermarks.
type SyncStateStore interface {
	GetSyncState(ctx context.Context, entity, sourceSystem string) (*models.SyncState, error)
	UpsertSyncState(ctx context.Context, state *models.SyncState) error
}

// FailedRecordStore persists the dead-letter queue.
type FailedRecordStore interface {
	CreateFailedRecord(ctx context.Context, fr *models.FailedRecord) error
	UpdateFailedRecord(ctx context.Context, fr *models.FailedRecord) error
	GetFailedRecord(ctx context.Context, id string) (*models.FailedRecord, error)
	ListFailedRecords(ctx context.Context, entity string, unresolvedOnly bool, limit int) ([]*models.FailedRecord, error)
	// ListRetryableFailedRecords returns unresolved records whose
	// next_retry_at has passed and whose budget is not exhausted.
	ListRetryableFailedRecords(ctx context.Context, now time.Time, limit int) ([]*models.FailedRecord, error)
}

// PendingChildStore persists parked child records.
type PendingChildStore interface {
	CreatePendingChild(ctx context.Context, pc *models.PendingChild) error
	UpdatePendingChild(ctx context.Context, pc *models.PendingChild) error
	DeletePendingChild(ctx context.Context, id string) error
	// ListDuePendingChildren returns queued/retrying children whose
	// next_retry_at has passed.
	ListDuePendingChildren(ctx context.Context, now time.Time, limit int) ([]*models.PendingChild, error)
	ListPendingChildren(ctx context.Context, entity string, states []models.PendingChildState, limit int) ([]*models.PendingChild, error)
	CountPendingChildren(ctx context.Context, entity string) (map[models.PendingChildState]int64, error)
}

// ScheduleStore persists background pacing state.
type ScheduleStore interface {
	GetScheduleState(ctx context.Context, entity string) (*models.ScheduleState, error)
	ListScheduleStates(ctx context.Context) ([]*models.ScheduleState, error)
	UpsertScheduleState(ctx context.Context, state *models.ScheduleState) error
}

// Store is the full persistence surface. The postgres implementation
// backs production; tests run against the in-memory one.
type Store interface {
	BatchStore
	SyncStateStore
	FailedRecordStore
	PendingChildStore
	ScheduleStore

	Close()
}

// ErrNotFound is returned by Get methods when no row matches.
var ErrNotFound = errors.New(errors.ErrorTypeNotFound, "not found")
