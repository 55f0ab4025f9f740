// Package orchestrator sequences the sync pipeline: fetch, normalize,
// validate, map, identify, delta, resolve, ingest, track. One batch runs
// one entity; concurrency is across entities through a bounded worker
// pool, and a per-entity run lock keeps watermark updates single-writer.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/resolver"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/downstream"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/upstream"
)

// BatchOptions tunes one batch run.
type BatchOptions struct {
	Mode models.SyncMode
	// Offset skips rows at the source; background pacing resumes
	// mid-table with it.
	Offset int64
	// MaxRows stops the batch after roughly this many fetched rows.
	// Zero means unbounded. Background pacing uses it as the daily quota.
	MaxRows int64
	// Trigger labels who started the batch, for metrics.
	Trigger string
}

// BatchResult summarizes a finished batch for the caller.
type BatchResult struct {
	Batch *models.SyncBatch
	// RowsFetched is what background pacing advances its offset by.
	RowsFetched int64
	// SourceExhausted reports that the source had no further pages.
	SourceExhausted bool
}

type runState struct {
	batchID string
	cancel  context.CancelFunc
}

// Orchestrator owns batch execution and the operator control surface.
type Orchestrator struct {
	cfg        *config.Config
	store      store.Store
	fetcher    upstream.Fetcher
	downstream downstream.API
	resolver   *resolver.Resolver
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]*runState

	sem chan struct{}
}

func New(cfg *config.Config, st store.Store, fetcher upstream.Fetcher, ds downstream.API, res *resolver.Resolver, log *zap.Logger) *Orchestrator {
	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		fetcher:    fetcher,
		downstream: ds,
		resolver:   res,
		logger:     log.With(logger.Component("orchestrator")),
		running:    make(map[string]*runState),
		sem:        make(chan struct{}, workers),
	}
}

// Run executes one batch synchronously and returns its outcome. Fails fast
// when the entity is unknown, disabled, or already running.
func (o *Orchestrator) Run(ctx context.Context, entityName string, opts BatchOptions) (*BatchResult, error) {
	entity := o.cfg.Entity(entityName)
	if entity == nil {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown entity %q", entityName))
	}
	if !entity.Enabled {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("entity %q is disabled", entityName))
	}
	if opts.Mode == "" {
		opts.Mode = models.SyncModeIncremental
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batch, err := o.acquire(runCtx, entity, opts.Mode, cancel)
	if err != nil {
		return nil, err
	}
	defer o.release(entity.Name)

	o.sem <- struct{}{}
	defer func() { <-o.sem }()

	return o.runBatch(runCtx, entity, batch, opts)
}

// StartBatch launches a batch in the background and returns its id
// immediately. The batch row is created before return so status polls
// never miss it.
func (o *Orchestrator) StartBatch(ctx context.Context, entityName string, opts BatchOptions) (string, error) {
	entity := o.cfg.Entity(entityName)
	if entity == nil {
		return "", errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown entity %q", entityName))
	}
	if !entity.Enabled {
		return "", errors.New(errors.ErrorTypeConfig, fmt.Sprintf("entity %q is disabled", entityName))
	}
	if opts.Mode == "" {
		opts.Mode = models.SyncModeIncremental
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	batch, err := o.acquire(runCtx, entity, opts.Mode, cancel)
	if err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer cancel()
		defer o.release(entity.Name)
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		if _, err := o.runBatch(runCtx, entity, batch, opts); err != nil {
			o.logger.Error("batch failed",
				logger.Batch(batch.ID),
				logger.Entity(entity.Name),
				zap.Error(err))
		}
	}()
	return batch.ID, nil
}

// GetBatchStatus returns the persisted batch row.
func (o *Orchestrator) GetBatchStatus(ctx context.Context, batchID string) (*models.SyncBatch, error) {
	return o.store.GetBatch(ctx, batchID)
}

// CancelBatch requests cooperative cancellation of a running batch. The
// batch stops at the next page boundary; in-flight writes for the current
// page complete.
func (o *Orchestrator) CancelBatch(batchID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rs := range o.running {
		if rs.batchID == batchID {
			rs.cancel()
			return nil
		}
	}
	return store.ErrNotFound
}

// ListBatches returns recent batches, newest first.
func (o *Orchestrator) ListBatches(ctx context.Context, entity string, limit int) ([]*models.SyncBatch, error) {
	return o.store.ListBatches(ctx, entity, limit)
}

// ListFailedRecords surfaces the dead-letter queue.
func (o *Orchestrator) ListFailedRecords(ctx context.Context, entity string, unresolvedOnly bool, limit int) ([]*models.FailedRecord, error) {
	return o.store.ListFailedRecords(ctx, entity, unresolvedOnly, limit)
}

// ListPendingChildren surfaces the resolver queue.
func (o *Orchestrator) ListPendingChildren(ctx context.Context, entity string, states []models.PendingChildState, limit int) ([]*models.PendingChild, error) {
	return o.store.ListPendingChildren(ctx, entity, states, limit)
}

// acquire takes the entity run lock and persists the new batch row.
func (o *Orchestrator) acquire(ctx context.Context, entity *config.EntityConfig, mode models.SyncMode, cancel context.CancelFunc) (*models.SyncBatch, error) {
	o.mu.Lock()
	if rs, busy := o.running[entity.Name]; busy {
		o.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeConflict,
			fmt.Sprintf("entity %q already syncing in batch %s", entity.Name, rs.batchID))
	}
	batch := newBatch(entity.Name, mode)
	o.running[entity.Name] = &runState{batchID: batch.ID, cancel: cancel}
	o.mu.Unlock()

	if err := o.store.CreateBatch(ctx, batch); err != nil {
		o.release(entity.Name)
		return nil, err
	}
	return batch, nil
}

func (o *Orchestrator) release(entityName string) {
	o.mu.Lock()
	delete(o.running, entityName)
	o.mu.Unlock()
}

func newBatch(entity string, mode models.SyncMode) *models.SyncBatch {
	return &models.SyncBatch{
		ID:        newID(),
		Entity:    entity,
		Mode:      mode,
		Status:    models.BatchRunning,
		StartedAt: time.Now().UTC(),
	}
}
