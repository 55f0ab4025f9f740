// Package scheduler paces multi-day transfers. Each tick it walks the
// per-entity schedule states and starts a background batch for anyone who
// is enabled, inside their wall-clock window, and under their daily row
// quota. It also owns the periodic dead-letter retry pass, the pending-
// children retry pass, and batch retention cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/orchestrator"
	"github.com/planhub/erpbridge/internal/resolver"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/metrics"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/upstream"
)

const retryPassLimit = 200

// Scheduler drives paced background syncs off its own ticking loop.
type Scheduler struct {
	cfg     *config.Config
	store   store.Store
	orch    *orchestrator.Orchestrator
	res     *resolver.Resolver
	fetcher upstream.Fetcher
	logger  *zap.Logger

	// now is the clock; tests replace it.
	now func() time.Time

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg *config.Config, st store.Store, orch *orchestrator.Orchestrator, res *resolver.Resolver, fetcher upstream.Fetcher, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		orch:    orch,
		res:     res,
		fetcher: fetcher,
		logger:  log.With(logger.Component("scheduler")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the ticking loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New(errors.ErrorTypeConflict, "scheduler already running")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.Scheduler.TickInterval),
		zap.Duration("retry_pass_interval", s.cfg.Scheduler.RetryPassInterval))
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	tick := time.NewTicker(s.cfg.Scheduler.TickInterval)
	defer tick.Stop()
	retry := time.NewTicker(s.cfg.Scheduler.RetryPassInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-tick.C:
			s.Tick(ctx)
		case <-retry.C:
			s.retryTick(ctx)
		}
	}
}

// Tick evaluates every schedule once. Exported so tests and the CLI can
// drive the scheduler without real time.
func (s *Scheduler) Tick(ctx context.Context) {
	states, err := s.store.ListScheduleStates(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", zap.Error(err))
		return
	}
	now := s.now()
	for _, state := range states {
		if ctx.Err() != nil {
			return
		}
		if !state.Enabled {
			continue
		}
		// NextRunAt is the cooldown stamped by the previous run; a tick
		// arriving early leaves the schedule alone.
		if !state.NextRunAt.IsZero() && now.Before(state.NextRunAt) {
			continue
		}
		if !windowOpen(state.WindowStart, state.WindowEnd, now) {
			continue
		}
		if err := s.runPaced(ctx, state, now, false, "schedule"); err != nil {
			s.logger.Warn("scheduled run failed",
				logger.Entity(state.Entity), zap.Error(err))
		}
	}
}

// runPaced runs one background batch for the entity, bounded by what is
// left of the daily quota. force ignores the quota entirely.
func (s *Scheduler) runPaced(ctx context.Context, state *models.ScheduleState, now time.Time, force bool, trigger string) error {
	key := windowKey(state.WindowStart, state.WindowEnd, now)
	if state.WindowDate != key {
		state.WindowDate = key
		state.RowsThisWindow = 0
	}

	if state.TotalRowsEstimate == 0 {
		entity := s.cfg.Entity(state.Entity)
		if entity != nil {
			if total, err := s.fetcher.Count(ctx, entity.APISlug, ""); err == nil {
				state.TotalRowsEstimate = total
			}
		}
	}

	var maxRows int64
	if !force {
		quota := state.EffectiveRowsPerDay()
		if quota <= 0 {
			return nil
		}
		maxRows = quota - state.RowsThisWindow
		if maxRows <= 0 {
			return nil
		}
	}

	metrics.ScheduledRuns.WithLabelValues(state.Entity, trigger).Inc()
	result, runErr := s.orch.Run(ctx, state.Entity, orchestrator.BatchOptions{
		Mode:    models.SyncModeBackground,
		Offset:  state.CurrentOffset,
		MaxRows: maxRows,
		Trigger: trigger,
	})

	if result != nil {
		state.CurrentOffset += result.RowsFetched
		state.RowsThisWindow += result.RowsFetched
		if result.SourceExhausted {
			// Transfer complete; the next occurrence restarts from the top.
			state.CurrentOffset = 0
		}
	}
	state.NextRunAt = now.Add(s.cfg.Scheduler.TickInterval)
	state.UpdatedAt = s.now()
	if err := s.store.UpsertScheduleState(ctx, state); err != nil {
		s.logger.Error("failed to persist schedule state",
			logger.Entity(state.Entity), zap.Error(err))
	}
	return runErr
}

// TriggerNow runs an entity's paced batch immediately, ignoring the time
// window. The daily quota still applies unless force is set.
func (s *Scheduler) TriggerNow(ctx context.Context, entity string, force bool) error {
	state, err := s.store.GetScheduleState(ctx, entity)
	if err != nil {
		return err
	}
	return s.runPaced(ctx, state, s.now(), force, "manual")
}

// Enable turns an entity's schedule on, creating the state row when absent.
func (s *Scheduler) Enable(ctx context.Context, entity string, windowStart, windowEnd string, days int, rowsPerDay int64) error {
	state, err := s.store.GetScheduleState(ctx, entity)
	if err != nil {
		state = &models.ScheduleState{Entity: entity}
	}
	state.Enabled = true
	state.WindowStart = windowStart
	state.WindowEnd = windowEnd
	state.DaysToComplete = days
	state.RowsPerDay = rowsPerDay
	state.UpdatedAt = s.now()
	return s.store.UpsertScheduleState(ctx, state)
}

// Disable turns an entity's schedule off without touching its progress.
func (s *Scheduler) Disable(ctx context.Context, entity string) error {
	state, err := s.store.GetScheduleState(ctx, entity)
	if err != nil {
		return err
	}
	state.Enabled = false
	state.UpdatedAt = s.now()
	return s.store.UpsertScheduleState(ctx, state)
}

// Status returns every schedule state.
func (s *Scheduler) Status(ctx context.Context) ([]*models.ScheduleState, error) {
	return s.store.ListScheduleStates(ctx)
}

// retryTick is the maintenance pass: dead-letter retries, pending-children
// retries, and batch retention cleanup.
func (s *Scheduler) retryTick(ctx context.Context) {
	now := s.now()

	if resolved, err := s.orch.RetryFailedRecordsPass(ctx, now, retryPassLimit); err != nil {
		s.logger.Warn("failed record retry pass errored", zap.Error(err))
	} else if resolved > 0 {
		s.logger.Info("failed record retry pass", zap.Int("resolved", resolved))
	}

	if resolved, exhausted, err := s.res.RetryPass(ctx, now, retryPassLimit); err != nil {
		s.logger.Warn("pending children retry pass errored", zap.Error(err))
	} else if resolved > 0 || exhausted > 0 {
		s.logger.Info("pending children retry pass",
			zap.Int("resolved", resolved), zap.Int("exhausted", exhausted))
	}

	retention := s.cfg.Scheduler.BatchRetentionDays
	if retention > 0 {
		cutoff := now.AddDate(0, 0, -retention)
		if removed, err := s.store.DeleteBatchesBefore(ctx, cutoff); err != nil {
			s.logger.Warn("batch retention cleanup errored", zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("batch retention cleanup", zap.Int64("removed", removed))
		}
	}
}
