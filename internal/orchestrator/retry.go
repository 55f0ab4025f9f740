package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/delta"
	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/internal/normalize"
	"github.com/planhub/erpbridge/pkg/downstream"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
)

// RetryFailedRecord re-runs one dead-lettered record through the pipeline
// from its raw snapshot. Success marks it resolved; failure consumes one
// retry from its budget and doubles the delay.
func (o *Orchestrator) RetryFailedRecord(ctx context.Context, id string) error {
	fr, err := o.store.GetFailedRecord(ctx, id)
	if err != nil {
		return err
	}
	if fr.Resolved {
		return nil
	}
	entity := o.cfg.Entity(fr.Entity)
	if entity == nil {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown entity %q", fr.Entity))
	}

	retryErr := o.replayRecord(ctx, entity.Name, fr)

	now := time.Now().UTC()
	if retryErr == nil {
		fr.Resolved = true
		fr.ResolvedAt = &now
		o.logger.Info("failed record resolved on retry",
			zap.String("id", fr.ID),
			logger.Entity(fr.Entity),
			logger.Stage(string(fr.Stage)),
			zap.Int("retries", fr.RetryCount))
	} else {
		fr.RetryCount++
		fr.Message = retryErr.Error()
		// 60s, 120s, 240s with the default base.
		delay := o.cfg.Pipeline.FailedRecordRetryBase << fr.RetryCount
		fr.NextRetryAt = now.Add(delay)
	}
	if uerr := o.store.UpdateFailedRecord(ctx, fr); uerr != nil {
		return uerr
	}
	return retryErr
}

// replayRecord pushes the raw snapshot through normalize, identity, delta
// and a single-row ingest.
func (o *Orchestrator) replayRecord(ctx context.Context, entityName string, fr *models.FailedRecord) error {
	entity := o.cfg.Entity(entityName)
	rr := &models.RecordResult{Raw: fr.RawPayload, Record: fr.RawPayload.Clone()}

	normalize.NewEngine(entity, o.logger).NormalizeRecord(rr)
	if !rr.Ok() {
		return errors.New(errors.ErrorTypeValidation, rr.FailureMessage)
	}
	identity.NewEngine(entity, o.logger).Identify(rr)
	if !rr.Ok() {
		return errors.New(errors.ErrorTypeValidation, rr.FailureMessage)
	}

	deltaEngine := delta.NewEngine(entity, o.logger)
	existing, err := o.downstream.LookupByKeyHashes(ctx, entity.Name, []string{rr.Identity.KeyHash})
	if err != nil {
		return err
	}
	outcome := deltaEngine.Classify([]*models.RecordResult{rr}, existing, models.SyncModeIncremental)
	if len(outcome.Classified) == 0 {
		return errors.New(errors.ErrorTypeInternal, "record did not classify")
	}
	c := outcome.Classified[0]
	if c.Op == delta.OpSkip {
		// The store already holds this exact state; nothing to redo.
		return nil
	}

	ready, _, err := o.resolver.CheckBatch(ctx, entity, fr.BatchID, outcome.Classified, nil)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return errors.New(errors.ErrorTypeMissingParent, "parent still missing; child re-parked")
	}

	// Write directly rather than through ingestPage: a rejection here must
	// not dead-letter a second copy of the same record.
	rows := rowsOf(ready)
	var results []downstream.RowResult
	if c.Op == delta.OpUpdate {
		results, err = o.downstream.BatchUpdate(ctx, entity.Name, rows)
	} else {
		results, err = o.downstream.BatchInsert(ctx, entity.Name, rows)
	}
	if err != nil {
		return err
	}
	for _, res := range results {
		if !res.OK {
			return errors.New(errors.ErrorTypeDownstream, res.Message)
		}
	}
	return nil
}

// RetryFailedRecordsPass retries every due dead-lettered record once.
// Called by the scheduler on its retry interval.
func (o *Orchestrator) RetryFailedRecordsPass(ctx context.Context, now time.Time, limit int) (resolved int, err error) {
	due, err := o.store.ListRetryableFailedRecords(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	for _, fr := range due {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if rerr := o.RetryFailedRecord(ctx, fr.ID); rerr == nil {
			resolved++
		}
	}
	return resolved, nil
}
