package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/delta"
	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/internal/normalize"
	"github.com/planhub/erpbridge/internal/resolver"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/downstream"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/metrics"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/upstream"
)

func newID() string { return uuid.NewString() }

// runBatch drives one batch page by page. Pages are strictly sequential:
// parent-before-child write ordering and watermark correctness both depend
// on it. Record-level failures dead-letter and never abort the batch;
// transport failures after the client's own retries do.
func (o *Orchestrator) runBatch(ctx context.Context, entity *config.EntityConfig, batch *models.SyncBatch, opts BatchOptions) (*BatchResult, error) {
	log := o.logger.With(
		logger.Batch(batch.ID),
		logger.Entity(entity.Name),
		zap.String("mode", string(batch.Mode)))
	log.Info("batch started", zap.Int64("offset", opts.Offset), zap.Int64("max_rows", opts.MaxRows))

	normEngine := normalize.NewEngine(entity, o.logger)
	idEngine := identity.NewEngine(entity, o.logger)
	deltaEngine := delta.NewEngine(entity, o.logger)

	rowversionAfter := ""
	if batch.Mode == models.SyncModeIncremental {
		// Absent state means first sync: fetch everything.
		if state, err := o.store.GetSyncState(ctx, entity.Name, entity.SourceSystem); err == nil {
			rowversionAfter = state.LastRowversion
		}
	}

	result := &BatchResult{Batch: batch}
	maxRowversion := ""
	seenKeyHashes := make(map[string]bool)
	// inFlight accumulates key hashes already flushed in this batch, so a
	// self-referential child can count an earlier page's parent as present.
	inFlight := make(map[string]bool)

	pageToken := ""
	offset := opts.Offset
	var runErr error

pages:
	for {
		select {
		case <-ctx.Done():
			runErr = errors.New(errors.ErrorTypeCancelled, "batch cancelled")
			break pages
		default:
		}

		page, err := o.fetcher.FetchPage(ctx, upstream.PageRequest{
			Slug:            entity.APISlug,
			PageSize:        o.cfg.Pipeline.PageSize,
			PageToken:       pageToken,
			RowversionAfter: rowversionAfter,
			Offset:          offset,
		})
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues(entity.Name, "error").Inc()
			if ctx.Err() != nil {
				runErr = errors.New(errors.ErrorTypeCancelled, "batch cancelled")
			} else {
				runErr = errors.Wrap(err, errors.ErrorTypeConnection, "fetch stage failed")
			}
			break pages
		}
		metrics.UpstreamRequests.WithLabelValues(entity.Name, "ok").Inc()
		offset = 0 // only the first request carries the resume offset

		if len(page.Records) == 0 {
			result.SourceExhausted = true
			break pages
		}

		batch.Counts.Fetched += int64(len(page.Records))
		result.RowsFetched += int64(len(page.Records))

		results := make([]*models.RecordResult, len(page.Records))
		for i, rec := range page.Records {
			results[i] = &models.RecordResult{Raw: rec, Record: rec.Clone()}
		}

		normEngine.NormalizeBatch(results)
		for _, rr := range results {
			if rr.FailedStage != models.StageNormalize {
				batch.Counts.Normalized++
			}
			if rr.Ok() {
				batch.Counts.Validated++
			}
		}

		idEngine.IdentifyBatch(results)
		for _, rr := range results {
			if rr.Ok() {
				batch.Counts.Identified++
				seenKeyHashes[rr.Identity.KeyHash] = true
				maxRowversion = identity.MaxRowversion(maxRowversion, rr.Identity.Rowversion)
			}
		}

		var existing map[string]models.StoredIdentity
		if deltaEngine.NeedsLookup(batch.Mode) {
			hashes := make([]string, 0, len(results))
			for _, rr := range results {
				if rr.Ok() {
					hashes = append(hashes, rr.Identity.KeyHash)
				}
			}
			existing, err = o.downstream.LookupByKeyHashes(ctx, entity.Name, hashes)
			if err != nil {
				runErr = errors.Wrap(err, errors.ErrorTypeConnection, "delta lookup failed")
				break pages
			}
		}
		outcome := deltaEngine.Classify(results, existing, batch.Mode)

		ready, parked, err := o.resolver.CheckBatch(ctx, entity, batch.ID, outcome.Classified, inFlight)
		if err != nil {
			runErr = errors.Wrap(err, errors.ErrorTypeConnection, "resolve stage failed")
			break pages
		}
		if parked > 0 {
			// Parked children are not failures; they surface through the
			// resolver queue.
			log.Info("children parked pending parents", zap.Int("parked", parked))
		}

		if err := o.ingestPage(ctx, entity, batch, ready, inFlight); err != nil {
			runErr = err
			break pages
		}

		// Stage failures from any point in the page dead-letter here, once.
		for _, rr := range results {
			if !rr.Ok() && rr.FailedStage != models.StageIngest {
				o.deadLetter(ctx, entity.Name, batch.ID, rr, models.ErrClassValidation)
				batch.Counts.Failed++
			}
		}

		if page.NextPageToken == "" {
			result.SourceExhausted = true
			break pages
		}
		pageToken = page.NextPageToken

		if opts.MaxRows > 0 && result.RowsFetched >= opts.MaxRows {
			break pages
		}
	}

	// Absence only proves deletion when the source was read to the end; a
	// MaxRows-truncated full pass must not touch the unseen rows.
	if runErr == nil && batch.Mode == models.SyncModeFull && result.SourceExhausted {
		runErr = o.applyDeletes(ctx, entity, batch, deltaEngine, seenKeyHashes)
	}

	if runErr == nil {
		o.track(ctx, entity, batch, maxRowversion)
	}

	o.finish(ctx, batch, runErr, log)
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// ingestPage writes classified rows. Inserts flush before updates, and for
// self-referential entities the rows other rows point at flush first.
func (o *Orchestrator) ingestPage(ctx context.Context, entity *config.EntityConfig, batch *models.SyncBatch, ready []delta.Classified, inFlight map[string]bool) error {
	var inserts, updates []delta.Classified
	for _, c := range ready {
		if !c.Result.Ok() {
			continue
		}
		switch c.Op {
		case delta.OpInsert:
			inserts = append(inserts, c)
		case delta.OpUpdate:
			updates = append(updates, c)
		case delta.OpSkip:
			batch.Counts.Skipped++
			metrics.RecordsProcessed.WithLabelValues(entity.Name, string(models.StageIngest), "skipped").Inc()
		}
	}

	for _, wave := range insertWaves(entity, inserts) {
		results, err := o.downstream.BatchInsert(ctx, entity.Name, rowsOf(wave))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "ingest insert failed")
		}
		o.applyRowResults(ctx, entity, batch, wave, results, &batch.Counts.Inserted)
		for _, c := range wave {
			if c.Result.Ok() {
				inFlight[c.Result.Identity.KeyHash] = true
			}
		}
	}

	if len(updates) > 0 {
		results, err := o.downstream.BatchUpdate(ctx, entity.Name, rowsOf(updates))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "ingest update failed")
		}
		o.applyRowResults(ctx, entity, batch, updates, results, &batch.Counts.Updated)
	}
	return nil
}

// insertWaves orders a page's inserts so rows referenced by other rows in
// the same page land first. Entities without a self reference get a single
// wave.
func insertWaves(entity *config.EntityConfig, inserts []delta.Classified) [][]delta.Classified {
	if len(inserts) == 0 {
		return nil
	}
	selfRef := false
	for _, ref := range entity.ParentRefs {
		if ref.ParentEntity == entity.Name {
			selfRef = true
			break
		}
	}
	if !selfRef {
		return [][]delta.Classified{inserts}
	}

	referenced := make(map[string]bool)
	for _, c := range inserts {
		keys, err := resolver.ParentKeys(entity, c.Result.Record)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if k.ParentEntity == entity.Name {
				referenced[k.KeyHash] = true
			}
		}
	}

	var parents, children []delta.Classified
	for _, c := range inserts {
		if referenced[c.Result.Identity.KeyHash] {
			parents = append(parents, c)
		} else {
			children = append(children, c)
		}
	}
	if len(parents) == 0 {
		return [][]delta.Classified{children}
	}
	return [][]delta.Classified{parents, children}
}

func rowsOf(classified []delta.Classified) []downstream.Row {
	rows := make([]downstream.Row, len(classified))
	for i, c := range classified {
		rows[i] = downstream.Row{
			UID:        c.ExistingUID,
			KeyHash:    c.Result.Identity.KeyHash,
			DataHash:   c.Result.Identity.DataHash,
			Rowversion: c.Result.Identity.Rowversion,
			Fields:     c.Result.Record,
		}
	}
	return rows
}

// applyRowResults matches the store's per-row verdicts back onto the page.
// A row the store never answered for counts as accepted; stores only
// report rejections and echoes.
func (o *Orchestrator) applyRowResults(ctx context.Context, entity *config.EntityConfig, batch *models.SyncBatch, classified []delta.Classified, results []downstream.RowResult, accepted *int64) {
	rejected := make(map[string]downstream.RowResult)
	for _, res := range results {
		if !res.OK {
			rejected[res.KeyHash] = res
		}
	}
	for _, c := range classified {
		res, bad := rejected[c.Result.Identity.KeyHash]
		if !bad {
			*accepted++
			metrics.RecordsProcessed.WithLabelValues(entity.Name, string(models.StageIngest), "ok").Inc()
			continue
		}
		c.Result.Fail(models.StageIngest, res.Message)
		o.deadLetter(ctx, entity.Name, batch.ID, c.Result, res.ErrorClass())
		batch.Counts.Failed++
	}
}

// applyDeletes flags and removes rows present downstream but absent from a
// complete source pass. Never runs for incremental or background batches.
func (o *Orchestrator) applyDeletes(ctx context.Context, entity *config.EntityConfig, batch *models.SyncBatch, deltaEngine *delta.Engine, seen map[string]bool) error {
	stored, err := o.downstream.ListIdentities(ctx, entity.Name)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "delete detection lookup failed")
	}
	deletes := deltaEngine.DetectDeletes(seen, stored)
	if len(deletes) == 0 {
		return nil
	}

	uids := make([]string, len(deletes))
	for i, id := range deletes {
		uids[i] = id.UID
	}
	results, err := o.downstream.BatchDelete(ctx, entity.Name, uids)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "ingest delete failed")
	}
	for _, res := range results {
		if res.OK {
			batch.Counts.Deleted++
		} else {
			batch.Counts.Failed++
		}
	}
	return nil
}

// track advances the entity watermark. Runs only after the write stage
// committed, so a crashed batch re-reads rather than skips.
func (o *Orchestrator) track(ctx context.Context, entity *config.EntityConfig, batch *models.SyncBatch, maxRowversion string) {
	state, err := o.store.GetSyncState(ctx, entity.Name, entity.SourceSystem)
	if err != nil {
		state = &models.SyncState{Entity: entity.Name, SourceSystem: entity.SourceSystem}
	}
	state.LastRowversion = identity.MaxRowversion(state.LastRowversion, maxRowversion)
	state.LastBatchID = batch.ID
	state.TotalSynced += batch.Counts.Inserted + batch.Counts.Updated
	state.UpdatedAt = time.Now().UTC()
	if err := o.store.UpsertSyncState(ctx, state); err != nil {
		o.logger.Error("failed to advance sync state",
			logger.Entity(entity.Name), zap.Error(err))
	}
}

// finish settles the batch row. Uses a detached context so a cancelled
// batch still records its terminal status.
func (o *Orchestrator) finish(ctx context.Context, batch *models.SyncBatch, runErr error, log *zap.Logger) {
	now := time.Now().UTC()
	batch.FinishedAt = &now

	switch {
	case runErr == nil && batch.Counts.Failed > 0:
		batch.Status = models.BatchCompletedWithErrors
	case runErr == nil:
		batch.Status = models.BatchCompleted
	case errors.IsType(runErr, errors.ErrorTypeCancelled):
		batch.Status = models.BatchCancelled
		batch.ErrorSummary = runErr.Error()
	default:
		batch.Status = models.BatchFailed
		batch.ErrorSummary = runErr.Error()
	}

	saveCtx := context.WithoutCancel(ctx)
	if err := o.store.UpdateBatch(saveCtx, batch); err != nil {
		log.Error("failed to persist batch status", zap.Error(err))
	}

	duration := now.Sub(batch.StartedAt)
	metrics.ObserveBatch(batch.Entity, string(batch.Mode), string(batch.Status), duration, batch.Counts.SkipRate())
	log.Info("batch finished",
		zap.String("status", string(batch.Status)),
		zap.Duration("duration", duration),
		zap.Int64("fetched", batch.Counts.Fetched),
		zap.Int64("inserted", batch.Counts.Inserted),
		zap.Int64("updated", batch.Counts.Updated),
		zap.Int64("deleted", batch.Counts.Deleted),
		zap.Int64("skipped", batch.Counts.Skipped),
		zap.Int64("failed", batch.Counts.Failed))
}

// deadLetter snapshots a rejected record for diagnosis and later retry.
func (o *Orchestrator) deadLetter(ctx context.Context, entityName, batchID string, rr *models.RecordResult, class models.ErrorClass) {
	now := time.Now().UTC()
	fr := &models.FailedRecord{
		ID:          newID(),
		BatchID:     batchID,
		Entity:      entityName,
		Stage:       rr.FailedStage,
		Class:       class,
		Message:     rr.FailureMessage,
		RawPayload:  rr.Raw,
		Normalized:  rr.Normalized,
		Mapped:      rr.Record,
		MaxRetries:  o.cfg.Pipeline.FailedRecordMaxRetries,
		NextRetryAt: now.Add(o.cfg.Pipeline.FailedRecordRetryBase),
		CreatedAt:   now,
	}
	if err := o.store.CreateFailedRecord(context.WithoutCancel(ctx), fr); err != nil {
		o.logger.Error("failed to dead-letter record",
			logger.Entity(entityName), zap.Error(err))
		return
	}
	metrics.FailedRecords.WithLabelValues(entityName, string(class)).Inc()
	metrics.RecordsProcessed.WithLabelValues(entityName, string(rr.FailedStage), "failed").Inc()
}
