// Package resolver parks child records whose declared parents do not yet
// exist in the planning store, and retries them with exponential backoff
// as parents arrive. A child with several parent references is written
// only once every referenced parent is present.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/delta"
	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/downstream"
	"github.com/planhub/erpbridge/pkg/errors"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/metrics"
	"github.com/planhub/erpbridge/pkg/models"
)

// ParentKey is one resolved parent reference: which entity it points at and
// the business-key hash to look up there.
type ParentKey struct {
	RefName      string
	ParentEntity string
	KeyHash      string
}

// Resolver checks parent existence for classified records and runs the
// retry pass over the parked queue.
type Resolver struct {
	store      store.Store
	downstream downstream.API
	logger     *zap.Logger

	baseDelay time.Duration
	capDelay  time.Duration
}

func New(st store.Store, ds downstream.API, cfg *config.PipelineConfig, log *zap.Logger) *Resolver {
	return &Resolver{
		store:      st,
		downstream: ds,
		logger:     log.With(logger.Component("resolver")),
		baseDelay:  cfg.PendingChildRetryBase,
		capDelay:   cfg.PendingChildRetryCap,
	}
}

// Backoff returns the delay before retry attempt n (0-based): the base
// doubles each attempt and saturates at the cap. Pure, so retry timing is
// testable without a clock.
func (r *Resolver) Backoff(retryCount int) time.Duration {
	d := r.baseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= r.capDelay {
			return r.capDelay
		}
	}
	if d > r.capDelay {
		return r.capDelay
	}
	return d
}

// ParentKeys computes the business-key hash of every declared parent
// reference from the child's mapped fields. A null or absent child field is
// an error: the reference cannot be checked, let alone resolved.
func ParentKeys(entity *config.EntityConfig, record models.Record) ([]ParentKey, error) {
	keys := make([]ParentKey, 0, len(entity.ParentRefs))
	for _, ref := range entity.ParentRefs {
		field := entity.TargetField(ref.ChildField)
		value, ok := record[field]
		if !ok || value == nil {
			return nil, errors.New(errors.ErrorTypeValidation,
				fmt.Sprintf("parent ref %q: child field %q is null", ref.Name, field))
		}
		hash, err := identity.BusinessKeyHash(
			models.Record{ref.ParentField: value},
			[]string{ref.ParentField},
			ref.ParentEntity)
		if err != nil {
			return nil, err
		}
		keys = append(keys, ParentKey{RefName: ref.Name, ParentEntity: ref.ParentEntity, KeyHash: hash})
	}
	return keys, nil
}

// CheckBatch splits classified inserts and updates into rows whose parents
// all exist and rows that must be parked. Skips and records without parent
// references pass through untouched. For self-referential entities a parent
// counts as present when it is already flushed earlier in the batch
// (inFlight) or will be written from this same page; the ingest stage
// flushes referenced rows ahead of the rows pointing at them.
func (r *Resolver) CheckBatch(ctx context.Context, entity *config.EntityConfig, batchID string, classified []delta.Classified, inFlight map[string]bool) (ready []delta.Classified, parked int, err error) {
	if len(entity.ParentRefs) == 0 {
		return classified, 0, nil
	}

	// One downstream lookup per parent entity for the whole page.
	hashesByParent := make(map[string][]string)
	keysByIndex := make([][]ParentKey, len(classified))
	for i, c := range classified {
		if c.Op != delta.OpInsert && c.Op != delta.OpUpdate {
			continue
		}
		keys, kerr := ParentKeys(entity, c.Result.Record)
		if kerr != nil {
			c.Result.Fail(models.StageResolve, kerr.Error())
			continue
		}
		keysByIndex[i] = keys
		for _, k := range keys {
			hashesByParent[k.ParentEntity] = append(hashesByParent[k.ParentEntity], k.KeyHash)
		}
	}

	found := make(map[string]bool)
	for parentEntity, hashes := range hashesByParent {
		existing, lerr := r.downstream.LookupByKeyHashes(ctx, parentEntity, dedupe(hashes))
		if lerr != nil {
			return nil, 0, lerr
		}
		for hash := range existing {
			found[parentEntity+"/"+hash] = true
		}
	}

	localReady := r.samePageParents(entity, classified, keysByIndex, found, inFlight)
	present := func(k ParentKey) bool {
		if found[k.ParentEntity+"/"+k.KeyHash] {
			return true
		}
		return k.ParentEntity == entity.Name && (inFlight[k.KeyHash] || localReady[k.KeyHash])
	}

	ready = make([]delta.Classified, 0, len(classified))
	for i, c := range classified {
		if c.Op != delta.OpInsert && c.Op != delta.OpUpdate {
			ready = append(ready, c)
			continue
		}
		if !c.Result.Ok() {
			ready = append(ready, c)
			continue
		}
		missing := make(map[string]string)
		for _, k := range keysByIndex[i] {
			if present(k) {
				continue
			}
			missing[k.RefName] = k.ParentEntity + "/" + k.KeyHash
		}
		if len(missing) == 0 {
			ready = append(ready, c)
			continue
		}
		if perr := r.park(ctx, entity, batchID, c, keysByIndex[i], missing); perr != nil {
			return nil, 0, perr
		}
		parked++
	}
	return ready, parked, nil
}

// samePageParents finds the self-referential inserts in this page that will
// themselves resolve, so children arriving alongside their parent need no
// parking. Chains (grandparent, parent, child in one page) settle by
// iterating to a fixed point; the ingest stage flushes the referenced rows
// first.
func (r *Resolver) samePageParents(entity *config.EntityConfig, classified []delta.Classified, keysByIndex [][]ParentKey, found, inFlight map[string]bool) map[string]bool {
	selfRef := false
	for _, ref := range entity.ParentRefs {
		if ref.ParentEntity == entity.Name {
			selfRef = true
			break
		}
	}
	localReady := make(map[string]bool)
	if !selfRef {
		return localReady
	}

	for changed := true; changed; {
		changed = false
		for i, c := range classified {
			if c.Op != delta.OpInsert || !c.Result.Ok() || keysByIndex[i] == nil {
				continue
			}
			hash := c.Result.Identity.KeyHash
			if localReady[hash] {
				continue
			}
			settled := true
			for _, k := range keysByIndex[i] {
				if found[k.ParentEntity+"/"+k.KeyHash] {
					continue
				}
				if k.ParentEntity == entity.Name && (inFlight[k.KeyHash] || localReady[k.KeyHash]) {
					continue
				}
				settled = false
				break
			}
			if settled {
				localReady[hash] = true
				changed = true
			}
		}
	}
	return localReady
}

// park stores the full child payload so a later retry pass can write it
// without re-fetching.
func (r *Resolver) park(ctx context.Context, entity *config.EntityConfig, batchID string, c delta.Classified, keys []ParentKey, missing map[string]string) error {
	now := time.Now().UTC()
	primary := keys[0]
	pc := &models.PendingChild{
		ID:             uuid.NewString(),
		BatchID:        batchID,
		Entity:         entity.Name,
		ChildKeyHash:   c.Result.Identity.KeyHash,
		Payload:        c.Result.Record.Clone(),
		Identity:       *c.Result.Identity,
		ParentEntity:   primary.ParentEntity,
		ParentKeyHash:  primary.KeyHash,
		MissingParents: missing,
		State:          models.ChildQueued,
		RetryCount:     0,
		MaxRetries:     models.PendingChildMaxRetries,
		CreatedAt:      now,
		NextRetryAt:    now.Add(r.Backoff(0)),
	}
	if err := r.store.CreatePendingChild(ctx, pc); err != nil {
		return err
	}
	metrics.PendingChildren.WithLabelValues(entity.Name, string(models.ChildQueued)).Inc()
	r.logger.Info("parked child pending parents",
		logger.Entity(entity.Name),
		zap.String("key_hash", pc.ChildKeyHash),
		zap.Int("missing_parents", len(missing)))
	return nil
}

// RetryPass walks the due queue once. For each child it re-checks every
// still-missing parent downstream; when all are present the child is
// written through the normal insert path and the queue row deleted. The
// parent re-check happens immediately before the write so a parent deleted
// in the meantime cannot slip an orphan through.
func (r *Resolver) RetryPass(ctx context.Context, now time.Time, limit int) (resolved, exhausted int, err error) {
	due, err := r.store.ListDuePendingChildren(ctx, now, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, pc := range due {
		if ctx.Err() != nil {
			return resolved, exhausted, ctx.Err()
		}
		ok, rerr := r.retryOne(ctx, pc, now)
		if rerr != nil {
			r.logger.Warn("pending child retry failed",
				zap.String("id", pc.ID), zap.Error(rerr))
			continue
		}
		if ok {
			resolved++
		} else if pc.State == models.ChildExhausted {
			exhausted++
		}
	}
	return resolved, exhausted, nil
}

func (r *Resolver) retryOne(ctx context.Context, pc *models.PendingChild, now time.Time) (bool, error) {
	stillMissing, err := r.missingParents(ctx, pc)
	if err != nil {
		return false, err
	}

	if len(stillMissing) == 0 {
		if err := r.writeChild(ctx, pc); err == nil {
			if derr := r.store.DeletePendingChild(ctx, pc.ID); derr != nil {
				return false, derr
			}
			metrics.PendingChildren.WithLabelValues(pc.Entity, string(pc.State)).Dec()
			r.logger.Info("pending child resolved",
				logger.Entity(pc.Entity),
				zap.String("key_hash", pc.ChildKeyHash),
				zap.Int("retries", pc.RetryCount))
			return true, nil
		}
		// Write failed: the parent may have vanished between the check and
		// the write, or the store rejected the row. Falls through to the
		// normal retry bookkeeping.
	}

	prevState := pc.State
	pc.RetryCount++
	pc.LastAttemptAt = &now
	pc.MissingParents = stillMissing
	if pc.RetryCount >= pc.MaxRetries {
		pc.State = models.ChildExhausted
		r.logger.Warn("pending child exhausted",
			logger.Entity(pc.Entity),
			zap.String("key_hash", pc.ChildKeyHash),
			zap.Int("retries", pc.RetryCount))
	} else {
		pc.State = models.ChildRetrying
		pc.NextRetryAt = now.Add(r.Backoff(pc.RetryCount))
	}
	if prevState != pc.State {
		metrics.PendingChildren.WithLabelValues(pc.Entity, string(prevState)).Dec()
		metrics.PendingChildren.WithLabelValues(pc.Entity, string(pc.State)).Inc()
	}
	return false, r.store.UpdatePendingChild(ctx, pc)
}

// missingParents re-checks every recorded missing parent downstream and
// returns the ones still absent.
func (r *Resolver) missingParents(ctx context.Context, pc *models.PendingChild) (map[string]string, error) {
	hashesByParent := make(map[string][]string)
	for _, entityAndHash := range pc.MissingParents {
		parentEntity, hash, ok := splitParentKey(entityAndHash)
		if !ok {
			continue
		}
		hashesByParent[parentEntity] = append(hashesByParent[parentEntity], hash)
	}

	found := make(map[string]bool)
	for parentEntity, hashes := range hashesByParent {
		existing, err := r.downstream.LookupByKeyHashes(ctx, parentEntity, dedupe(hashes))
		if err != nil {
			return nil, err
		}
		for hash := range existing {
			found[parentEntity+"/"+hash] = true
		}
	}

	still := make(map[string]string)
	for refName, entityAndHash := range pc.MissingParents {
		if !found[entityAndHash] {
			still[refName] = entityAndHash
		}
	}
	return still, nil
}

func (r *Resolver) writeChild(ctx context.Context, pc *models.PendingChild) error {
	row := downstream.Row{
		KeyHash:    pc.Identity.KeyHash,
		DataHash:   pc.Identity.DataHash,
		Rowversion: pc.Identity.Rowversion,
		Fields:     pc.Payload,
	}
	results, err := r.downstream.BatchInsert(ctx, pc.Entity, []downstream.Row{row})
	if err != nil {
		return err
	}
	for _, res := range results {
		if !res.OK {
			return errors.New(errors.ErrorTypeDownstream,
				fmt.Sprintf("child rejected: %s", res.Message))
		}
	}
	return nil
}

// Stats returns the queue breakdown by state for one entity, or all
// entities when empty.
func (r *Resolver) Stats(ctx context.Context, entity string) (map[models.PendingChildState]int64, error) {
	return r.store.CountPendingChildren(ctx, entity)
}

func splitParentKey(s string) (entity, hash string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
