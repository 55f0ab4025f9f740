// Package delta classifies identified records against what the planning
// store already holds: insert, update, skip, or delete. Strategy is
// per-entity; the skip rate it reports is the primary steady-state health
// signal for a sync.
package delta

import (
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/metrics"
	"github.com/planhub/erpbridge/pkg/models"
)

// Operation is a delta classification.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSkip   Operation = "skip"
)

// Classified pairs a live record with its operation. Updates carry the
// stored row's UID so the ingest stage can address it.
type Classified struct {
	Result      *models.RecordResult
	Op          Operation
	ExistingUID string
}

// Outcome is the classification of one page.
type Outcome struct {
	Classified []Classified
	Inserts    int
	Updates    int
	Skips      int
}

// SkipRate returns the fraction of classified records that were skips.
func (o *Outcome) SkipRate() float64 {
	total := o.Inserts + o.Updates + o.Skips
	if total == 0 {
		return 0
	}
	return float64(o.Skips) / float64(total)
}

// Engine classifies pages for one entity.
type Engine struct {
	entity *config.EntityConfig
	logger *zap.Logger
}

// NewEngine creates the delta engine for an entity.
func NewEngine(entity *config.EntityConfig, log *zap.Logger) *Engine {
	return &Engine{
		entity: entity,
		logger: log.With(logger.Component("delta"), logger.Entity(entity.Name)),
	}
}

// NeedsLookup reports whether the strategy reads existing identities.
// Full loads never look anything up.
func (e *Engine) NeedsLookup(mode models.SyncMode) bool {
	return e.strategyFor(mode) != config.DeltaFull
}

// strategyFor resolves the effective strategy: a full-mode batch forces
// the full strategy regardless of the entity's configured one.
func (e *Engine) strategyFor(mode models.SyncMode) config.DeltaStrategy {
	if mode == models.SyncModeFull {
		return config.DeltaFull
	}
	return e.entity.Strategy
}

// Classify runs the entity's strategy over a page of identified records.
// existing maps key hash to the stored identity; records the engine never
// saw downstream classify as inserts. Failed records pass through
// unclassified.
func (e *Engine) Classify(results []*models.RecordResult, existing map[string]models.StoredIdentity, mode models.SyncMode) *Outcome {
	strategy := e.strategyFor(mode)
	out := &Outcome{Classified: make([]Classified, 0, len(results))}

	for _, rr := range results {
		if !rr.Ok() || rr.Identity == nil {
			continue
		}

		c := e.classifyOne(rr, existing, strategy)
		out.Classified = append(out.Classified, c)

		switch c.Op {
		case OpInsert:
			out.Inserts++
		case OpUpdate:
			out.Updates++
		case OpSkip:
			out.Skips++
		}
		metrics.DeltaOperations.WithLabelValues(e.entity.Name, string(c.Op)).Inc()
	}

	return out
}

func (e *Engine) classifyOne(rr *models.RecordResult, existing map[string]models.StoredIdentity, strategy config.DeltaStrategy) Classified {
	if strategy == config.DeltaFull {
		return Classified{Result: rr, Op: OpInsert}
	}

	stored, found := existing[rr.Identity.KeyHash]
	if !found {
		return Classified{Result: rr, Op: OpInsert}
	}

	switch strategy {
	case config.DeltaRowversion:
		// A record arriving without a rowversion falls back to the hash
		// comparison for that record only.
		if rr.Identity.Rowversion == "" || stored.Rowversion == "" {
			return e.classifyByHash(rr, stored)
		}
		// Rowversion is authoritative: a differing rowversion is an
		// update even when the data hash happens to match, and vice
		// versa.
		if identity.CompareRowversions(rr.Identity.Rowversion, stored.Rowversion) != 0 {
			return Classified{Result: rr, Op: OpUpdate, ExistingUID: stored.UID}
		}
		return Classified{Result: rr, Op: OpSkip, ExistingUID: stored.UID}

	default:
		return e.classifyByHash(rr, stored)
	}
}

func (e *Engine) classifyByHash(rr *models.RecordResult, stored models.StoredIdentity) Classified {
	if rr.Identity.DataHash != stored.DataHash {
		return Classified{Result: rr, Op: OpUpdate, ExistingUID: stored.UID}
	}
	return Classified{Result: rr, Op: OpSkip, ExistingUID: stored.UID}
}

// DetectDeletes returns the stored identities whose key hashes never
// appeared across a complete source extraction. Only meaningful after a
// full-table pass; an incremental page is not a complete view of the
// source, so callers must not feed incremental batches here.
func (e *Engine) DetectDeletes(seenKeyHashes map[string]bool, stored map[string]models.StoredIdentity) []models.StoredIdentity {
	var deletes []models.StoredIdentity
	for keyHash, id := range stored {
		if !seenKeyHashes[keyHash] {
			deletes = append(deletes, id)
			metrics.DeltaOperations.WithLabelValues(e.entity.Name, string(OpDelete)).Inc()
		}
	}

	if len(deletes) > 0 {
		e.logger.Info("delete detection flagged rows",
			zap.Int("deletes", len(deletes)),
			zap.Int("stored_total", len(stored)))
	}
	return deletes
}
