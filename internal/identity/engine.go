package identity

import (
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
)

// Engine attaches identities to normalized records for one entity.
type Engine struct {
	entity *config.EntityConfig
	logger *zap.Logger

	// businessKeys and rowversionField are the declared fields resolved
	// through the entity's mappings, since identity runs after mapping
	// renamed them. Declared order is preserved.
	businessKeys    []string
	rowversionField string
}

// NewEngine creates the identity engine for an entity.
func NewEngine(entity *config.EntityConfig, log *zap.Logger) *Engine {
	keys := make([]string, len(entity.BusinessKeys))
	for i, k := range entity.BusinessKeys {
		keys[i] = entity.TargetField(k)
	}

	rvField := ""
	if entity.RowversionField != "" {
		rvField = entity.TargetField(entity.RowversionField)
	}

	return &Engine{
		entity:          entity,
		logger:          log.With(logger.Component("identity"), logger.Entity(entity.Name)),
		businessKeys:    keys,
		rowversionField: rvField,
	}
}

// Identify computes the identity for one live record. A record whose
// business key cannot be hashed fails at the identity stage; everything
// downstream needs the key hash.
func (e *Engine) Identify(rr *models.RecordResult) {
	if !rr.Ok() {
		return
	}

	keyHash, err := BusinessKeyHash(rr.Record, e.businessKeys, e.entity.Name)
	if err != nil {
		rr.Fail(models.StageIdentity, err.Error())
		return
	}

	rr.Identity = &models.RecordIdentity{
		KeyHash:    keyHash,
		DataHash:   DataHash(rr.Record, nil),
		Rowversion: ExtractRowversion(rr.Record, e.rowversionField),
		Ref:        Ref(rr.Record, e.businessKeys),
	}
}

// IdentifyBatch computes identities for every live record in the page.
func (e *Engine) IdentifyBatch(results []*models.RecordResult) {
	failed := 0
	for _, rr := range results {
		e.Identify(rr)
		if !rr.Ok() {
			failed++
		}
	}
	if failed > 0 {
		e.logger.Debug("identity rejected records", zap.Int("failed", failed))
	}
}
