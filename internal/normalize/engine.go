package normalize

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
)

// Engine runs the five layers for one entity. It is stateless apart from
// lookup tables precomputed from the entity config, so a single instance
// serves every page of a batch.
type Engine struct {
	entity *config.EntityConfig
	logger *zap.Logger

	fieldTypes    map[string]string
	numericFields map[string]bool
	dateFields    map[string]bool
	tsFields      map[string]bool
}

// NewEngine precomputes per-field lookups from the entity config.
func NewEngine(entity *config.EntityConfig, log *zap.Logger) *Engine {
	e := &Engine{
		entity:        entity,
		logger:        log.With(logger.Component("normalize"), logger.Entity(entity.Name)),
		fieldTypes:    make(map[string]string, len(entity.FieldTypes)),
		numericFields: make(map[string]bool),
		dateFields:    make(map[string]bool),
		tsFields:      make(map[string]bool),
	}

	for field, sourceType := range entity.FieldTypes {
		t := CanonicalType(sourceType)
		e.fieldTypes[field] = t
		switch t {
		case TypeNumeric:
			e.numericFields[field] = true
		case TypeDate:
			e.dateFields[field] = true
		case TypeTimestamp:
			e.tsFields[field] = true
		}
	}

	return e
}

// NormalizeRecord runs one record through all five layers, mutating the
// result in place. Soft field failures accumulate on the result; the
// record only fails outright when a required target field ends up null.
func (e *Engine) NormalizeRecord(rr *models.RecordResult) {
	if !rr.Ok() {
		return
	}

	record := rr.Record

	// Layer 1: type coercion
	for field, value := range record {
		record[field] = CoerceValue(value, e.fieldTypes[field])
	}

	// Layer 2: string cleanup
	NormalizeStrings(record)

	// Layer 3: numeric parsing and range checks
	for field := range e.numericFields {
		value, ok := record[field]
		if !ok {
			continue
		}
		parsed, parseOK := NormalizeNumeric(value)
		if !parseOK {
			rr.AddFieldError(field, models.StageValidate, fmt.Sprintf("cannot parse %q as numeric", value))
			record[field] = nil
			continue
		}
		record[field] = parsed

		if r, declared := e.entity.NumericRanges[field]; declared {
			if err := ValidateRange(parsed, r.Min, r.Max); err != nil {
				rr.AddFieldError(field, models.StageValidate, err.Error())
			}
		}
	}

	// Layer 4: date/time parsing
	for field := range e.dateFields {
		e.normalizeTemporal(rr, record, field, true)
	}
	for field := range e.tsFields {
		e.normalizeTemporal(rr, record, field, false)
	}

	rr.Normalized = record.Clone()

	// Layer 5: field mapping
	mapped, missing := MapRecord(record, e.entity)
	rr.Record = mapped

	if len(missing) > 0 {
		rr.Fail(models.StageMap, fmt.Sprintf("required fields null after mapping: %v", missing))
	}
}

func (e *Engine) normalizeTemporal(rr *models.RecordResult, record map[string]any, field string, dateOnly bool) {
	value, ok := record[field]
	if !ok {
		return
	}

	var parsed any
	var parseOK bool
	if dateOnly {
		parsed, parseOK = NormalizeDateOnly(value)
	} else {
		parsed, parseOK = NormalizeDateTime(value)
	}
	if !parseOK {
		rr.AddFieldError(field, models.StageMap, fmt.Sprintf("cannot parse %q as date/time", value))
		record[field] = nil
		return
	}
	record[field] = parsed
}

// NormalizeBatch runs every live record in the page through the layers.
// Failed records keep their failure; mixed pages are expected.
func (e *Engine) NormalizeBatch(results []*models.RecordResult) {
	failed := 0
	for _, rr := range results {
		e.NormalizeRecord(rr)
		if !rr.Ok() {
			failed++
		}
	}
	if failed > 0 {
		e.logger.Debug("normalization rejected records",
			zap.Int("failed", failed),
			zap.Int("total", len(results)))
	}
}
