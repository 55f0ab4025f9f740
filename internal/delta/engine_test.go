package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/planhub/erpbridge/internal/identity"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/models"
)

func hashEntity() *config.EntityConfig {
	return &config.EntityConfig{
		Name:         "item",
		SourceSystem: "erp-test",
		BusinessKeys: []string{"code"},
		Strategy:     config.DeltaHash,
		Enabled:      true,
	}
}

func rowversionEntity() *config.EntityConfig {
	e := hashEntity()
	e.Strategy = config.DeltaRowversion
	e.RowversionField = "rowversion"
	return e
}

func identified(t *testing.T, entity *config.EntityConfig, rec models.Record) *models.RecordResult {
	t.Helper()
	rr := &models.RecordResult{Raw: rec, Record: rec}
	identity.NewEngine(entity, zaptest.NewLogger(t)).Identify(rr)
	require.True(t, rr.Ok())
	return rr
}

func stored(t *testing.T, entity *config.EntityConfig, uid string, rec models.Record) models.StoredIdentity {
	t.Helper()
	rr := identified(t, entity, rec)
	return models.StoredIdentity{
		UID:        uid,
		KeyHash:    rr.Identity.KeyHash,
		DataHash:   rr.Identity.DataHash,
		Rowversion: rr.Identity.Rowversion,
	}
}

func TestClassifyFirstLoad(t *testing.T) {
	entity := hashEntity()
	engine := NewEngine(entity, zaptest.NewLogger(t))

	results := []*models.RecordResult{
		identified(t, entity, models.Record{"code": "A", "qty": int64(1)}),
		identified(t, entity, models.Record{"code": "B", "qty": int64(2)}),
		identified(t, entity, models.Record{"code": "C", "qty": int64(3)}),
	}

	out := engine.Classify(results, nil, models.SyncModeFull)
	assert.Equal(t, 3, out.Inserts)
	assert.Equal(t, 0, out.Updates)
	assert.Equal(t, 0, out.Skips)
}

func TestClassifyHashStrategy(t *testing.T) {
	entity := hashEntity()
	engine := NewEngine(entity, zaptest.NewLogger(t))

	unchanged := models.Record{"code": "A", "qty": int64(1)}
	changed := models.Record{"code": "B", "qty": int64(2)}

	existing := map[string]models.StoredIdentity{}
	for uid, rec := range map[string]models.Record{
		"uid-a": unchanged,
		"uid-b": {"code": "B", "qty": int64(99)},
	} {
		id := stored(t, entity, uid, rec)
		existing[id.KeyHash] = id
	}

	results := []*models.RecordResult{
		identified(t, entity, unchanged),
		identified(t, entity, changed),
		identified(t, entity, models.Record{"code": "NEW", "qty": int64(0)}),
	}

	out := engine.Classify(results, existing, models.SyncModeIncremental)
	assert.Equal(t, 1, out.Inserts)
	assert.Equal(t, 1, out.Updates)
	assert.Equal(t, 1, out.Skips)

	t.Run("steady state skips everything", func(t *testing.T) {
		all := map[string]models.StoredIdentity{}
		recs := []models.Record{
			{"code": "A", "qty": int64(1)},
			{"code": "B", "qty": int64(2)},
		}
		var results []*models.RecordResult
		for i, rec := range recs {
			id := stored(t, entity, string(rune('a'+i)), rec)
			all[id.KeyHash] = id
			results = append(results, identified(t, entity, rec))
		}

		out := engine.Classify(results, all, models.SyncModeIncremental)
		assert.Equal(t, 0, out.Inserts)
		assert.Equal(t, 0, out.Updates)
		assert.Equal(t, 2, out.Skips)
		assert.Equal(t, 1.0, out.SkipRate())
	})
}

func TestClassifyRowversionStrategy(t *testing.T) {
	entity := rowversionEntity()
	engine := NewEngine(entity, zaptest.NewLogger(t))

	t.Run("rowversion is authoritative even when data matches", func(t *testing.T) {
		rec := models.Record{"code": "A", "qty": int64(1), "rowversion": "101"}
		old := stored(t, entity, "uid-a", models.Record{"code": "A", "qty": int64(1), "rowversion": "100"})

		rr := identified(t, entity, rec)
		out := engine.Classify([]*models.RecordResult{rr},
			map[string]models.StoredIdentity{old.KeyHash: old}, models.SyncModeIncremental)

		assert.Equal(t, 1, out.Updates)
	})

	t.Run("same rowversion skips", func(t *testing.T) {
		rec := models.Record{"code": "A", "qty": int64(5), "rowversion": "100"}
		old := stored(t, entity, "uid-a", models.Record{"code": "A", "qty": int64(1), "rowversion": "100"})

		rr := identified(t, entity, rec)
		out := engine.Classify([]*models.RecordResult{rr},
			map[string]models.StoredIdentity{old.KeyHash: old}, models.SyncModeIncremental)

		assert.Equal(t, 1, out.Skips)
	})

	t.Run("missing rowversion falls back to hash per record", func(t *testing.T) {
		rec := models.Record{"code": "A", "qty": int64(2)}
		old := stored(t, entity, "uid-a", models.Record{"code": "A", "qty": int64(1)})

		rr := identified(t, entity, rec)
		out := engine.Classify([]*models.RecordResult{rr},
			map[string]models.StoredIdentity{old.KeyHash: old}, models.SyncModeIncremental)

		assert.Equal(t, 1, out.Updates)
	})
}

func TestClassifySkipsFailedRecords(t *testing.T) {
	entity := hashEntity()
	engine := NewEngine(entity, zaptest.NewLogger(t))

	bad := &models.RecordResult{Record: models.Record{"qty": int64(1)}}
	bad.Fail(models.StageIdentity, "no key")

	out := engine.Classify([]*models.RecordResult{bad}, nil, models.SyncModeIncremental)
	assert.Empty(t, out.Classified)
}

func TestNeedsLookup(t *testing.T) {
	engine := NewEngine(hashEntity(), zaptest.NewLogger(t))
	assert.False(t, engine.NeedsLookup(models.SyncModeFull))
	assert.True(t, engine.NeedsLookup(models.SyncModeIncremental))
	assert.True(t, engine.NeedsLookup(models.SyncModeBackground))
}

func TestDetectDeletes(t *testing.T) {
	entity := hashEntity()
	engine := NewEngine(entity, zaptest.NewLogger(t))

	kept := stored(t, entity, "uid-a", models.Record{"code": "A"})
	gone := stored(t, entity, "uid-b", models.Record{"code": "B"})

	deletes := engine.DetectDeletes(
		map[string]bool{kept.KeyHash: true},
		map[string]models.StoredIdentity{
			kept.KeyHash: kept,
			gone.KeyHash: gone,
		})

	require.Len(t, deletes, 1)
	assert.Equal(t, "uid-b", deletes[0].UID)
}
