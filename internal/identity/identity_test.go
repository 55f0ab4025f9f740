package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/models"
)

func TestBusinessKeyHash(t *testing.T) {
	keys := []string{"item_number", "site_code"}
	record := models.Record{"item_number": "PART-12345", "site_code": "SITE-A", "qty": int64(5)}

	t.Run("deterministic", func(t *testing.T) {
		a, err := BusinessKeyHash(record, keys, "item")
		require.NoError(t, err)
		b, err := BusinessKeyHash(record.Clone(), keys, "item")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.True(t, ValidKeyHash(a))
	})

	t.Run("declared order matters", func(t *testing.T) {
		a, err := BusinessKeyHash(record, []string{"item_number", "site_code"}, "item")
		require.NoError(t, err)
		b, err := BusinessKeyHash(record, []string{"site_code", "item_number"}, "item")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("entity name separates namespaces", func(t *testing.T) {
		a, err := BusinessKeyHash(record, keys, "item")
		require.NoError(t, err)
		b, err := BusinessKeyHash(record, keys, "warehouse")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("null key field is an error", func(t *testing.T) {
		_, err := BusinessKeyHash(models.Record{"item_number": nil, "site_code": "S"}, keys, "item")
		assert.Error(t, err)
	})

	t.Run("missing key field is an error", func(t *testing.T) {
		_, err := BusinessKeyHash(models.Record{"site_code": "S"}, keys, "item")
		assert.Error(t, err)
	})

	t.Run("empty key list is an error", func(t *testing.T) {
		_, err := BusinessKeyHash(record, nil, "item")
		assert.Error(t, err)
	})
}

func TestDataHash(t *testing.T) {
	t.Run("field insertion order never changes the hash", func(t *testing.T) {
		a := DataHash(models.Record{"a": int64(1), "b": "x", "c": true}, nil)

		r := models.Record{}
		r["c"] = true
		r["a"] = int64(1)
		r["b"] = "x"
		assert.Equal(t, a, DataHash(r, nil))
	})

	t.Run("metadata fields are excluded", func(t *testing.T) {
		base := models.Record{"name": "widget"}
		withMeta := models.Record{
			"name":          "widget",
			"uid":           "u-1",
			"updated_at":    "2024-01-01T00:00:00Z",
			"erp_key_hash":  "abc",
			"erp_data_hash": "def",
		}
		assert.Equal(t, DataHash(base, nil), DataHash(withMeta, nil))
	})

	t.Run("null fields are skipped", func(t *testing.T) {
		assert.Equal(t,
			DataHash(models.Record{"name": "widget"}, nil),
			DataHash(models.Record{"name": "widget", "notes": nil}, nil))
	})

	t.Run("equivalent numeric forms hash alike", func(t *testing.T) {
		assert.Equal(t,
			DataHash(models.Record{"qty": int64(10)}, nil),
			DataHash(models.Record{"qty": 10.0}, nil))
	})

	t.Run("value change changes the hash", func(t *testing.T) {
		assert.NotEqual(t,
			DataHash(models.Record{"qty": int64(10)}, nil),
			DataHash(models.Record{"qty": int64(11)}, nil))
	})

	t.Run("64 hex characters", func(t *testing.T) {
		assert.Len(t, DataHash(models.Record{"a": "b"}, nil), 64)
	})
}

func TestCompareRowversions(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"numeric tokens", "100", "99", 1},
		{"equal numeric", "42", "42", 0},
		{"timestamps", "2024-03-15T10:00:00Z", "2024-03-15T09:00:00Z", 1},
		{"empty sorts first", "", "1", -1},
		{"both empty", "", "", 0},
		{"lexicographic fallback", "abc", "abd", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareRowversions(tt.a, tt.b))
		})
	}
}

func TestMaxRowversion(t *testing.T) {
	assert.Equal(t, "100", MaxRowversion("100", "99"))
	assert.Equal(t, "100", MaxRowversion("", "100"))
	assert.Equal(t, "", MaxRowversion("", ""))
}

func TestEngineIdentify(t *testing.T) {
	entity := &config.EntityConfig{
		Name:            "item",
		SourceSystem:    "erp-test",
		BusinessKeys:    []string{"ITEM_NO"},
		RowversionField: "ROWVERSION",
		Strategy:        config.DeltaRowversion,
		Enabled:         true,
		Mappings: []config.FieldMapping{
			{SourceField: "ITEM_NO", TargetField: "item_number", Required: true},
			{SourceField: "ROWVERSION", TargetField: "rowversion"},
		},
	}
	engine := NewEngine(entity, zaptest.NewLogger(t))

	t.Run("resolves business keys through the mapping", func(t *testing.T) {
		rr := &models.RecordResult{Record: models.Record{
			"item_number": "PART-1",
			"rowversion":  "12345",
			"description": "widget",
		}}
		engine.Identify(rr)

		require.True(t, rr.Ok())
		require.NotNil(t, rr.Identity)
		assert.True(t, ValidKeyHash(rr.Identity.KeyHash))
		assert.Equal(t, "12345", rr.Identity.Rowversion)
		assert.Equal(t, "item_number=PART-1", rr.Identity.Ref)
	})

	t.Run("unhashable record fails at identity", func(t *testing.T) {
		rr := &models.RecordResult{Record: models.Record{"description": "no key"}}
		engine.Identify(rr)

		require.False(t, rr.Ok())
		assert.Equal(t, models.StageIdentity, rr.FailedStage)
	})

	t.Run("identity stable across retries", func(t *testing.T) {
		rec := models.Record{"item_number": "PART-2", "rowversion": "7", "qty": int64(3)}
		a := &models.RecordResult{Record: rec.Clone()}
		b := &models.RecordResult{Record: rec.Clone()}
		engine.Identify(a)
		engine.Identify(b)

		require.True(t, a.Ok())
		require.True(t, b.Ok())
		assert.Equal(t, a.Identity.KeyHash, b.Identity.KeyHash)
		assert.Equal(t, a.Identity.DataHash, b.Identity.DataHash)
	})
}
