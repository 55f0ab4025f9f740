package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEntity() EntityConfig {
	return EntityConfig{
		Name:         "inventory_items",
		SourceSystem: "erp-prod",
		APISlug:      "InventoryItems",
		BusinessKeys: []string{"item_number"},
		Strategy:     DeltaHash,
		Enabled:      true,
		Mappings: []FieldMapping{
			{SourceField: "ItemNumber", TargetField: "item_number", Transformation: TransformUppercase, Required: true},
			{SourceField: "Description", TargetField: "description", Transformation: TransformTrim},
		},
	}
}

func TestEntityValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EntityConfig)
		wantErr string
	}{
		{"valid", func(e *EntityConfig) {}, ""},
		{"missing name", func(e *EntityConfig) { e.Name = "" }, "name is required"},
		{"missing source system", func(e *EntityConfig) { e.SourceSystem = "" }, "source_system is required"},
		{"empty business keys", func(e *EntityConfig) { e.BusinessKeys = nil }, "business_keys cannot be empty"},
		{"unknown strategy", func(e *EntityConfig) { e.Strategy = "diff" }, "unknown delta strategy"},
		{
			"rowversion strategy without field",
			func(e *EntityConfig) { e.Strategy = DeltaRowversion },
			"rowversion strategy requires rowversion_field",
		},
		{
			"rowversion strategy with field",
			func(e *EntityConfig) { e.Strategy = DeltaRowversion; e.RowversionField = "RowVersion" },
			"",
		},
		{
			"mapping without target",
			func(e *EntityConfig) { e.Mappings[0].TargetField = "" },
			"mapping needs both source and target field",
		},
		{
			"unknown transformation",
			func(e *EntityConfig) { e.Mappings[0].Transformation = "reverse" },
			"unknown transformation",
		},
		{
			"duplicate mapping",
			func(e *EntityConfig) { e.Mappings = append(e.Mappings, e.Mappings[0]) },
			"duplicate mapping",
		},
		{
			"same source mapped to two targets is allowed",
			func(e *EntityConfig) {
				e.Mappings = append(e.Mappings, FieldMapping{SourceField: "ItemNumber", TargetField: "item_code"})
			},
			"",
		},
		{
			"incomplete parent ref",
			func(e *EntityConfig) {
				e.ParentRefs = []ParentRef{{Name: "site", ParentEntity: "sites"}}
			},
			"is incomplete",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEntity()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTargetField(t *testing.T) {
	e := validEntity()
	assert.Equal(t, "item_number", e.TargetField("ItemNumber"))
	assert.Equal(t, "Unmapped", e.TargetField("Unmapped"), "unmapped fields pass through")
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Upstream.BaseURL = "https://erp.example.com/api"
		cfg.Downstream.BaseURL = "https://plan.example.com/api"
		cfg.Entities = []EntityConfig{validEntity()}
		return cfg
	}

	assert.NoError(t, base().Validate())

	t.Run("missing upstream url", func(t *testing.T) {
		cfg := base()
		cfg.Upstream.BaseURL = ""
		assert.ErrorContains(t, cfg.Validate(), "upstream.base_url")
	})

	t.Run("bad page size", func(t *testing.T) {
		cfg := base()
		cfg.Pipeline.PageSize = 0
		assert.ErrorContains(t, cfg.Validate(), "page_size")
	})

	t.Run("duplicate entity", func(t *testing.T) {
		cfg := base()
		cfg.Entities = append(cfg.Entities, validEntity())
		assert.ErrorContains(t, cfg.Validate(), "duplicate entity")
	})

	t.Run("entity error names the entity", func(t *testing.T) {
		cfg := base()
		cfg.Entities[0].BusinessKeys = nil
		assert.ErrorContains(t, cfg.Validate(), `entity "inventory_items"`)
	})
}

func TestEntityLookup(t *testing.T) {
	cfg := Default()
	cfg.Entities = []EntityConfig{validEntity()}
	require.NotNil(t, cfg.Entity("inventory_items"))
	assert.Nil(t, cfg.Entity("missing"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erpbridge.yaml")
	yaml := `
upstream:
  base_url: https://erp.example.com/api
  token_url: https://erp.example.com/oauth/token
  client_id: from-file
downstream:
  base_url: https://plan.example.com/api
pipeline:
  page_size: 250
entities:
  - name: warehouses
    source_system: erp-prod
    api_slug: Warehouses
    business_keys: [warehouse_code]
    strategy: hash
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("ERPBRIDGE_UPSTREAM_CLIENT_SECRET", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Pipeline.PageSize, "file overrides default")
	assert.Equal(t, 4, cfg.Pipeline.Workers, "unset fields keep defaults")
	assert.Equal(t, "from-file", cfg.Upstream.ClientID)
	assert.Equal(t, "env-secret", cfg.Upstream.ClientSecret, "environment overrides win for secrets")
	require.NotNil(t, cfg.Entity("warehouses"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
