package config

import (
	"fmt"
)

// DeltaStrategy selects how the delta engine classifies records for an
// entity.
type DeltaStrategy string

const (
	// DeltaFull treats every incoming record as an insert; no lookups.
	DeltaFull DeltaStrategy = "full"
	// DeltaRowversion compares source rowversion tokens, falling back to
	// the data hash for records missing one.
	DeltaRowversion DeltaStrategy = "rowversion"
	// DeltaHash compares data hashes.
	DeltaHash DeltaStrategy = "hash"
)

// Transformation names the closed set of field transformations the mapping
// layer can apply.
type Transformation string

const (
	TransformNone         Transformation = ""
	TransformUppercase    Transformation = "uppercase"
	TransformLowercase    Transformation = "lowercase"
	TransformTrim         Transformation = "trim"
	TransformTitleCase    Transformation = "title_case"
	TransformCapitalize   Transformation = "capitalize"
	TransformStripSpace   Transformation = "strip_whitespace"
	TransformStripSpecial Transformation = "remove_special_chars"
)

// validTransformations is the closed enum checked at load time.
var validTransformations = map[Transformation]bool{
	TransformNone:         true,
	TransformUppercase:    true,
	TransformLowercase:    true,
	TransformTrim:         true,
	TransformTitleCase:    true,
	TransformCapitalize:   true,
	TransformStripSpace:   true,
	TransformStripSpecial: true,
}

// FieldMapping maps one source field to one target field.
// (entity, source field, target field) is unique.
type FieldMapping struct {
	SourceField    string         `yaml:"source_field" json:"source_field"`
	TargetField    string         `yaml:"target_field" json:"target_field"`
	Transformation Transformation `yaml:"transformation,omitempty" json:"transformation,omitempty"`
	// DefaultValue substitutes when the source value is null
	DefaultValue any `yaml:"default_value,omitempty" json:"default_value,omitempty"`
	// Required flags the record invalid when the target ends up null
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}

// ParentRef declares one parent reference of a child entity. The child
// field's value, hashed with the parent's business key, must exist
// downstream before the child may be written.
type ParentRef struct {
	// Name labels the reference (e.g. "site", "work_area")
	Name string `yaml:"name" json:"name"`
	// ParentEntity is the entity the reference points at
	ParentEntity string `yaml:"parent_entity" json:"parent_entity"`
	// ParentField is the parent's business-key field
	ParentField string `yaml:"parent_field" json:"parent_field"`
	// ChildField is the field on the child carrying the parent's key value
	ChildField string `yaml:"child_field" json:"child_field"`
}

// NumericRange is an optional min/max check applied by the numeric layer.
// Violations are soft per-field failures.
type NumericRange struct {
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// EntityConfig is the strongly-typed per-entity sync configuration,
// validated at load time rather than ad hoc inside the normalization
// layers.
type EntityConfig struct {
	// Name identifies the entity (e.g. "inventory_items")
	Name string `yaml:"name" json:"name"`
	// SourceSystem identifies the upstream system
	SourceSystem string `yaml:"source_system" json:"source_system"`
	// APISlug is the upstream API path segment for this entity
	APISlug string `yaml:"api_slug" json:"api_slug"`
	// BusinessKeys lists the fields forming the business key, in the
	// declared order used by the key hash. Stable once records exist;
	// changing it invalidates prior identity hashes.
	BusinessKeys []string `yaml:"business_keys" json:"business_keys"`
	// RowversionField names the source change token field, if any
	RowversionField string `yaml:"rowversion_field,omitempty" json:"rowversion_field,omitempty"`
	// Strategy selects the delta classification strategy
	Strategy DeltaStrategy `yaml:"strategy" json:"strategy"`
	// Enabled gates the entity for syncs and scheduling
	Enabled bool `yaml:"enabled" json:"enabled"`
	// FieldTypes maps source field names to source type tags
	// (string/char/large_text/numeric/date/timestamp/binary/boolean,
	// plus the upstream's native aliases)
	FieldTypes map[string]string `yaml:"field_types,omitempty" json:"field_types,omitempty"`
	// NumericRanges holds optional per-field range checks
	NumericRanges map[string]NumericRange `yaml:"numeric_ranges,omitempty" json:"numeric_ranges,omitempty"`
	// Mappings are the field mappings applied at the final layer
	Mappings []FieldMapping `yaml:"mappings" json:"mappings"`
	// ParentRefs declares the entity's parent references
	ParentRefs []ParentRef `yaml:"parent_refs,omitempty" json:"parent_refs,omitempty"`
}

// Validate checks the entity configuration. Called at load time; the
// pipeline assumes a validated config.
func (e *EntityConfig) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e.SourceSystem == "" {
		return fmt.Errorf("source_system is required")
	}
	if len(e.BusinessKeys) == 0 {
		return fmt.Errorf("business_keys cannot be empty")
	}
	switch e.Strategy {
	case DeltaFull, DeltaRowversion, DeltaHash:
	default:
		return fmt.Errorf("unknown delta strategy %q", e.Strategy)
	}
	if e.Strategy == DeltaRowversion && e.RowversionField == "" {
		return fmt.Errorf("rowversion strategy requires rowversion_field")
	}

	seen := make(map[string]bool, len(e.Mappings))
	for _, m := range e.Mappings {
		if m.SourceField == "" || m.TargetField == "" {
			return fmt.Errorf("mapping needs both source and target field")
		}
		if !validTransformations[m.Transformation] {
			return fmt.Errorf("unknown transformation %q for field %s", m.Transformation, m.SourceField)
		}
		key := m.SourceField + "\x00" + m.TargetField
		if seen[key] {
			return fmt.Errorf("duplicate mapping %s -> %s", m.SourceField, m.TargetField)
		}
		seen[key] = true
	}

	for _, p := range e.ParentRefs {
		if p.Name == "" || p.ParentEntity == "" || p.ParentField == "" || p.ChildField == "" {
			return fmt.Errorf("parent ref %q is incomplete", p.Name)
		}
	}
	return nil
}

// TargetField returns the mapped target name for a source field, or the
// source name itself when no mapping exists.
func (e *EntityConfig) TargetField(source string) string {
	for _, m := range e.Mappings {
		if m.SourceField == source {
			return m.TargetField
		}
	}
	return source
}
