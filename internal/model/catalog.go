package model

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// BenchmarkRange is an expected value range for a field, used to flag
// out-of-range extractions for clarification.
type BenchmarkRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v falls inside the range (inclusive).
func (r BenchmarkRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// FieldSpec describes one known extraction field: its value kind, how
// important it is when ranking clarifications, and an optional benchmark
// range from industry reference data.
type FieldSpec struct {
	Key        string          `yaml:"key" json:"key"`
	Label      string          `yaml:"label" json:"label"`
	Kind       FieldKind       `yaml:"kind" json:"kind"`
	Importance string          `yaml:"importance" json:"importance"`
	Required   bool            `yaml:"required,omitempty" json:"required,omitempty"`
	Benchmark  *BenchmarkRange `yaml:"benchmark,omitempty" json:"benchmark,omitempty"`
}

// importanceRank maps importance strings to numeric ranks for comparison.
// Lower rank means more important (P0 is core financials).
var importanceRank = map[string]int{
	"P0": 0,
	"P1": 1,
	"P2": 2,
	"P3": 3,
}

// ImportanceRank returns the numeric rank for the field's importance tier.
// Unrecognized tiers rank below P3.
func (f *FieldSpec) ImportanceRank() int {
	rank, ok := importanceRank[f.Importance]
	if !ok {
		return len(importanceRank)
	}
	return rank
}

// FieldCatalog is an indexed collection of field specs.
type FieldCatalog struct {
	Fields   []FieldSpec
	byKey    map[string]*FieldSpec
	required []*FieldSpec
}

// NewFieldCatalog creates a FieldCatalog with indexed lookups.
func NewFieldCatalog(fields []FieldSpec) *FieldCatalog {
	c := &FieldCatalog{
		Fields: fields,
		byKey:  make(map[string]*FieldSpec, len(fields)),
	}
	for i := range c.Fields {
		f := &c.Fields[i]
		c.byKey[f.Key] = f
		if f.Required {
			c.required = append(c.required, f)
		}
	}
	return c
}

// ByKey returns the spec for the given field key, or nil if unknown.
func (c *FieldCatalog) ByKey(key string) *FieldSpec {
	return c.byKey[key]
}

// Required returns all required field specs.
func (c *FieldCatalog) Required() []*FieldSpec {
	return c.required
}

// Kind returns the value kind for a field key. Unknown fields are treated
// as text so they conflict on exact mismatch only.
func (c *FieldCatalog) Kind(key string) FieldKind {
	if f := c.byKey[key]; f != nil {
		return f.Kind
	}
	return KindText
}

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// DefaultCatalog loads the built-in skilled-nursing field catalog.
func DefaultCatalog() (*FieldCatalog, error) {
	var raw struct {
		Fields []FieldSpec `yaml:"fields"`
	}
	if err := yaml.Unmarshal(defaultCatalogYAML, &raw); err != nil {
		return nil, eris.Wrap(err, "model: parse field catalog")
	}
	return NewFieldCatalog(raw.Fields), nil
}
