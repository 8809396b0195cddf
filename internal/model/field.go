package model

import (
	"fmt"
	"strconv"
	"strings"
)

// DocumentType classifies a source document and selects the extraction
// instruction profile.
type DocumentType string

const (
	DocFinancialStatement DocumentType = "financial_statement"
	DocCensusReport       DocumentType = "census_report"
	DocRentRoll           DocumentType = "rent_roll"
	DocStaffingReport     DocumentType = "staffing_report"
	DocSurveyReport       DocumentType = "survey_report"
	DocOfferingMemo       DocumentType = "offering_memo"
	DocOther              DocumentType = "other"
)

// FieldKind determines how values are compared during conflict detection.
// Numeric kinds use relative variance; text uses exact mismatch.
type FieldKind string

const (
	KindCurrency FieldKind = "currency"
	KindPercent  FieldKind = "percent"
	KindCount    FieldKind = "count"
	KindText     FieldKind = "text"
)

// Numeric reports whether values of this kind are compared by variance.
func (k FieldKind) Numeric() bool {
	return k == KindCurrency || k == KindPercent || k == KindCount
}

// SourceKind distinguishes extracted values from user-resolved ones.
type SourceKind string

const (
	SourceDocument SourceKind = "document"
	SourceUser     SourceKind = "user"
)

// ExtractedField is a single (field, value, confidence) tuple attached to
// exactly one document task result. Confidence is in [0,1].
type ExtractedField struct {
	Field      string     `json:"field"`
	Value      any        `json:"value"`
	Confidence float64    `json:"confidence"`
	DocumentID string     `json:"document_id"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Source     SourceKind `json:"source"`
}

// Numeric returns the field value as a float64 when it can be coerced.
// Strings are cleaned of currency symbols, commas, and percent signs first.
func (f ExtractedField) Numeric() (float64, bool) {
	return ToFloat(f.Value)
}

// ToFloat coerces common extraction value shapes to a float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.TrimSuffix(cleaned, "%")
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ValueString renders a field value for display and categorical comparison.
func ValueString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
