// Package extract wraps the LLM-backed field extraction collaborator. It
// turns parsed documents into extracted field sets with confidences, and
// classifies documents when the caller does not supply a type.
package extract

import (
	"context"

	"github.com/hammy15/snfalyze-sub014/internal/ingest"
	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// Result is the extractor output for one document.
type Result struct {
	Facility          model.FacilityHint     `json:"facility"`
	Period            model.PeriodKey        `json:"period"`
	Fields            []model.ExtractedField `json:"fields"`
	DetectedType      model.DocumentType     `json:"detected_type"`
	OverallConfidence float64                `json:"overall_confidence"`
}

// Extractor defines the field extraction operations used by the pipeline.
// Implementations must return resilience.ProviderUnavailable-wrapped errors
// for retryable failures and resilience.ErrInvalidResponse for unparseable
// provider output.
type Extractor interface {
	// DetectType classifies a document when the caller supplied no type.
	DetectType(ctx context.Context, doc *ingest.Document) (model.DocumentType, error)

	// Extract pulls structured fields from the document using the
	// instruction profile for docType.
	Extract(ctx context.Context, docType model.DocumentType, doc *ingest.Document) (*Result, error)
}
