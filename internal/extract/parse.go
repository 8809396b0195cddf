package extract

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// decodeJSON unmarshals cleaned response text, mapping failures onto
// ErrInvalidResponse so the dispatcher treats them as fatal per-task.
func decodeJSON(text string, out any) error {
	cleaned := cleanJSON(text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return eris.Wrapf(resilience.ErrInvalidResponse, "extract: parse response: %v", err)
	}
	return nil
}

// wireResult is the JSON shape the extraction prompt requests.
type wireResult struct {
	Facility struct {
		Name         string `json:"name"`
		CCN          string `json:"ccn"`
		LicensedBeds *int   `json:"licensed_beds"`
	} `json:"facility"`
	Period struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`
	Fields []struct {
		Field      string  `json:"field"`
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
		Excerpt    string  `json:"excerpt"`
	} `json:"fields"`
	OverallConfidence float64 `json:"overall_confidence"`
}

// decodeResult parses the extraction response and drops fields the model
// invented outside the catalog or answered with null.
func decodeResult(text string, docType model.DocumentType, catalog *model.FieldCatalog) (*Result, error) {
	var wire wireResult
	if err := decodeJSON(text, &wire); err != nil {
		return nil, err
	}

	if wire.Facility.Name == "" {
		return nil, eris.Wrap(resilience.ErrInvalidResponse, "extract: response missing facility name")
	}

	start, err := parseDate(wire.Period.Start)
	if err != nil {
		return nil, eris.Wrapf(resilience.ErrInvalidResponse, "extract: bad period start %q", wire.Period.Start)
	}
	end, err := parseDate(wire.Period.End)
	if err != nil {
		return nil, eris.Wrapf(resilience.ErrInvalidResponse, "extract: bad period end %q", wire.Period.End)
	}
	if end.Before(start) {
		return nil, eris.Wrapf(resilience.ErrInvalidResponse, "extract: period ends before it starts (%s..%s)",
			wire.Period.Start, wire.Period.End)
	}

	result := &Result{
		Facility: model.FacilityHint{
			Name: wire.Facility.Name,
			CCN:  wire.Facility.CCN,
		},
		Period:            model.PeriodKey{Start: start, End: end},
		DetectedType:      docType,
		OverallConfidence: clamp01(wire.OverallConfidence),
	}
	if wire.Facility.LicensedBeds != nil {
		result.Facility.LicensedBeds = *wire.Facility.LicensedBeds
	}

	var dropped int
	for _, f := range wire.Fields {
		if f.Value == nil {
			continue
		}
		if catalog.ByKey(f.Field) == nil {
			dropped++
			continue
		}
		result.Fields = append(result.Fields, model.ExtractedField{
			Field:      f.Field,
			Value:      f.Value,
			Confidence: clamp01(f.Confidence),
			Excerpt:    f.Excerpt,
			Source:     model.SourceDocument,
		})
	}
	if dropped > 0 {
		zap.L().Debug("extract: dropped fields outside catalog",
			zap.Int("dropped", dropped),
			zap.String("facility", wire.Facility.Name),
		)
	}

	return result, nil
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
