package pipeline

import (
	"math"
	"sort"
	"strings"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// detector applies the conflict policy to one slot at a time. Numeric
// kinds compare the new value against the median of prior proposals;
// text kinds conflict on inequality alone.
type detector struct {
	cfg     config.ReconcileConfig
	catalog *model.FieldCatalog
}

// evaluation is the detector's verdict on a newly proposed value for a
// slot that already has an accepted one.
type evaluation struct {
	// conflict is false when the proposal corroborates the accepted value.
	conflict bool

	variance float64
	severity model.Severity

	// resolved means the confidence gap settled the disagreement; winner
	// becomes the accepted value and the conflict is recorded resolved.
	resolved bool
	winner   model.ExtractedField
}

// evaluate compares a new proposal against the slot's accepted value.
// The incoming field must already be appended to slot.History.
func (d *detector) evaluate(slot *model.FieldSlot, incoming model.ExtractedField) evaluation {
	accepted := *slot.Accepted

	gap := math.Abs(incoming.Confidence - accepted.Confidence)
	winner := accepted
	if incoming.Confidence > accepted.Confidence {
		winner = incoming
	}

	if d.catalog.Kind(incoming.Field).Numeric() {
		newVal, newOK := incoming.Numeric()
		accVal, accOK := accepted.Numeric()
		if newOK && accOK {
			if newVal == accVal {
				return evaluation{}
			}

			med := median(priorValues(slot, incoming))
			variance := relativeVariance(newVal, med)

			// Near-identical values corroborate unless the confidence gap
			// is wide enough to record which source won.
			if variance < d.cfg.VarianceFloor && gap < d.cfg.ConfidenceMargin {
				return evaluation{}
			}

			ev := evaluation{
				conflict: true,
				variance: variance,
				severity: d.severityFor(variance),
				winner:   winner,
			}
			if gap >= d.cfg.ConfidenceMargin && variance < d.cfg.HighBand {
				ev.resolved = true
			}
			return ev
		}
	}

	if categoricalEqual(incoming.Value, accepted.Value) {
		return evaluation{}
	}
	ev := evaluation{
		conflict: true,
		severity: model.SeverityMedium,
		winner:   winner,
	}
	if gap >= d.cfg.ConfidenceMargin {
		ev.resolved = true
	}
	return ev
}

// severityFor maps a relative variance onto a severity band.
func (d *detector) severityFor(variance float64) model.Severity {
	switch {
	case variance < d.cfg.MediumBand:
		return model.SeverityLow
	case variance < d.cfg.HighBand:
		return model.SeverityMedium
	case variance < d.cfg.CriticalBand:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

// priorValues collects the numeric history of a slot excluding the
// incoming proposal, which sits at the end of History.
func priorValues(slot *model.FieldSlot, incoming model.ExtractedField) []float64 {
	history := slot.History
	if n := len(history); n > 0 && history[n-1].DocumentID == incoming.DocumentID {
		history = history[:n-1]
	}
	vals := make([]float64, 0, len(history))
	for _, f := range history {
		if v, ok := f.Numeric(); ok {
			vals = append(vals, v)
		}
	}
	return vals
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// relativeVariance is |v - med| / |med|. A zero median with a nonzero
// value counts as full variance.
func relativeVariance(v, med float64) float64 {
	if med == 0 {
		if v == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(v-med) / math.Abs(med)
}

func categoricalEqual(a, b any) bool {
	return strings.EqualFold(
		strings.TrimSpace(model.ValueString(a)),
		strings.TrimSpace(model.ValueString(b)),
	)
}

// moreSevere returns the higher-ranked of two severities.
func moreSevere(a, b model.Severity) model.Severity {
	if a.Rank() < b.Rank() {
		return a
	}
	return b
}
