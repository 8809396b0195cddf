package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// GenerateClarifications scans current state and creates or refreshes
// pending clarification requests. It is idempotent per slot: re-running
// with unchanged inputs creates nothing new, and reproduced conflicts only
// refresh the existing request's suggested values.
//
// includeMissing adds required-field gap checks, which only make sense
// once the whole batch has been merged.
//
// Concurrent runs are serialized so two workers finishing together cannot
// both claim an unrepresented slot.
func (a *Aggregator) GenerateClarifications(ctx context.Context, includeMissing bool) ([]*model.Clarification, error) {
	a.genMu.Lock()
	defer a.genMu.Unlock()

	staged := a.stageClarifications(includeMissing)

	var created []*model.Clarification
	for _, entry := range staged {
		if err := a.store.SaveClarification(ctx, entry.clar); err != nil {
			return created, eris.Wrapf(err, "clarify: save clarification %s (field %s, period %s)",
				entry.clar.ID, entry.clar.Field, entry.clar.PeriodKey)
		}
		a.mu.Lock()
		a.clarifications[entry.clar.SlotKey()] = entry.clar
		a.clarByID[entry.clar.ID] = entry.clar
		a.mu.Unlock()
		if entry.isNew {
			created = append(created, entry.clar)
		}
	}
	return created, nil
}

type stagedClar struct {
	clar  *model.Clarification
	isNew bool
}

func (a *Aggregator) stageClarifications(includeMissing bool) []stagedClar {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	var staged []stagedClar

	// Open conflicts not yet represented by a pending clarification.
	keys := make([]string, 0, len(a.conflicts))
	for key := range a.conflicts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		c := a.conflicts[key]
		if c.Status != model.ConflictOpen {
			continue
		}
		suggested := candidateValues(c)
		priority := a.conflictPriority(c)

		existing := a.clarifications[key]
		if existing != nil {
			if existing.Status != model.ClarificationPending {
				continue
			}
			if len(existing.Suggested) == len(suggested) && existing.Priority == priority {
				continue
			}
			clone := *existing
			clone.Suggested = suggested
			clone.Priority = priority
			clone.UpdatedAt = now
			staged = append(staged, stagedClar{clar: &clone})
			continue
		}

		staged = append(staged, stagedClar{
			clar: &model.Clarification{
				ID:         uuid.NewString(),
				SessionID:  a.sessionID,
				FacilityID: c.FacilityID,
				Field:      c.Field,
				PeriodKey:  c.PeriodKey,
				Type:       model.ClarifyConflict,
				Suggested:  suggested,
				Priority:   priority,
				Status:     model.ClarificationPending,
				ConflictID: c.ID,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			isNew: true,
		})
	}

	// Accepted values that warrant a second look on their own: a single
	// uncorroborated low-confidence source, or a value outside the field's
	// benchmark range.
	for _, p := range a.profiles {
		for _, rec := range p.Periods {
			fields := make([]string, 0, len(rec.Slots))
			for field := range rec.Slots {
				fields = append(fields, field)
			}
			sort.Strings(fields)

			for _, field := range fields {
				slot := rec.Slots[field]
				if slot.Accepted == nil {
					continue
				}
				key := p.ID + "|" + field + "|" + rec.Key.String()
				if _, ok := a.conflicts[key]; ok {
					continue
				}
				if _, ok := a.clarifications[key]; ok {
					continue
				}

				spec := a.catalog.ByKey(field)
				clarType, priority, bench := a.singleSourceCheck(slot, spec)
				if clarType == "" {
					continue
				}
				staged = append(staged, stagedClar{
					clar: &model.Clarification{
						ID:         uuid.NewString(),
						SessionID:  a.sessionID,
						FacilityID: p.ID,
						Field:      field,
						PeriodKey:  rec.Key.String(),
						Type:       clarType,
						Value:      slot.Accepted.Value,
						Confidence: slot.Accepted.Confidence,
						Benchmark:  bench,
						Priority:   priority,
						Status:     model.ClarificationPending,
						CreatedAt:  now,
						UpdatedAt:  now,
					},
					isNew: true,
				})
			}
		}
	}

	if includeMissing {
		staged = append(staged, a.stageMissing(now)...)
	}
	return staged
}

// singleSourceCheck decides whether an accepted value needs human review
// absent any conflict. Out-of-range beats low-confidence when both apply.
func (a *Aggregator) singleSourceCheck(slot *model.FieldSlot, spec *model.FieldSpec) (model.ClarificationType, model.Severity, *model.BenchmarkRange) {
	if spec != nil && spec.Benchmark != nil {
		if v, ok := slot.Accepted.Numeric(); ok && !spec.Benchmark.Contains(v) {
			return model.ClarifyOutOfRange, raiseFor(model.SeverityMedium, spec), spec.Benchmark
		}
	}
	if slot.Accepted.Confidence < a.cfg.LowConfidence && len(slot.History) == 1 {
		base := model.SeverityLow
		if slot.Accepted.Confidence < a.cfg.LowConfidence/2 {
			base = model.SeverityMedium
		}
		return model.ClarifyLowConfidence, raiseFor(base, spec), nil
	}
	return "", "", nil
}

// stageMissing creates requests for required catalog fields absent from a
// profile across all of its periods. Caller must hold a.mu.
func (a *Aggregator) stageMissing(now time.Time) []stagedClar {
	var staged []stagedClar
	for _, p := range a.profiles {
		if len(p.Periods) == 0 {
			continue
		}
		latest := p.Periods[len(p.Periods)-1]

		for _, spec := range a.catalog.Required() {
			if profileHasField(p, spec.Key) {
				continue
			}
			key := p.ID + "|" + spec.Key + "|" + latest.Key.String()
			if _, ok := a.clarifications[key]; ok {
				continue
			}

			priority := model.SeverityLow
			if spec.ImportanceRank() <= 1 {
				priority = model.SeverityMedium
			}
			staged = append(staged, stagedClar{
				clar: &model.Clarification{
					ID:         uuid.NewString(),
					SessionID:  a.sessionID,
					FacilityID: p.ID,
					Field:      spec.Key,
					PeriodKey:  latest.Key.String(),
					Type:       model.ClarifyMissing,
					Benchmark:  spec.Benchmark,
					Priority:   priority,
					Status:     model.ClarificationPending,
					CreatedAt:  now,
					UpdatedAt:  now,
				},
				isNew: true,
			})
		}
	}
	return staged
}

// conflictPriority derives clarification priority from conflict severity
// and field importance. Core financial fields outrank ancillary ones.
func (a *Aggregator) conflictPriority(c *model.Conflict) model.Severity {
	return raiseFor(c.Severity, a.catalog.ByKey(c.Field))
}

// raiseFor bumps low severity up one band for P0/P1 fields so core
// financial gaps never sit at the bottom of the queue. Higher severities
// already carry their own urgency and pass through unchanged.
func raiseFor(sev model.Severity, spec *model.FieldSpec) model.Severity {
	if spec == nil || spec.ImportanceRank() > 1 {
		return sev
	}
	if sev == model.SeverityLow {
		return model.SeverityMedium
	}
	return sev
}

func candidateValues(c *model.Conflict) []any {
	seen := make(map[string]bool, len(c.Candidates))
	out := make([]any, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		key := model.ValueString(cand.Value)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cand.Value)
	}
	return out
}

func profileHasField(p *model.FacilityProfile, field string) bool {
	for _, rec := range p.Periods {
		if slot, ok := rec.Slots[field]; ok && slot.Accepted != nil {
			return true
		}
	}
	return false
}
