package model

import (
	"fmt"
	"time"
)

// PeriodKey identifies a reporting period by its date range.
type PeriodKey struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// String renders the key in the canonical "start..end" form used for
// conflict and clarification slot identity.
func (k PeriodKey) String() string {
	return fmt.Sprintf("%s..%s", k.Start.Format("2006-01-02"), k.End.Format("2006-01-02"))
}

// Overlaps reports whether the two period ranges intersect.
func (k PeriodKey) Overlaps(other PeriodKey) bool {
	return !k.Start.After(other.End) && !other.Start.After(k.End)
}

// FieldSlot holds the currently accepted value for one (field, period) pair
// plus the full ordered history of every proposal, never deduplicated. The
// history allows conflict re-evaluation after a clarification resolves.
type FieldSlot struct {
	Accepted *ExtractedField  `json:"accepted,omitempty"`
	History  []ExtractedField `json:"history"`
}

// PeriodRecord holds all field slots for one reporting period.
type PeriodRecord struct {
	Key   PeriodKey             `json:"key"`
	Slots map[string]*FieldSlot `json:"slots"`
}

// Slot returns the slot for the given field, creating it if needed.
func (p *PeriodRecord) Slot(field string) *FieldSlot {
	if p.Slots == nil {
		p.Slots = make(map[string]*FieldSlot)
	}
	s, ok := p.Slots[field]
	if !ok {
		s = &FieldSlot{}
		p.Slots[field] = s
	}
	return s
}

// FacilityProfile is the running aggregate for one physical facility
// across all documents in a session or deal.
type FacilityProfile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Aliases      []string        `json:"aliases,omitempty"`
	CCN          string          `json:"ccn,omitempty"`
	LicensedBeds int             `json:"licensed_beds,omitempty"`
	Periods      []*PeriodRecord `json:"periods"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Period returns the record whose range overlaps the hint, creating a new
// record when none overlaps. Records stay ordered by period start.
func (f *FacilityProfile) Period(hint PeriodKey) *PeriodRecord {
	for _, p := range f.Periods {
		if p.Key.Overlaps(hint) {
			return p
		}
	}
	rec := &PeriodRecord{Key: hint, Slots: make(map[string]*FieldSlot)}
	idx := len(f.Periods)
	for i, p := range f.Periods {
		if hint.Start.Before(p.Key.Start) {
			idx = i
			break
		}
	}
	f.Periods = append(f.Periods, nil)
	copy(f.Periods[idx+1:], f.Periods[idx:])
	f.Periods[idx] = rec
	return rec
}

// HasAlias reports whether the given normalized name matches the profile's
// canonical name or any known alias. Comparison is caller-normalized.
func (f *FacilityProfile) HasAlias(normalized string, normalize func(string) string) bool {
	if normalize(f.Name) == normalized {
		return true
	}
	for _, a := range f.Aliases {
		if normalize(a) == normalized {
			return true
		}
	}
	return false
}

// AddAlias records a new alias unless it is already known.
func (f *FacilityProfile) AddAlias(name string) {
	if name == "" || name == f.Name {
		return
	}
	for _, a := range f.Aliases {
		if a == name {
			return
		}
	}
	f.Aliases = append(f.Aliases, name)
}

// FacilityHint carries facility identity signals extracted from a document.
type FacilityHint struct {
	Name         string `json:"name"`
	CCN          string `json:"ccn,omitempty"`
	LicensedBeds int    `json:"licensed_beds,omitempty"`
}
