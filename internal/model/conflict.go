package model

import "time"

// Severity classifies how badly competing values disagree.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for priority computation.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank returns the numeric rank of the severity; lower is more severe.
func (s Severity) Rank() int {
	rank, ok := severityRank[s]
	if !ok {
		return len(severityRank)
	}
	return rank
}

// ConflictStatus is the lifecycle state of a detected conflict.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictDismissed ConflictStatus = "dismissed"
)

// ResolutionMethod records how a conflict was settled.
type ResolutionMethod string

const (
	ResolveAutoHighestConfidence ResolutionMethod = "auto_highest_confidence"
	ResolveAutoMostRecent        ResolutionMethod = "auto_most_recent"
	ResolveUserOverride          ResolutionMethod = "user_override"
)

// Candidate is one competing value inside a conflict.
type Candidate struct {
	Value      any        `json:"value"`
	Confidence float64    `json:"confidence"`
	DocumentID string     `json:"document_id"`
	Source     SourceKind `json:"source"`
}

// Conflict records a disagreement between sources for one slot. Conflicts
// are uniquely keyed by (facility, field, period) and never deleted, only
// marked resolved or dismissed.
type Conflict struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	FacilityID    string           `json:"facility_id"`
	Field         string           `json:"field"`
	PeriodKey     string           `json:"period_key"`
	Candidates    []Candidate      `json:"candidates"`
	Variance      float64          `json:"variance"`
	Severity      Severity         `json:"severity"`
	Status        ConflictStatus   `json:"status"`
	Method        ResolutionMethod `json:"method,omitempty"`
	ResolvedValue any              `json:"resolved_value,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SlotKey returns the conflict's unique slot identity.
func (c *Conflict) SlotKey() string {
	return c.FacilityID + "|" + c.Field + "|" + c.PeriodKey
}

// HasCandidate reports whether an equivalent candidate is already recorded,
// used to keep reproduced disagreements from duplicating entries.
func (c *Conflict) HasCandidate(cand Candidate) bool {
	for _, existing := range c.Candidates {
		if existing.DocumentID == cand.DocumentID &&
			ValueString(existing.Value) == ValueString(cand.Value) {
			return true
		}
	}
	return false
}
