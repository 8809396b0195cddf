package model

import "time"

// ClarificationType says why human input is being requested.
type ClarificationType string

const (
	ClarifyConflict      ClarificationType = "conflict"
	ClarifyLowConfidence ClarificationType = "low_confidence"
	ClarifyMissing       ClarificationType = "missing"
	ClarifyOutOfRange    ClarificationType = "out_of_range"
)

// ClarificationStatus is the lifecycle state of a clarification request.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationResolved ClarificationStatus = "resolved"
	ClarificationSkipped  ClarificationStatus = "skipped"
)

// ClarificationResolution records the human answer.
type ClarificationResolution struct {
	Value      any       `json:"value"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Clarification is a user-facing request derived from a conflict or a
// single low-confidence, out-of-range, or missing field.
type Clarification struct {
	ID         string                   `json:"id"`
	SessionID  string                   `json:"session_id"`
	FacilityID string                   `json:"facility_id"`
	Field      string                   `json:"field"`
	PeriodKey  string                   `json:"period_key"`
	Type       ClarificationType        `json:"type"`
	Value      any                      `json:"value,omitempty"`
	Confidence float64                  `json:"confidence"`
	Suggested  []any                    `json:"suggested,omitempty"`
	Benchmark  *BenchmarkRange          `json:"benchmark,omitempty"`
	Priority   Severity                 `json:"priority"`
	Status     ClarificationStatus      `json:"status"`
	ConflictID string                   `json:"conflict_id,omitempty"`
	Resolution *ClarificationResolution `json:"resolution,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// SlotKey returns the clarification's unique slot identity.
func (c *Clarification) SlotKey() string {
	return c.FacilityID + "|" + c.Field + "|" + c.PeriodKey
}
