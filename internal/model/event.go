package model

import "time"

// EventKind labels a progress event.
type EventKind string

const (
	EventTaskDone             EventKind = "task_done"
	EventMergeApplied         EventKind = "merge_applied"
	EventConflictDetected     EventKind = "conflict_detected"
	EventClarificationCreated EventKind = "clarification_created"
	EventStatusChanged        EventKind = "status_changed"
)

// ProgressEvent is one entry in the ordered per-session event stream.
// Seq is monotonically increasing and totally ordered session-wide.
type ProgressEvent struct {
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id"`
	Kind      EventKind      `json:"kind"`
	Summary   SessionSummary `json:"summary"`
	At        time.Time      `json:"at"`
}
