// Package model defines the data types shared across the extraction and
// reconciliation pipeline: sessions, document tasks, extracted fields,
// facility profiles, conflicts, clarifications, and progress events.
package model

import "time"

// SessionStatus represents the lifecycle state of a pipeline session.
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionRunning   SessionStatus = "running"
	SessionComplete  SessionStatus = "complete"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionComplete, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Session identifies one batch run through the pipeline.
type Session struct {
	ID          string        `json:"id"`
	DealID      string        `json:"deal_id,omitempty"`
	TaskIDs     []string      `json:"task_ids"`
	Pass        int           `json:"pass"`
	Status      SessionStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// TaskStatus represents the lifecycle state of a document task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// DocumentTask is one document's extraction unit of work. Created when the
// session is built, mutated only by the worker handling it, immutable once
// terminal.
type DocumentTask struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Filename  string           `json:"filename"`
	DocType   DocumentType     `json:"doc_type"`
	Status    TaskStatus       `json:"status"`
	Retries   int              `json:"retries"`
	Fields    []ExtractedField `json:"fields,omitempty"`
	Error     string           `json:"error,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}

// SessionSummary is a point-in-time snapshot of batch progress, carried on
// every progress event and on session GET responses.
type SessionSummary struct {
	DocsTotal             int `json:"docs_total"`
	DocsProcessed         int `json:"docs_processed"`
	DocsFailed            int `json:"docs_failed"`
	Facilities            int `json:"facilities"`
	OpenConflicts         int `json:"open_conflicts"`
	PendingClarifications int `json:"pending_clarifications"`
}
