// Package pipeline implements the extraction and reconciliation pipeline:
// session lifecycle, bounded-concurrency document dispatch, facility
// profile aggregation, conflict detection, clarification generation, and
// live progress events.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/extract"
	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
	"github.com/hammy15/snfalyze-sub014/internal/store"
)

// Manager owns the session registry and drives each session from queued
// through terminal. Sessions are evictable after completion plus a
// retention window; persisted state survives eviction.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	extractor extract.Extractor
	catalog   *model.FieldCatalog

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu        sync.Mutex
	session   *model.Session
	tasks     map[string]*model.DocumentTask
	agg       *Aggregator
	emitter   *Emitter
	cancel    context.CancelFunc
	cancelled bool
	expiresAt time.Time // zero until terminal
}

// SessionView is the full read model for one session.
type SessionView struct {
	Session        *model.Session           `json:"session"`
	Summary        model.SessionSummary     `json:"summary"`
	Tasks          []model.DocumentTask     `json:"tasks"`
	Profiles       []*model.FacilityProfile `json:"profiles"`
	Conflicts      []*model.Conflict        `json:"conflicts"`
	Clarifications []*model.Clarification   `json:"clarifications"`
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, st store.Store, extractor extract.Extractor, catalog *model.FieldCatalog) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     st,
		extractor: extractor,
		catalog:   catalog,
		sessions:  make(map[string]*sessionState),
	}
}

// Start creates a session for the document batch and begins processing in
// the background. dealID is optional; when set, profiles persisted by
// earlier sessions of the same deal are loaded and extended.
func (m *Manager) Start(ctx context.Context, docs []DocumentInput, dealID string) (string, error) {
	if len(docs) == 0 {
		return "", eris.Wrap(resilience.ErrInvalidInput, "pipeline: empty document batch")
	}

	m.evictExpired()

	now := time.Now().UTC()
	sess := &model.Session{
		ID:        uuid.NewString(),
		DealID:    dealID,
		Status:    model.SessionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	works := make([]*taskWork, 0, len(docs))
	tasks := make(map[string]*model.DocumentTask, len(docs))
	for _, doc := range docs {
		task := &model.DocumentTask{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Filename:  doc.Filename,
			DocType:   doc.DocType,
			Status:    model.TaskQueued,
		}
		sess.TaskIDs = append(sess.TaskIDs, task.ID)
		tasks[task.ID] = task
		works = append(works, &taskWork{task: task, doc: doc})
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", eris.Wrap(err, "pipeline: create session")
	}
	for _, task := range tasks {
		if err := m.store.SaveTask(ctx, task); err != nil {
			m.failSession(ctx, sess, err)
			return "", eris.Wrapf(err, "pipeline: save task %s", task.ID)
		}
	}

	ownerID := sess.ID
	if dealID != "" {
		ownerID = dealID
	}
	agg := NewAggregator(m.cfg.Reconcile, m.catalog, m.store, sess.ID, ownerID)
	if err := agg.Load(ctx); err != nil {
		zap.L().Warn("pipeline: loading prior profiles failed, starting empty",
			zap.String("session_id", sess.ID),
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := &sessionState{
		session: sess,
		tasks:   tasks,
		agg:     agg,
		emitter: NewEmitter(sess.ID, m.cfg.Session.EventBufferSize),
		cancel:  cancel,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = state
	m.mu.Unlock()

	go m.runSession(runCtx, state, works)

	zap.L().Info("pipeline: session started",
		zap.String("session_id", sess.ID),
		zap.String("deal_id", dealID),
		zap.Int("documents", len(docs)),
	)
	return sess.ID, nil
}

// failSession marks an already-persisted session failed when the manager
// cannot allocate its task list. Document-level failures never come
// through here; they stay partial and visible in the session summary.
func (m *Manager) failSession(ctx context.Context, sess *model.Session, cause error) {
	now := time.Now().UTC()
	sess.Status = model.SessionFailed
	sess.Error = cause.Error()
	sess.UpdatedAt = now
	sess.CompletedAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		zap.L().Error("pipeline: mark session failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}

// runSession drives one session to a terminal state.
func (m *Manager) runSession(ctx context.Context, state *sessionState, works []*taskWork) {
	m.transition(ctx, state, model.SessionRunning)

	d := &dispatcher{
		cfg:       m.cfg.Dispatch,
		store:     m.store,
		extractor: m.extractor,
		agg:       state.agg,
	}

	d.run(ctx, works, func(task *model.DocumentTask, stats MergeStats) {
		state.mu.Lock()
		state.session.Pass++
		state.mu.Unlock()

		state.emitter.Emit(model.EventTaskDone, m.summarize(state))
		if stats.Accepted+stats.Corroborated+stats.AutoResolved > 0 {
			state.emitter.Emit(model.EventMergeApplied, m.summarize(state))
		}
		if stats.Opened > 0 {
			state.emitter.Emit(model.EventConflictDetected, m.summarize(state))
		}
		m.generateClarifications(ctx, state, false)
	})

	// Required-field gap checks only make sense once every document in the
	// batch has had its say.
	m.generateClarifications(ctx, state, true)

	state.mu.Lock()
	cancelled := state.cancelled
	state.mu.Unlock()

	final := model.SessionComplete
	if cancelled {
		final = model.SessionCancelled
	}
	m.transition(ctx, state, final)

	state.mu.Lock()
	state.expiresAt = time.Now().UTC().Add(m.retention())
	state.mu.Unlock()

	state.emitter.Close()
}

// generateClarifications runs the generator and emits one event per newly
// created request. Generator errors are logged, not escalated: the data
// already merged stands on its own.
func (m *Manager) generateClarifications(ctx context.Context, state *sessionState, includeMissing bool) {
	created, err := state.agg.GenerateClarifications(ctx, includeMissing)
	if err != nil {
		zap.L().Error("pipeline: clarification generation",
			zap.String("session_id", state.session.ID),
			zap.Error(err),
		)
	}
	for range created {
		state.emitter.Emit(model.EventClarificationCreated, m.summarize(state))
	}
}

// transition moves the session to a new status, persists it, and emits a
// status_changed event.
func (m *Manager) transition(ctx context.Context, state *sessionState, status model.SessionStatus) {
	now := time.Now().UTC()

	state.mu.Lock()
	state.session.Status = status
	state.session.UpdatedAt = now
	if status.Terminal() {
		state.session.CompletedAt = &now
	}
	snapshot := *state.session
	state.mu.Unlock()

	if err := m.store.UpdateSession(ctx, &snapshot); err != nil {
		zap.L().Error("pipeline: update session",
			zap.String("session_id", snapshot.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	state.emitter.Emit(model.EventStatusChanged, m.summarize(state))

	zap.L().Info("pipeline: session status changed",
		zap.String("session_id", snapshot.ID),
		zap.String("status", string(status)),
	)
}

// summarize builds the progress snapshot carried on every event.
func (m *Manager) summarize(state *sessionState) model.SessionSummary {
	state.mu.Lock()
	summary := model.SessionSummary{DocsTotal: len(state.tasks)}
	for _, t := range state.tasks {
		switch t.Status {
		case model.TaskSucceeded:
			summary.DocsProcessed++
		case model.TaskFailed:
			summary.DocsFailed++
		}
	}
	state.mu.Unlock()

	summary.Facilities, summary.OpenConflicts, summary.PendingClarifications = state.agg.Counts()
	return summary
}

// Get returns the full view of a session. Sessions evicted from the
// registry are reloaded from the store.
func (m *Manager) Get(ctx context.Context, sessionID string) (*SessionView, error) {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if !ok {
		return m.getFromStore(ctx, sessionID)
	}

	state.mu.Lock()
	sess := *state.session
	tasks := make([]model.DocumentTask, 0, len(state.tasks))
	for _, id := range sess.TaskIDs {
		if t, ok := state.tasks[id]; ok {
			tasks = append(tasks, *t)
		}
	}
	state.mu.Unlock()

	return &SessionView{
		Session:        &sess,
		Summary:        m.summarize(state),
		Tasks:          tasks,
		Profiles:       state.agg.Profiles(),
		Conflicts:      state.agg.Conflicts(),
		Clarifications: state.agg.Clarifications(),
	}, nil
}

// getFromStore reconstructs a view for a session no longer in memory.
func (m *Manager) getFromStore(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.ListTasks(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ownerID := sessionID
	if sess.DealID != "" {
		ownerID = sess.DealID
	}
	profiles, err := m.store.LoadProfiles(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	conflicts, err := m.store.ListConflicts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	clars, err := m.store.ListClarifications(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view := &SessionView{
		Session:  sess,
		Summary:  model.SessionSummary{DocsTotal: len(tasks)},
		Tasks:    tasks,
		Profiles: profiles,
	}
	for _, t := range tasks {
		switch t.Status {
		case model.TaskSucceeded:
			view.Summary.DocsProcessed++
		case model.TaskFailed:
			view.Summary.DocsFailed++
		}
	}
	view.Summary.Facilities = len(profiles)
	for i := range conflicts {
		c := conflicts[i]
		view.Conflicts = append(view.Conflicts, &c)
		if c.Status == model.ConflictOpen {
			view.Summary.OpenConflicts++
		}
	}
	for i := range clars {
		c := clars[i]
		view.Clarifications = append(view.Clarifications, &c)
		if c.Status == model.ClarificationPending {
			view.Summary.PendingClarifications++
		}
	}
	return view, nil
}

// Cancel requests cooperative cancellation: queued tasks stop dispatching,
// in-flight tasks finish and their results still merge.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return eris.Wrapf(resilience.ErrAlreadyTerminal, "pipeline: session %s is %s", sessionID, sess.Status)
		}
		return eris.Wrapf(resilience.ErrNotFound, "pipeline: session %s not active", sessionID)
	}

	state.mu.Lock()
	if state.session.Status.Terminal() {
		status := state.session.Status
		state.mu.Unlock()
		return eris.Wrapf(resilience.ErrAlreadyTerminal, "pipeline: session %s is %s", sessionID, status)
	}
	state.cancelled = true
	state.mu.Unlock()

	state.cancel()
	zap.L().Info("pipeline: session cancel requested", zap.String("session_id", sessionID))
	return nil
}

// ResolveClarification applies a user-provided value to the targeted slot
// and resolves the originating conflict.
func (m *Manager) ResolveClarification(ctx context.Context, clarificationID string, value any, resolvedBy string) error {
	state := m.sessionForClarification(clarificationID)
	if state == nil {
		return eris.Wrapf(resilience.ErrNotFound, "pipeline: clarification %s", clarificationID)
	}
	if err := state.agg.ApplyResolution(ctx, clarificationID, value, resolvedBy); err != nil {
		return err
	}
	state.emitter.Emit(model.EventMergeApplied, m.summarize(state))
	return nil
}

// SkipClarification marks a clarification skipped without touching the
// profile.
func (m *Manager) SkipClarification(ctx context.Context, clarificationID string) error {
	state := m.sessionForClarification(clarificationID)
	if state == nil {
		return eris.Wrapf(resilience.ErrNotFound, "pipeline: clarification %s", clarificationID)
	}
	return state.agg.SkipResolution(ctx, clarificationID)
}

// Subscribe attaches a progress event subscriber to an active session.
// There is no replay: the subscriber sees events from this point forward.
func (m *Manager) Subscribe(sessionID string) (<-chan model.ProgressEvent, func(), error) {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, eris.Wrapf(resilience.ErrNotFound, "pipeline: session %s", sessionID)
	}
	ch, cancel := state.emitter.Subscribe()
	return ch, cancel, nil
}

// Close cancels all in-flight sessions and drops subscribers. Used on
// server shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if !st.session.Status.Terminal() {
			st.cancelled = true
		}
		st.mu.Unlock()
		st.cancel()
		st.emitter.Close()
	}
}

func (m *Manager) sessionForClarification(clarificationID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.sessions {
		if state.agg.HasClarification(clarificationID) {
			return state
		}
	}
	return nil
}

func (m *Manager) retention() time.Duration {
	hours := m.cfg.Session.RetentionHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// evictExpired drops terminal sessions past their retention window. Their
// state remains readable through the store.
func (m *Manager) evictExpired() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, state := range m.sessions {
		state.mu.Lock()
		expired := !state.expiresAt.IsZero() && state.expiresAt.Before(now)
		state.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			zap.L().Debug("pipeline: evicted session", zap.String("session_id", id))
		}
	}
}
