package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/extract"
	"github.com/hammy15/snfalyze-sub014/internal/ingest"
	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		VarianceFloor:      0.05,
		MediumBand:         0.15,
		HighBand:           0.30,
		CriticalBand:       0.50,
		ConfidenceMargin:   0.2,
		LowConfidence:      0.6,
		NameMatchThreshold: 0.6,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Reconcile: testReconcileConfig(),
		Dispatch: config.DispatchConfig{
			Workers:         2,
			MaxRetries:      2,
			TaskTimeoutSecs: 5,
			InitialBackoff:  time.Millisecond,
		},
		Session: config.SessionConfig{
			RetentionHours:  1,
			EventBufferSize: 256,
		},
	}
}

func testCatalog(t *testing.T) *model.FieldCatalog {
	t.Helper()
	catalog, err := model.DefaultCatalog()
	require.NoError(t, err)
	return catalog
}

func q1Period() model.PeriodKey {
	return model.PeriodKey{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

func resultFor(name string, period model.PeriodKey, fields ...model.ExtractedField) *extract.Result {
	return &extract.Result{
		Facility:     model.FacilityHint{Name: name},
		Period:       period,
		Fields:       fields,
		DetectedType: model.DocFinancialStatement,
	}
}

func field(name string, value any, confidence float64) model.ExtractedField {
	return model.ExtractedField{
		Field:      name,
		Value:      value,
		Confidence: confidence,
		Source:     model.SourceDocument,
	}
}

func newTestAggregator(t *testing.T) (*Aggregator, *memStore) {
	t.Helper()
	st := newMemStore()
	agg := NewAggregator(testReconcileConfig(), testCatalog(t), st, "sess-1", "sess-1")
	return agg, st
}

// memStore is an in-memory Store for pipeline tests, with injectable
// persistence failures.
type memStore struct {
	mu             sync.Mutex
	sessions       map[string]model.Session
	tasks          map[string]model.DocumentTask
	profiles       map[string]map[string]*model.FacilityProfile
	conflicts      map[string]model.Conflict
	clarifications map[string]model.Clarification

	failSaveTask      error
	failSaveProfile   error
	failSaveConflict  error
	failSaveClarify   error
	saveProfileCalls  int
	saveConflictCalls int
	saveClarifyCalls  int

	// Gates run before the write, outside the store lock. Tests set them
	// to hold one writer mid-save while another proceeds.
	saveProfileGate func()
	saveClarifyGate func()
}

func newMemStore() *memStore {
	return &memStore{
		sessions:       make(map[string]model.Session),
		tasks:          make(map[string]model.DocumentTask),
		profiles:       make(map[string]map[string]*model.FacilityProfile),
		conflicts:      make(map[string]model.Conflict),
		clarifications: make(map[string]model.Clarification),
	}
}

func (s *memStore) CreateSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return eris.Wrapf(resilience.ErrNotFound, "memstore: session %s", sess.ID)
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *memStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, eris.Wrapf(resilience.ErrNotFound, "memstore: session %s", id)
	}
	return &sess, nil
}

func (s *memStore) SaveTask(ctx context.Context, t *model.DocumentTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaveTask != nil {
		return s.failSaveTask
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) ListTasks(ctx context.Context, sessionID string) ([]model.DocumentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DocumentTask
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) LoadProfiles(ctx context.Context, ownerID string) ([]*model.FacilityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.FacilityProfile
	for _, p := range s.profiles[ownerID] {
		out = append(out, cloneProfile(p))
	}
	return out, nil
}

func (s *memStore) SaveProfile(ctx context.Context, ownerID string, p *model.FacilityProfile) error {
	if s.saveProfileGate != nil {
		s.saveProfileGate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveProfileCalls++
	if s.failSaveProfile != nil {
		return s.failSaveProfile
	}
	if s.profiles[ownerID] == nil {
		s.profiles[ownerID] = make(map[string]*model.FacilityProfile)
	}
	s.profiles[ownerID][p.ID] = cloneProfile(p)
	return nil
}

func (s *memStore) SaveConflict(ctx context.Context, c *model.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveConflictCalls++
	if s.failSaveConflict != nil {
		return s.failSaveConflict
	}
	s.conflicts[c.ID] = *c
	return nil
}

func (s *memStore) ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conflict
	for _, c := range s.conflicts {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) SaveClarification(ctx context.Context, c *model.Clarification) error {
	if s.saveClarifyGate != nil {
		s.saveClarifyGate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveClarifyCalls++
	if s.failSaveClarify != nil {
		return s.failSaveClarify
	}
	s.clarifications[c.ID] = *c
	return nil
}

func (s *memStore) GetClarification(ctx context.Context, id string) (*model.Clarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clarifications[id]
	if !ok {
		return nil, eris.Wrapf(resilience.ErrNotFound, "memstore: clarification %s", id)
	}
	return &c, nil
}

func (s *memStore) ListClarifications(ctx context.Context, sessionID string) ([]model.Clarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Clarification
	for _, c := range s.clarifications {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) Migrate(ctx context.Context) error { return nil }
func (s *memStore) Close() error                      { return nil }

// stubExtractor drives extraction from test-provided funcs.
type stubExtractor struct {
	detect  func(ctx context.Context, doc *ingest.Document) (model.DocumentType, error)
	extract func(ctx context.Context, docType model.DocumentType, doc *ingest.Document) (*extract.Result, error)
}

func (s *stubExtractor) DetectType(ctx context.Context, doc *ingest.Document) (model.DocumentType, error) {
	if s.detect == nil {
		return model.DocFinancialStatement, nil
	}
	return s.detect(ctx, doc)
}

func (s *stubExtractor) Extract(ctx context.Context, docType model.DocumentType, doc *ingest.Document) (*extract.Result, error) {
	return s.extract(ctx, docType, doc)
}
