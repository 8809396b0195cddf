package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

func openRevenueConflict(t *testing.T, agg *Aggregator) {
	t.Helper()
	ctx := context.Background()
	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 610000.0, 0.4)))
	require.NoError(t, err)
}

func TestGenerateClarifications_ConcurrentRunsCreateOneRequest(t *testing.T) {
	agg, st := newTestAggregator(t)
	openRevenueConflict(t, agg)
	ctx := context.Background()

	// Hold run A between staging and registering while run B goes through
	// in full. The slot must still end up with a single pending request.
	inSave := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	st.saveClarifyGate = func() {
		once.Do(func() {
			close(inSave)
			<-release
		})
	}

	done := make(chan error, 2)
	var createdA, createdB []*model.Clarification
	go func() {
		var err error
		createdA, err = agg.GenerateClarifications(ctx, false)
		done <- err
	}()
	<-inSave

	go func() {
		var err error
		createdB, err = agg.GenerateClarifications(ctx, false)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	clars := agg.Clarifications()
	require.Len(t, clars, 1)
	assert.Equal(t, model.ClarificationPending, clars[0].Status)
	assert.Len(t, append(createdA, createdB...), 1)
}

func TestGenerateClarifications_OpenConflict(t *testing.T) {
	agg, _ := newTestAggregator(t)
	openRevenueConflict(t, agg)

	created, err := agg.GenerateClarifications(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, created, 1)

	c := created[0]
	assert.Equal(t, model.ClarifyConflict, c.Type)
	assert.Equal(t, model.SeverityHigh, c.Priority)
	assert.Equal(t, "total_revenue", c.Field)
	assert.Equal(t, model.ClarificationPending, c.Status)
	assert.ElementsMatch(t, []any{420000.0, 610000.0}, c.Suggested)
	assert.NotEmpty(t, c.ConflictID)
}

func TestGenerateClarifications_Idempotent(t *testing.T) {
	agg, _ := newTestAggregator(t)
	openRevenueConflict(t, agg)
	ctx := context.Background()

	first, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, second)

	assert.Len(t, agg.Clarifications(), 1)
}

func TestGenerateClarifications_NewCandidateRefreshesSuggestions(t *testing.T) {
	agg, _ := newTestAggregator(t)
	openRevenueConflict(t, agg)
	ctx := context.Background()

	_, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)

	// A third document reproduces the disagreement with a new value.
	_, err = agg.Merge(ctx, "doc-3",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 590000.0, 0.8)))
	require.NoError(t, err)

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, created, "refresh must not create a new clarification")

	clars := agg.Clarifications()
	require.Len(t, clars, 1)
	assert.Len(t, clars[0].Suggested, 3)
}

func TestGenerateClarifications_LowConfidenceUncorroborated(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("rent_expense", 30000.0, 0.4)))
	require.NoError(t, err)

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.ClarifyLowConfidence, created[0].Type)
	assert.Equal(t, 0.4, created[0].Confidence)
	assert.Equal(t, 30000.0, created[0].Value)
}

func TestGenerateClarifications_CorroboratedLowConfidenceSkipped(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("rent_expense", 30000.0, 0.4)))
	require.NoError(t, err)
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("rent_expense", 30000.0, 0.45)))
	require.NoError(t, err)

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestGenerateClarifications_OutOfRange(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	// Catalog benchmark for licensed beds tops out at 400.
	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("licensed_beds", 1200, 0.9)))
	require.NoError(t, err)

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, model.ClarifyOutOfRange, created[0].Type)
	require.NotNil(t, created[0].Benchmark)
	assert.Equal(t, 400.0, created[0].Benchmark.Max)
}

func TestGenerateClarifications_MissingRequiredFields(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("occupancy_rate", 88.0, 0.9)))
	require.NoError(t, err)

	created, err := agg.GenerateClarifications(ctx, true)
	require.NoError(t, err)

	var missing []string
	for _, c := range created {
		if c.Type == model.ClarifyMissing {
			missing = append(missing, c.Field)
		}
	}
	assert.ElementsMatch(t, []string{"total_revenue", "net_operating_income", "licensed_beds"}, missing)
}

func TestResolveClarification_WritesUserValueThrough(t *testing.T) {
	agg, st := newTestAggregator(t)
	openRevenueConflict(t, agg)
	ctx := context.Background()

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, created, 1)

	err = agg.ApplyResolution(ctx, created[0].ID, 450000.0, "analyst@example.com")
	require.NoError(t, err)

	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	require.NotNil(t, slot.Accepted)
	assert.Equal(t, 450000.0, slot.Accepted.Value)
	assert.Equal(t, model.SourceUser, slot.Accepted.Source)
	assert.Len(t, slot.History, 3)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictResolved, conflicts[0].Status)
	assert.Equal(t, model.ResolveUserOverride, conflicts[0].Method)

	saved, err := st.GetClarification(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClarificationResolved, saved.Status)
	require.NotNil(t, saved.Resolution)
	assert.Equal(t, "analyst@example.com", saved.Resolution.ResolvedBy)
}

func TestResolveClarification_TwiceReturnsAlreadyTerminal(t *testing.T) {
	agg, _ := newTestAggregator(t)
	openRevenueConflict(t, agg)
	ctx := context.Background()

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)

	require.NoError(t, agg.ApplyResolution(ctx, created[0].ID, 450000.0, "analyst"))
	err = agg.ApplyResolution(ctx, created[0].ID, 460000.0, "analyst")
	assert.ErrorContains(t, err, "resolved")
}

func TestSkipClarification_LeavesAcceptedValue(t *testing.T) {
	agg, _ := newTestAggregator(t)
	openRevenueConflict(t, agg)
	ctx := context.Background()

	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)

	require.NoError(t, agg.SkipResolution(ctx, created[0].ID))

	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	assert.Equal(t, 420000.0, slot.Accepted.Value)
	assert.Equal(t, model.SourceDocument, slot.Accepted.Source)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictOpen, conflicts[0].Status)

	_, _, pending := agg.Counts()
	assert.Zero(t, pending)
}
