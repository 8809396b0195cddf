package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

func TestMerge_FirstValueAccepted(t *testing.T) {
	agg, _ := newTestAggregator(t)

	stats, err := agg.Merge(context.Background(), "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accepted)

	profiles := agg.Profiles()
	require.Len(t, profiles, 1)
	slot := profiles[0].Periods[0].Slots["total_revenue"]
	require.NotNil(t, slot.Accepted)
	assert.Equal(t, 420000.0, slot.Accepted.Value)
	assert.Equal(t, "doc-1", slot.Accepted.DocumentID)
	assert.Len(t, slot.History, 1)
}

func TestMerge_HighVarianceConflictStaysOpen(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)

	stats, err := agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 610000.0, 0.4)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Opened)
	assert.Zero(t, stats.AutoResolved)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, model.ConflictOpen, c.Status)
	assert.Equal(t, model.SeverityHigh, c.Severity)
	assert.InDelta(t, 0.452, c.Variance, 0.001)
	assert.Len(t, c.Candidates, 2)

	// The previously accepted value stands while the conflict is open.
	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	assert.Equal(t, 420000.0, slot.Accepted.Value)
	assert.Len(t, slot.History, 2)
}

func TestMerge_LowVarianceWideGapAutoResolves(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)

	stats, err := agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 428000.0, 0.3)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AutoResolved)
	assert.Zero(t, stats.Opened)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.ConflictResolved, conflicts[0].Status)
	assert.Equal(t, model.ResolveAutoHighestConfidence, conflicts[0].Method)
	assert.Equal(t, 420000.0, conflicts[0].ResolvedValue)

	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	assert.Equal(t, 420000.0, slot.Accepted.Value)
}

func TestMerge_CloseValuesCorroborate(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.85)))
	require.NoError(t, err)

	stats, err := agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 421000.0, 0.8)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Corroborated)
	assert.Empty(t, agg.Conflicts())

	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	assert.Equal(t, 420000.0, slot.Accepted.Value)
	assert.Len(t, slot.History, 2)
}

func TestMerge_ReproducedDisagreementDoesNotDuplicate(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 610000.0, 0.85)))
	require.NoError(t, err)
	_, err = agg.Merge(ctx, "doc-3",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 610000.0, 0.8)))
	require.NoError(t, err)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	// doc-1, doc-2, and doc-3 candidates, no duplicates.
	assert.Len(t, conflicts[0].Candidates, 3)
}

func TestMerge_CategoricalMismatchIsMediumSeverity(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("administrator_name", "Jane Smith", 0.7)))
	require.NoError(t, err)
	stats, err := agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("administrator_name", "John Doe", 0.65)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Opened)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.SeverityMedium, conflicts[0].Severity)
	assert.Equal(t, model.ConflictOpen, conflicts[0].Status)
}

func TestMerge_PersistenceFailureLeavesMemoryUntouched(t *testing.T) {
	agg, st := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)

	st.failSaveProfile = eris.New("disk full")
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 610000.0, 0.4)))
	require.Error(t, err)

	// The failed merge neither appended history nor recorded a conflict.
	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	assert.Len(t, slot.History, 1)
	assert.Empty(t, agg.Conflicts())
}

func TestMerge_ConcurrentMergesSameFacilityKeepBothFields(t *testing.T) {
	agg, st := newTestAggregator(t)
	ctx := context.Background()

	// Hold writer A mid-save so writer B resolves the profile and queues
	// on its lock before A commits. B must stage from A's committed
	// profile, not the pointer it resolved while A was still in flight.
	inSave := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	st.saveProfileGate = func() {
		once.Do(func() {
			close(inSave)
			<-release
		})
	}

	done := make(chan error, 2)
	go func() {
		_, err := agg.Merge(ctx, "doc-a",
			resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
		done <- err
	}()
	<-inSave

	go func() {
		_, err := agg.Merge(ctx, "doc-b",
			resultFor("Oakview Manor", q1Period(), field("licensed_beds", 120.0, 0.9)))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	profiles := agg.Profiles()
	require.Len(t, profiles, 1)
	rec := profiles[0].Periods[0]
	require.NotNil(t, rec.Slots["total_revenue"], "doc-a field survives the concurrent merge")
	require.NotNil(t, rec.Slots["licensed_beds"], "doc-b field survives the concurrent merge")
	assert.NotNil(t, rec.Slots["total_revenue"].Accepted)
	assert.NotNil(t, rec.Slots["licensed_beds"].Accepted)
}

func TestMerge_LaterDocumentDoesNotReopenUserResolvedConflict(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	openRevenueConflict(t, agg)
	created, err := agg.GenerateClarifications(ctx, false)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NoError(t, agg.ApplyResolution(ctx, created[0].ID, 500000.0, "analyst"))

	// A third document disagrees wildly with the user's figure.
	stats, err := agg.Merge(ctx, "doc-3",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 900000.0, 0.9)))
	require.NoError(t, err)
	assert.Zero(t, stats.Opened)

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, model.ConflictResolved, c.Status)
	assert.Equal(t, model.ResolveUserOverride, c.Method)
	assert.Equal(t, 500000.0, c.ResolvedValue)

	// The user's value stands; the new figure lands in the candidate set.
	slot := agg.Profiles()[0].Periods[0].Slots["total_revenue"]
	assert.Equal(t, 500000.0, slot.Accepted.Value)
	assert.Equal(t, model.SourceUser, slot.Accepted.Source)
	var found bool
	for _, cand := range c.Candidates {
		if cand.Value == 900000.0 {
			found = true
		}
	}
	assert.True(t, found, "new candidate recorded for audit")
}

func TestResolveProfile_MatchesByCCN(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	res1 := resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9))
	res1.Facility.CCN = "675123"
	_, err := agg.Merge(ctx, "doc-1", res1)
	require.NoError(t, err)

	res2 := resultFor("Completely Different Name", q1Period(), field("licensed_beds", 120, 0.9))
	res2.Facility.CCN = "675123"
	_, err = agg.Merge(ctx, "doc-2", res2)
	require.NoError(t, err)

	profiles := agg.Profiles()
	require.Len(t, profiles, 1)
	assert.Contains(t, profiles[0].Aliases, "Completely Different Name")
}

func TestResolveProfile_FuzzyNameMatch(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor Skilled Nursing Facility", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor, LLC", q1Period(), field("licensed_beds", 120, 0.9)))
	require.NoError(t, err)

	assert.Len(t, agg.Profiles(), 1)
}

func TestResolveProfile_DistinctNamesCreateDistinctProfiles(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Riverbend Care Center", q1Period(), field("total_revenue", 510000.0, 0.9)))
	require.NoError(t, err)

	assert.Len(t, agg.Profiles(), 2)
}

func TestMerge_OverlappingPeriodsShareRecord(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	_, err := agg.Merge(ctx, "doc-1",
		resultFor("Oakview Manor", q1Period(), field("total_revenue", 420000.0, 0.9)))
	require.NoError(t, err)

	// February-only report overlaps Q1.
	feb := model.PeriodKey{
		Start: q1Period().Start.AddDate(0, 1, 0),
		End:   q1Period().Start.AddDate(0, 2, 0),
	}
	_, err = agg.Merge(ctx, "doc-2",
		resultFor("Oakview Manor", feb, field("occupancy_rate", 88.0, 0.8)))
	require.NoError(t, err)

	profiles := agg.Profiles()
	require.Len(t, profiles, 1)
	require.Len(t, profiles[0].Periods, 1)
	assert.Len(t, profiles[0].Periods[0].Slots, 2)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "OAKVIEW MANOR", normalizeName("Oakview Manor, LLC"))
	assert.Equal(t, "OAKVIEW MANOR", normalizeName("Oakview Manor Skilled Nursing Facility"))
	assert.Equal(t, "ST JOSEPHS", normalizeName("St. Joseph's"))
}

func TestNameOverlap(t *testing.T) {
	assert.Equal(t, 1.0, nameOverlap("OAKVIEW MANOR", "OAKVIEW MANOR"))
	assert.InDelta(t, 0.666, nameOverlap("OAKVIEW MANOR", "OAKVIEW MANOR EAST"), 0.001)
	assert.Zero(t, nameOverlap("OAKVIEW MANOR", "RIVERBEND"))
}
