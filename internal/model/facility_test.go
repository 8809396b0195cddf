package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func period(start, end string) PeriodKey {
	return PeriodKey{Start: day(start), End: day(end)}
}

func TestPeriodKeyString(t *testing.T) {
	k := period("2024-01-01", "2024-03-31")
	assert.Equal(t, "2024-01-01..2024-03-31", k.String())
}

func TestPeriodKeyOverlaps(t *testing.T) {
	q1 := period("2024-01-01", "2024-03-31")

	assert.True(t, q1.Overlaps(q1))
	assert.True(t, q1.Overlaps(period("2024-03-31", "2024-06-30")), "shared boundary day overlaps")
	assert.True(t, q1.Overlaps(period("2024-02-01", "2024-02-29")), "contained range overlaps")
	assert.True(t, q1.Overlaps(period("2023-01-01", "2024-12-31")), "containing range overlaps")
	assert.False(t, q1.Overlaps(period("2024-04-01", "2024-06-30")))
	assert.False(t, q1.Overlaps(period("2023-01-01", "2023-12-31")))
}

func TestProfilePeriodReusesOverlappingRecord(t *testing.T) {
	p := &FacilityProfile{}

	jan := p.Period(period("2024-01-01", "2024-01-31"))
	q1 := p.Period(period("2024-01-01", "2024-03-31"))

	assert.Same(t, jan, q1, "overlapping hints map to the same record")
	assert.Len(t, p.Periods, 1)
}

func TestProfilePeriodKeepsStartOrder(t *testing.T) {
	p := &FacilityProfile{}

	p.Period(period("2024-07-01", "2024-09-30"))
	p.Period(period("2024-01-01", "2024-03-31"))
	p.Period(period("2024-04-01", "2024-06-30"))

	require.Len(t, p.Periods, 3)
	for i := 1; i < len(p.Periods); i++ {
		assert.True(t, p.Periods[i-1].Key.Start.Before(p.Periods[i].Key.Start))
	}
}

func TestSlotCreatesOnDemand(t *testing.T) {
	rec := &PeriodRecord{}

	s := rec.Slot("total_revenue")
	require.NotNil(t, s)
	assert.Same(t, s, rec.Slot("total_revenue"))
	assert.Len(t, rec.Slots, 1)
}

func TestHasAlias(t *testing.T) {
	p := &FacilityProfile{Name: "Oakview Manor", Aliases: []string{"Oakview Manor, LLC"}}
	upper := func(s string) string { return strings.ToUpper(strings.TrimSuffix(s, ", LLC")) }

	assert.True(t, p.HasAlias("OAKVIEW MANOR", upper))
	assert.False(t, p.HasAlias("PINECREST", upper))
}

func TestAddAliasDeduplicates(t *testing.T) {
	p := &FacilityProfile{Name: "Oakview Manor"}

	p.AddAlias("Oakview Manor, LLC")
	p.AddAlias("Oakview Manor, LLC")
	p.AddAlias("Oakview Manor")
	p.AddAlias("")

	assert.Equal(t, []string{"Oakview Manor, LLC"}, p.Aliases)
}
