package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

func testCatalog(t *testing.T) *model.FieldCatalog {
	t.Helper()
	cat, err := model.DefaultCatalog()
	require.NoError(t, err)
	return cat
}

func TestCleanJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", "Here is the result:\n{\"a\":1}\nLet me know.", `{"a":1}`},
		{"whitespace", "  \n {\"a\":1} \n", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanJSON(tc.in))
		})
	}
}

func TestDecodeJSON_BadPayload(t *testing.T) {
	var out map[string]any
	err := decodeJSON("I could not find any fields in this document.", &out)
	assert.ErrorIs(t, err, resilience.ErrInvalidResponse)
}

const validResponse = `{
  "facility": {"name": "Oakview Manor", "ccn": "675001", "licensed_beds": 120},
  "period": {"start": "2024-01-01", "end": "2024-03-31"},
  "fields": [
    {"field": "total_revenue", "value": 420000, "confidence": 0.9, "excerpt": "Total Revenue 420,000"},
    {"field": "made_up_metric", "value": 7, "confidence": 0.8},
    {"field": "rent_expense", "value": null, "confidence": 0.5},
    {"field": "occupancy_rate", "value": 88.5, "confidence": 1.7}
  ],
  "overall_confidence": 0.85
}`

func TestDecodeResult(t *testing.T) {
	res, err := decodeResult(validResponse, model.DocFinancialStatement, testCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, "Oakview Manor", res.Facility.Name)
	assert.Equal(t, "675001", res.Facility.CCN)
	assert.Equal(t, 120, res.Facility.LicensedBeds)
	assert.Equal(t, "2024-01-01..2024-03-31", res.Period.String())
	assert.Equal(t, model.DocFinancialStatement, res.DetectedType)
	assert.Equal(t, 0.85, res.OverallConfidence)

	// Null values and fields outside the catalog are dropped.
	require.Len(t, res.Fields, 2)
	assert.Equal(t, "total_revenue", res.Fields[0].Field)
	assert.Equal(t, model.SourceDocument, res.Fields[0].Source)
	assert.Equal(t, "occupancy_rate", res.Fields[1].Field)
	assert.Equal(t, 1.0, res.Fields[1].Confidence, "confidence is clamped to [0,1]")
}

func TestDecodeResult_MissingFacilityName(t *testing.T) {
	_, err := decodeResult(`{
	  "facility": {"name": ""},
	  "period": {"start": "2024-01-01", "end": "2024-03-31"},
	  "fields": []
	}`, model.DocOther, testCatalog(t))
	assert.ErrorIs(t, err, resilience.ErrInvalidResponse)
}

func TestDecodeResult_BadPeriod(t *testing.T) {
	cat := testCatalog(t)

	_, err := decodeResult(`{
	  "facility": {"name": "Oakview Manor"},
	  "period": {"start": "Q1 2024", "end": "2024-03-31"},
	  "fields": []
	}`, model.DocOther, cat)
	assert.ErrorIs(t, err, resilience.ErrInvalidResponse)

	_, err = decodeResult(`{
	  "facility": {"name": "Oakview Manor"},
	  "period": {"start": "2024-03-31", "end": "2024-01-01"},
	  "fields": []
	}`, model.DocOther, cat)
	assert.ErrorIs(t, err, resilience.ErrInvalidResponse)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.2))
	assert.Equal(t, 0.5, clamp01(0.5))
	assert.Equal(t, 1.0, clamp01(1.3))
}
