package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"float64", 420000.5, 420000.5, true},
		{"int", 42, 42, true},
		{"int64", int64(7), 7, true},
		{"plain string", "1234.5", 1234.5, true},
		{"currency string", "$1,234,567", 1234567, true},
		{"percent string", "88.5%", 88.5, true},
		{"padded string", "  90 ", 90, true},
		{"empty string", "", 0, false},
		{"garbage string", "n/a", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToFloat(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "Jane Smith", ValueString("Jane Smith"))
	assert.Equal(t, "", ValueString(nil))
	assert.Equal(t, "420000", ValueString(420000.0))
	assert.Equal(t, "88.5", ValueString(88.5))
	assert.Equal(t, "42", ValueString(42))
}

func TestFieldKindNumeric(t *testing.T) {
	assert.True(t, KindCurrency.Numeric())
	assert.True(t, KindPercent.Numeric())
	assert.True(t, KindCount.Numeric())
	assert.False(t, KindText.Numeric())
}
