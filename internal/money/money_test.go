package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "exact", in: "8.00", want: "8.00"},
		{name: "half rounds up", in: "0.125", want: "0.13"},
		{name: "below half rounds down", in: "0.124", want: "0.12"},
		{name: "negative half away from zero", in: "-0.125", want: "-0.13"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MustParse(tt.in).Round().String())
		})
	}
}

func TestRateApply(t *testing.T) {
	tax := MustRate("0.08")

	assert.Equal(t, "8.00", tax.Apply(MustParse("100.00")).String())
	// 1.55 * 0.08 = 0.124
	assert.Equal(t, "0.12", tax.Apply(MustParse("1.55")).String())
	// 3.125 * 0.08 = 0.25
	assert.Equal(t, "0.25", tax.Apply(MustParse("3.125")).String())
}

func TestRepeatedAdditionHasNoDrift(t *testing.T) {
	total := Zero
	step := MustParse("0.10")
	for i := 0; i < 1000; i++ {
		total = total.Add(step)
	}
	assert.True(t, total.Equal(MustParse("100.00")), "total = %s", total)
}

func TestPointsFloor(t *testing.T) {
	perUnit := MustRate("1")
	assert.Equal(t, int64(108), perUnit.Points(MustParse("108.00")))
	assert.Equal(t, int64(108), perUnit.Points(MustParse("108.99")))

	half := MustRate("0.5")
	assert.Equal(t, int64(2), half.Points(MustParse("5.99")))
}

func TestCentsRoundTrip(t *testing.T) {
	m := FromCents(10800)
	assert.Equal(t, "108.00", m.String())
	assert.Equal(t, int64(10800), m.Cents())
	assert.Equal(t, int64(13), MustParse("0.125").Cents())
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(MustParse("12.5"))
	require.NoError(t, err)
	assert.Equal(t, `"12.50"`, string(data))

	var fromNumber Money
	require.NoError(t, json.Unmarshal([]byte(`7.25`), &fromNumber))
	assert.Equal(t, "7.25", fromNumber.String())

	var fromString Money
	require.NoError(t, json.Unmarshal([]byte(`"3.10"`), &fromString))
	assert.True(t, fromString.Equal(MustParse("3.1")))
}

func TestParseRateRejectsNegative(t *testing.T) {
	_, err := ParseRate("-0.1")
	assert.Error(t, err)
}

func TestProrate(t *testing.T) {
	tax := MustParse("0.25")

	// 0.25 × 1/3 = 0.0833 → 0.08; 0.25 × 2/3 = 0.1666 → 0.17
	assert.Equal(t, "0.08", tax.Prorate(1, 3).String())
	assert.Equal(t, "0.17", tax.Prorate(2, 3).String())
	assert.Equal(t, "0.25", tax.Prorate(3, 3).String())
	assert.True(t, tax.Prorate(1, 0).IsZero())
}
