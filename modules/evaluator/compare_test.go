package evaluator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vigilhq/vigil/pkg/model"
)

func TestCompareNumbers(t *testing.T) {
	tests := []struct {
		name      string
		observed  float64
		cmp       model.Comparison
		threshold float64
		matched   bool
		ok        bool
	}{
		{"gt fires", 91, model.CompareGT, 90, true, true},
		{"gt boundary does not fire", 90, model.CompareGT, 90, false, true},
		{"ge boundary fires", 90, model.CompareGE, 90, true, true},
		{"lt fires", 1, model.CompareLT, 5, true, true},
		{"le boundary fires", 5, model.CompareLE, 5, true, true},
		{"eq fires", 3, model.CompareEQ, 3, true, true},
		{"ne fires", 3, model.CompareNE, 4, true, true},
		{"nan observed is incomparable", math.NaN(), model.CompareGT, 90, false, false},
		{"nan threshold is incomparable", 91, model.CompareGT, math.NaN(), false, false},
		{"contains undefined for numbers", 91, model.CompareContains, 90, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			matched, ok := Compare(model.NumberValue(tc.observed), tc.cmp, model.NumberValue(tc.threshold))
			assert.Equal(t, tc.matched, matched)
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestCompareBools(t *testing.T) {
	matched, ok := Compare(model.BoolValue(false), model.CompareEQ, model.BoolValue(false))
	assert.True(t, matched)
	assert.True(t, ok)

	matched, ok = Compare(model.BoolValue(true), model.CompareEQ, model.BoolValue(false))
	assert.False(t, matched)
	assert.True(t, ok)

	_, ok = Compare(model.BoolValue(true), model.CompareGT, model.BoolValue(false))
	assert.False(t, ok)
}

func TestCompareStrings(t *testing.T) {
	matched, ok := Compare(model.StringValue("disk full"), model.CompareContains, model.StringValue("full"))
	assert.True(t, matched)
	assert.True(t, ok)

	matched, ok = Compare(model.StringValue("ok"), model.CompareEQ, model.StringValue("ok"))
	assert.True(t, matched)
	assert.True(t, ok)

	_, ok = Compare(model.StringValue("5"), model.CompareGT, model.StringValue("4"))
	assert.False(t, ok)
}

func TestCompareKindMismatch(t *testing.T) {
	_, ok := Compare(model.NumberValue(1), model.CompareEQ, model.StringValue("1"))
	assert.False(t, ok)
}
