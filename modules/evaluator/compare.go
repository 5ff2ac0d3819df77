package evaluator

import (
	"math"
	"strings"

	"github.com/vigilhq/vigil/pkg/model"
)

// Compare applies a threshold comparison to an observed value. The second
// return is false when the pair cannot be compared at all (kind mismatch, NaN,
// operator not defined for the kind); such observations map to UNKNOWN rather
// than firing or clearing anything.
func Compare(observed model.Value, cmp model.Comparison, threshold model.Value) (matched, ok bool) {
	if observed.Kind != threshold.Kind {
		return false, false
	}

	switch observed.Kind {
	case model.KindNumber:
		return compareNumber(observed.Num, cmp, threshold.Num)
	case model.KindBool:
		switch cmp {
		case model.CompareEQ:
			return observed.Bool == threshold.Bool, true
		case model.CompareNE:
			return observed.Bool != threshold.Bool, true
		}
		return false, false
	case model.KindString:
		switch cmp {
		case model.CompareEQ:
			return observed.Str == threshold.Str, true
		case model.CompareNE:
			return observed.Str != threshold.Str, true
		case model.CompareContains:
			return strings.Contains(observed.Str, threshold.Str), true
		}
		return false, false
	}
	return false, false
}

func compareNumber(observed float64, cmp model.Comparison, threshold float64) (matched, ok bool) {
	if math.IsNaN(observed) || math.IsNaN(threshold) {
		return false, false
	}
	switch cmp {
	case model.CompareGT:
		return observed > threshold, true
	case model.CompareLT:
		return observed < threshold, true
	case model.CompareGE:
		return observed >= threshold, true
	case model.CompareLE:
		return observed <= threshold, true
	case model.CompareEQ:
		return observed == threshold, true
	case model.CompareNE:
		return observed != threshold, true
	}
	return false, false
}
