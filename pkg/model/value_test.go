package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Value
	}{
		{"number", `0.42`, NumberValue(0.42)},
		{"integer", `17`, NumberValue(17)},
		{"bool", `true`, BoolValue(true)},
		{"string", `"degraded"`, StringValue("degraded")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var v Value
			require.NoError(t, json.Unmarshal([]byte(tc.in), &v))
			assert.Equal(t, tc.want, v)

			out, err := json.Marshal(v)
			require.NoError(t, err)
			assert.JSONEq(t, tc.in, string(out))
		})
	}
}

func TestValueUnmarshalRejectsStructured(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &v))
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(KindNumber, StringValue("3.5"))
	require.NoError(t, err)
	assert.Equal(t, NumberValue(3.5), v)

	_, err = ParseValue(KindNumber, StringValue("not-a-number"))
	assert.Error(t, err)

	_, err = ParseValue(KindBool, NumberValue(1))
	assert.Error(t, err)

	v, err = ParseValue(KindString, NumberValue(2))
	require.NoError(t, err)
	assert.Equal(t, StringValue("2"), v)
}

func TestParseValuePreservesNaN(t *testing.T) {
	v, err := ParseValue(KindNumber, StringValue("NaN"))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v.Num))
}

func TestParseValueRestoresNonFiniteAfterJSON(t *testing.T) {
	// JSON has no NaN or Inf literal, so non-finite numbers ride as strings
	// and come back as string values. Consumers that know the declared kind
	// must re-coerce after decoding.
	tests := []struct {
		name string
		in   Value
		want func(float64) bool
	}{
		{"nan", NumberValue(math.NaN()), math.IsNaN},
		{"pos inf", NumberValue(math.Inf(1)), func(f float64) bool { return math.IsInf(f, 1) }},
		{"neg inf", NumberValue(math.Inf(-1)), func(f float64) bool { return math.IsInf(f, -1) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := json.Marshal(tc.in)
			require.NoError(t, err)

			var decoded Value
			require.NoError(t, json.Unmarshal(buf, &decoded))
			require.Equal(t, KindString, decoded.Kind)

			restored, err := ParseValue(KindNumber, decoded)
			require.NoError(t, err)
			assert.Equal(t, KindNumber, restored.Kind)
			assert.True(t, tc.want(restored.Num))
		})
	}
}

func TestAcceptedStatusCodesDefault(t *testing.T) {
	target := &HTTPTarget{}
	assert.True(t, target.Accepted(200))
	assert.False(t, target.Accepted(201))

	target.AcceptedStatusCodes = []int{200, 204}
	assert.True(t, target.Accepted(204))
	assert.False(t, target.Accepted(500))
}

func TestSubjectLockKeyStable(t *testing.T) {
	s := MetricSubject(mustUUID("11111111-1111-1111-1111-111111111111"), mustUUID("22222222-2222-2222-2222-222222222222"))
	assert.Equal(t, s.LockKey(), s.LockKey())

	other := HTTPSubject(s.ClientID, s.TargetID)
	assert.NotEqual(t, s.LockKey(), other.LockKey())
	assert.NotEqual(t, s.Key(), other.Key())
}
