package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensionKey_Equality(t *testing.T) {
	a := ShardKey("logs", "0")
	assert.True(t, a.Equal(NewKey("logs", "0")))
	assert.False(t, a.Equal(NewKey("0", "logs")), "equality is positional")
	assert.False(t, a.Equal(NewKey("logs")))
	assert.Equal(t, "logs|0", a.String())
	assert.True(t, a.Equal(ParseKey(a.String())))
	assert.Empty(t, ParseKey(""))
}

func TestNewKey_CopiesInput(t *testing.T) {
	vals := []string{"idx", "1"}
	k := NewKey(vals...)
	vals[0] = "mutated"
	assert.Equal(t, "idx", k[0])
}

func TestAggregatedSummary_ZeroCountHasNoMean(t *testing.T) {
	s := AggregatedSummary{Resource: CacheRequestHit, SampleCount: 0}
	_, ok := s.Mean()
	assert.False(t, ok)
	assert.False(t, s.HasEvidence())

	// Round trip through JSON must not turn an undefined average into 0.
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"avg":null`)

	var decoded AggregatedSummary
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, ok = decoded.Mean()
	assert.False(t, ok)
	assert.False(t, Observe(decoded, true).Present)
}

func TestObserve(t *testing.T) {
	avg := 42.0
	s := AggregatedSummary{SampleCount: 2, Avg: &avg}
	assert.Equal(t, Known(42), Observe(s, true))
	assert.Equal(t, Observation{}, Observe(s, false))
}

func TestTuningAction_Keys(t *testing.T) {
	a := TuningAction{
		Type:         ActionModifyCacheMaxSize,
		TargetNodeID: "data-0",
		TargetKey:    NewKey(ShardRequestCache),
		IssuedCycle:  7,
	}
	assert.Equal(t, "MODIFY_CACHE_MAX_SIZE/data-0/shard_request_cache", a.Key().String())
	assert.Equal(t, "MODIFY_CACHE_MAX_SIZE/data-0/shard_request_cache@7", a.IdempotencyKey())
}

func TestTuningAction_ActiveAt(t *testing.T) {
	a := TuningAction{IssuedCycle: 10, CoolOffCycles: 5}
	assert.True(t, a.ActiveAt(10))
	assert.True(t, a.ActiveAt(14))
	assert.False(t, a.ActiveAt(15))
}

func TestActionFilter_Match(t *testing.T) {
	a := TuningAction{
		Type:         ActionModifyCacheMaxSize,
		TargetNodeID: "data-0",
		TargetKey:    NewKey(ShardRequestCache),
		IssuedCycle:  5,
	}

	tests := []struct {
		name   string
		filter ActionFilter
		want   bool
	}{
		{"empty", ActionFilter{}, true},
		{"type", ActionFilter{Type: ActionModifyCacheMaxSize}, true},
		{"other type", ActionFilter{Type: "OTHER"}, false},
		{"node", ActionFilter{NodeID: "data-1"}, false},
		{"key", ActionFilter{Key: "shard_request_cache"}, true},
		{"from after", ActionFilter{FromCycle: 6}, false},
		{"range", ActionFilter{FromCycle: 5, ToCycle: 5}, true},
		{"to before", ActionFilter{ToCycle: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(a))
		})
	}
}

func TestHealthVerdict_Unhealthy(t *testing.T) {
	v := HealthVerdict{State: StateUnhealthy, EvidenceCycles: 3}
	assert.True(t, v.Unhealthy(3))
	assert.False(t, v.Unhealthy(4))
	assert.False(t, HealthVerdict{State: StateSuspect, EvidenceCycles: 9}.Unhealthy(1))
	assert.False(t, HealthVerdict{State: StateUnhealthy, EvidenceCycles: 9, Held: true}.Unhealthy(1),
		"a state held without samples is not fresh evidence")
}

func TestSubmitRequest_Sample(t *testing.T) {
	v := 3.5
	r := SubmitRequest{Resource: CacheRequestHit, Key: []string{"idx", "0"}, Value: &v, Cycle: 4}
	s := r.Sample("data-0")
	assert.Equal(t, "data-0", s.NodeID)
	assert.Equal(t, 3.5, s.Value)
	assert.Equal(t, uint64(4), s.Cycle)

	r.NodeID = "data-1"
	assert.Equal(t, "data-1", r.Sample("data-0").NodeID)
}
