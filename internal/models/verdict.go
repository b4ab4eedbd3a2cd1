package models

// HealthState состояние ресурса по результатам RCA
type HealthState string

const (
	StateUnknown   HealthState = "UNKNOWN"
	StateHealthy   HealthState = "HEALTHY"
	StateSuspect   HealthState = "SUSPECT"
	StateUnhealthy HealthState = "UNHEALTHY"
)

// Имена RCA-ресурсов
const (
	RCAShardRequestCache = "shard_request_cache_rca"
	RCAHeapUsage         = "heap_usage_rca"
)

// HealthVerdict вердикт RCA за цикл.
// EvidenceCycles число подряд идущих циклов, подтверждающих текущее состояние.
// Held означает, что в этом цикле данных не было и состояние удержано.
type HealthVerdict struct {
	Resource       string       `json:"resource"`
	Key            DimensionKey `json:"key"`
	NodeID         string       `json:"node_id"`
	Cycle          uint64       `json:"cycle"`
	State          HealthState  `json:"state"`
	EvidenceCycles int          `json:"evidence_cycles"`
	Held           bool         `json:"held,omitempty"`
}

// Unhealthy сообщает, что вердикт неблагополучный, подтвержден minEvidence
// циклами и нарушение наблюдалось в цикле вердикта
func (v HealthVerdict) Unhealthy(minEvidence int) bool {
	return v.State == StateUnhealthy && !v.Held && v.EvidenceCycles >= minEvidence
}
