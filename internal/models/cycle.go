package models

import "time"

// Phase фаза цикла конвейера
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseCollecting  Phase = "COLLECTING"
	PhaseAggregating Phase = "AGGREGATING"
	PhaseEvaluating  Phase = "EVALUATING"
	PhaseDeciding    Phase = "DECIDING"
	PhasePublishing  Phase = "PUBLISHING"
)

// NodeReport сообщение узла данных координатору по итогам цикла.
// Cycle нумеруется по счетчику отправителя.
type NodeReport struct {
	NodeID   string          `json:"node_id" validate:"required,max=128"`
	Cycle    uint64          `json:"cycle"`
	Verdicts []HealthVerdict `json:"verdicts" validate:"max=100000"`
	Capacity []CapacityFacts `json:"capacity" validate:"max=1000"`
	SentAt   time.Time       `json:"sent_at"`
}

// CycleContext снимок одного цикла. Принадлежит планировщику и
// отбрасывается после публикации.
type CycleContext struct {
	Cycle     uint64
	Started   time.Time
	Summaries []AggregatedSummary
	Verdicts  []HealthVerdict
	Capacity  map[string]CapacityFacts
	Reports   []NodeReport
	Actions   []TuningAction
}

// NewCycleContext создает пустой контекст цикла
func NewCycleContext(cycle uint64, started time.Time) *CycleContext {
	return &CycleContext{
		Cycle:    cycle,
		Started:  started,
		Capacity: make(map[string]CapacityFacts),
	}
}
