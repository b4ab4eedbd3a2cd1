package models

// AggregatedSummary статистика окна за один цикл.
// Avg == nil при SampleCount == 0: среднее не определено, а не равно нулю.
type AggregatedSummary struct {
	Resource    string       `json:"resource"`
	Key         DimensionKey `json:"key"`
	NodeID      string       `json:"node_id"`
	Cycle       uint64       `json:"cycle"`
	Sum         float64      `json:"sum"`
	Avg         *float64     `json:"avg"`
	Min         float64      `json:"min"`
	Max         float64      `json:"max"`
	SampleCount int          `json:"sample_count"`
}

// Mean возвращает среднее и признак наличия данных
func (s AggregatedSummary) Mean() (float64, bool) {
	if s.SampleCount == 0 || s.Avg == nil {
		return 0, false
	}
	return *s.Avg, true
}

// HasEvidence сообщает, можно ли опираться на агрегат
func (s AggregatedSummary) HasEvidence() bool {
	_, ok := s.Mean()
	return ok
}

// Observation опциональное значение сигнала: отсутствующий агрегат
// и агрегат без сэмплов одинаково дают Present == false
type Observation struct {
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

// Observe извлекает среднее из агрегата
func Observe(s AggregatedSummary, ok bool) Observation {
	if !ok {
		return Observation{}
	}
	v, present := s.Mean()
	return Observation{Value: v, Present: present}
}

// Known создает присутствующее наблюдение
func Known(v float64) Observation {
	return Observation{Value: v, Present: true}
}

// CapacityFacts емкостной контекст узла для Decider
type CapacityFacts struct {
	NodeID       string      `json:"node_id"`
	CacheMaxSize Observation `json:"cache_max_size"`
	HeapMax      Observation `json:"heap_max"`
	HeapUsed     Observation `json:"heap_used"`
}
