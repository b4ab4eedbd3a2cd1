// Package analytics сводит окна сэмплов в агрегаты уровня цикла
// (sum, avg, min, max) с учетом отсутствующих данных
package analytics

import (
	"iter"
	"math"

	"cachetune-service/internal/models"
)

// WindowReader источник окон сэмплов
type WindowReader interface {
	Query(resource string, key models.DimensionKey, node string, sinceCycle uint64) iter.Seq[models.MetricSample]
}

// Accumulator накапливает статистику одного цикла.
// Нечисловые значения (NaN, ±Inf) не учитываются.
type Accumulator struct {
	sum   float64
	min   float64
	max   float64
	count int
	seen  int
}

// Add добавляет значение
func (a *Accumulator) Add(value float64) {
	a.seen++
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	if a.count == 0 {
		a.min = value
		a.max = value
	} else {
		a.min = math.Min(a.min, value)
		a.max = math.Max(a.max, value)
	}
	a.sum += value
	a.count++
}

// Seen возвращает число всех добавленных значений, включая отброшенные
func (a *Accumulator) Seen() int {
	return a.seen
}

// Count возвращает число учтенных значений
func (a *Accumulator) Count() int {
	return a.count
}

// Mean возвращает среднее и признак наличия данных
func (a *Accumulator) Mean() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.sum / float64(a.count), true
}

// Summary формирует агрегат. При нулевом числе значений Avg остается nil.
func (a *Accumulator) Summary(resource string, key models.DimensionKey, node string, cycle uint64) models.AggregatedSummary {
	s := models.AggregatedSummary{
		Resource:    resource,
		Key:         key,
		NodeID:      node,
		Cycle:       cycle,
		SampleCount: a.count,
	}
	if mean, ok := a.Mean(); ok {
		s.Sum = a.sum
		s.Min = a.min
		s.Max = a.max
		s.Avg = &mean
	}
	return s
}

// Aggregator вычисляет агрегаты по окнам. Не имеет состояния и не
// обращается к часам: результат зависит только от содержимого окна.
type Aggregator struct {
	reader WindowReader
}

// NewAggregator создает агрегатор поверх источника окон
func NewAggregator(reader WindowReader) *Aggregator {
	return &Aggregator{reader: reader}
}

// Summarize сводит сэмплы цикла cycle. Возвращает false, если за цикл
// сэмплов нет вовсе; агрегат с SampleCount == 0 означает, что сэмплы были,
// но ни один не пригоден.
func (g *Aggregator) Summarize(resource string, key models.DimensionKey, node string, cycle uint64) (models.AggregatedSummary, bool) {
	var acc Accumulator
	for s := range g.reader.Query(resource, key, node, cycle) {
		if s.Cycle > cycle {
			break
		}
		acc.Add(s.Value)
	}
	if acc.Seen() == 0 {
		return models.AggregatedSummary{}, false
	}
	return acc.Summary(resource, key, node, cycle), true
}

// Latest возвращает агрегат самого позднего цикла не позже cycle, в котором
// есть пригодные сэмплы. Нужен для медленно меняющихся фактов емкости.
func (g *Aggregator) Latest(resource string, key models.DimensionKey, node string, cycle uint64) (models.AggregatedSummary, bool) {
	var (
		best    models.AggregatedSummary
		found   bool
		acc     Accumulator
		current uint64
		started bool
	)
	flush := func() {
		if started && acc.Count() > 0 {
			best = acc.Summary(resource, key, node, current)
			found = true
		}
	}

	for s := range g.reader.Query(resource, key, node, 0) {
		if s.Cycle > cycle {
			break
		}
		if !started || s.Cycle != current {
			flush()
			acc = Accumulator{}
			current = s.Cycle
			started = true
		}
		acc.Add(s.Value)
	}
	flush()
	return best, found
}

// Observe агрегат цикла как наблюдение сигнала
func (g *Aggregator) Observe(resource string, key models.DimensionKey, node string, cycle uint64) models.Observation {
	return models.Observe(g.Summarize(resource, key, node, cycle))
}

// ObserveLatest последний пригодный агрегат как наблюдение сигнала
func (g *Aggregator) ObserveLatest(resource string, key models.DimensionKey, node string, cycle uint64) models.Observation {
	return models.Observe(g.Latest(resource, key, node, cycle))
}
