// Package rca оценивает здоровье ресурсов по агрегатам цикла: политика
// решает, нарушен ли порог, а автомат с гистерезисом превращает поток
// таких оценок в устойчивый вердикт
package rca

import (
	"cachetune-service/internal/config"
	"cachetune-service/internal/models"
)

// Assessment оценка одного цикла
type Assessment int

const (
	// NoEvidence данных недостаточно, состояние удерживается
	NoEvidence Assessment = iota
	// WithinThreshold показатели в норме
	WithinThreshold
	// Breach порог нарушен
	Breach
)

func (a Assessment) String() string {
	switch a {
	case WithinThreshold:
		return "within"
	case Breach:
		return "breach"
	default:
		return "no-evidence"
	}
}

// Signals наблюдения цикла по имени метрики
type Signals map[string]models.Observation

// Policy пороговая политика одного RCA-ресурса
type Policy interface {
	Name() string
	Assess(sig Signals) Assessment
}

// ShardRequestCachePolicy кэш запросов шарда "молотит": вытеснения заметны
// относительно попаданий, а размер уже уперся в максимум кэша
type ShardRequestCachePolicy struct {
	MinEvictions        float64
	MinEvictionHitRatio float64
	SizeThreshold       float64
}

// NewShardRequestCachePolicy создает политику из конфигурации
func NewShardRequestCachePolicy(cfg config.RCAConfig) ShardRequestCachePolicy {
	return ShardRequestCachePolicy{
		MinEvictions:        cfg.MinEvictions,
		MinEvictionHitRatio: cfg.MinEvictionHitRatio,
		SizeThreshold:       cfg.SizeThreshold,
	}
}

// Name имя RCA
func (p ShardRequestCachePolicy) Name() string {
	return models.RCAShardRequestCache
}

// Assess оценивает сигналы шарда
func (p ShardRequestCachePolicy) Assess(sig Signals) Assessment {
	hits := sig[models.CacheRequestHit]
	evictions := sig[models.CacheRequestEviction]
	size := sig[models.CacheRequestSize]
	maxSize := sig[models.CacheMaxSize]

	if !hits.Present || !evictions.Present || !size.Present || !maxSize.Present || maxSize.Value <= 0 {
		return NoEvidence
	}

	thrashing := evictions.Value > 0 && evictions.Value >= p.MinEvictions
	if thrashing && hits.Value > 0 {
		thrashing = evictions.Value/hits.Value >= p.MinEvictionHitRatio
	}
	full := size.Value >= p.SizeThreshold*maxSize.Value

	if thrashing && full {
		return Breach
	}
	return WithinThreshold
}

// HeapUsagePolicy куча узла заполнена выше порога
type HeapUsagePolicy struct {
	Threshold float64
}

// Name имя RCA
func (p HeapUsagePolicy) Name() string {
	return models.RCAHeapUsage
}

// Assess оценивает заполненность кучи
func (p HeapUsagePolicy) Assess(sig Signals) Assessment {
	used := sig[models.HeapUsed]
	heapMax := sig[models.HeapMax]
	if !used.Present || !heapMax.Present || heapMax.Value <= 0 {
		return NoEvidence
	}
	if used.Value/heapMax.Value >= p.Threshold {
		return Breach
	}
	return WithinThreshold
}
