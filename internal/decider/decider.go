// Package decider превращает вердикты RCA и емкостной контекст узлов
// в не более чем одно действие тюнинга за вызов
package decider

import (
	"fmt"
	"math"
	"slices"

	"cachetune-service/internal/config"
	"cachetune-service/internal/models"
)

// Reason причина решения
type Reason string

const (
	ReasonEmitted            Reason = "emitted"
	ReasonNoUnhealthyVerdict Reason = "no_unhealthy_verdict"
	ReasonCoolOff            Reason = "cool_off"
	ReasonMissingCapacity    Reason = "missing_capacity"
	ReasonHeapPressure       Reason = "heap_pressure"
	ReasonExceedsHeapCeiling Reason = "exceeds_heap_ceiling"
)

// Input входные данные одного решения
type Input struct {
	Cycle       uint64
	Verdicts    []models.HealthVerdict
	Capacity    map[string]models.CapacityFacts
	Outstanding []models.TuningAction
}

// Decider детерминирован: одинаковый Input дает одинаковый результат
type Decider struct {
	cfg config.DeciderConfig
}

// New создает Decider
func New(cfg config.DeciderConfig) *Decider {
	return &Decider{cfg: cfg}
}

// Decide применяет правила по порядку: есть подтвержденный UNHEALTHY вердикт,
// нет действующего cool-off, новый размер не выходит за потолок от кучи.
// Узлы перебираются по возрастанию ID, действие получает первый прошедший.
// Если не прошел никто, возвращается причина отказа первого кандидата.
func (d *Decider) Decide(in Input) (*models.TuningAction, Reason) {
	unhealthyShards := make(map[string]int)
	heapUnhealthy := make(map[string]bool)
	for _, v := range in.Verdicts {
		switch v.Resource {
		case models.RCAShardRequestCache:
			if v.Unhealthy(d.cfg.MinEvidenceCycles) {
				unhealthyShards[v.NodeID]++
			}
		case models.RCAHeapUsage:
			if v.State == models.StateUnhealthy {
				heapUnhealthy[v.NodeID] = true
			}
		}
	}
	if len(unhealthyShards) == 0 {
		return nil, ReasonNoUnhealthyVerdict
	}

	nodes := make([]string, 0, len(unhealthyShards))
	for n := range unhealthyShards {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	var firstRefusal Reason
	for _, node := range nodes {
		action, reason := d.decideNode(in, node, heapUnhealthy[node], unhealthyShards[node])
		if action != nil {
			return action, ReasonEmitted
		}
		if firstRefusal == "" {
			firstRefusal = reason
		}
	}
	return nil, firstRefusal
}

func (d *Decider) decideNode(in Input, node string, heapUnhealthy bool, shards int) (*models.TuningAction, Reason) {
	target := models.ActionKey{
		Type:   models.ActionModifyCacheMaxSize,
		NodeID: node,
		Key:    models.NewKey(models.ShardRequestCache).String(),
	}
	for _, a := range in.Outstanding {
		if a.Key() == target && a.ActiveAt(in.Cycle) {
			return nil, ReasonCoolOff
		}
	}

	capacity, ok := in.Capacity[node]
	if !ok || !capacity.CacheMaxSize.Present || !capacity.HeapMax.Present ||
		capacity.CacheMaxSize.Value <= 0 || capacity.HeapMax.Value <= 0 {
		return nil, ReasonMissingCapacity
	}
	if heapUnhealthy {
		return nil, ReasonHeapPressure
	}

	current := capacity.CacheMaxSize.Value
	proposed := NextSize(current, d.cfg.StepPercent)
	ceiling := capacity.HeapMax.Value * d.cfg.CacheHeapCeilingRatio
	if proposed > ceiling {
		return nil, ReasonExceedsHeapCeiling
	}

	return &models.TuningAction{
		Type:          models.ActionModifyCacheMaxSize,
		TargetNodeID:  node,
		TargetScope:   models.ScopeNode,
		TargetKey:     models.NewKey(models.ShardRequestCache),
		CurrentValue:  current,
		NewValue:      proposed,
		Delta:         proposed - current,
		IssuedCycle:   in.Cycle,
		CoolOffCycles: d.cfg.CoolOffCycles,
		Reason: fmt.Sprintf("%d shard(s) thrashing shard request cache at max size %.0f; ceiling %.0f",
			shards, current, ceiling),
	}, ReasonEmitted
}

// NextSize увеличивает размер на ограниченный шаг, минимум на единицу
func NextSize(current, stepPercent float64) float64 {
	step := math.Floor(current * stepPercent)
	if step < 1 {
		step = 1
	}
	return current + step
}
