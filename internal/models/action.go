package models

import (
	"fmt"
	"time"
)

// ActionType тип действия тюнинга
type ActionType string

const (
	ActionModifyCacheMaxSize ActionType = "MODIFY_CACHE_MAX_SIZE"
)

// Области применения действия
const (
	ScopeNode      = "node"
	ScopeDataNodes = "data-nodes"
)

// TuningAction действие, выпущенное Decider. Неизменяемо: заменяется только
// более поздним действием.
type TuningAction struct {
	ID            string       `json:"id"`
	Type          ActionType   `json:"type"`
	TargetNodeID  string       `json:"target_node_id,omitempty"`
	TargetScope   string       `json:"target_scope"`
	TargetKey     DimensionKey `json:"target_key"`
	CurrentValue  float64      `json:"current_value"`
	NewValue      float64      `json:"new_value"`
	Delta         float64      `json:"delta"`
	IssuedCycle   uint64       `json:"issued_cycle"`
	CoolOffCycles uint64       `json:"cool_off_cycles"`
	Reason        string       `json:"reason,omitempty"`
	IssuedAt      time.Time    `json:"issued_at"`
}

// ActionKey идентичность цели действия для cool-off
type ActionKey struct {
	Type   ActionType
	NodeID string
	Key    string
}

// String каноническая строка ключа
func (k ActionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Type, k.NodeID, k.Key)
}

// Key возвращает ключ цели действия
func (a TuningAction) Key() ActionKey {
	return ActionKey{Type: a.Type, NodeID: a.TargetNodeID, Key: a.TargetKey.String()}
}

// IdempotencyKey ключ идемпотентности (тип, цель, цикл выпуска)
func (a TuningAction) IdempotencyKey() string {
	return fmt.Sprintf("%s@%d", a.Key(), a.IssuedCycle)
}

// ActiveAt сообщает, действует ли cool-off в цикле cycle
func (a TuningAction) ActiveAt(cycle uint64) bool {
	return a.IssuedCycle+a.CoolOffCycles > cycle
}

// ActionFilter фильтр запроса сохраненных действий. Нулевые поля не фильтруют,
// ToCycle == 0 означает "без верхней границы".
type ActionFilter struct {
	Type      ActionType `json:"type,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	FromCycle uint64     `json:"from_cycle,omitempty"`
	ToCycle   uint64     `json:"to_cycle,omitempty"`
}

// Match проверяет действие по фильтру
func (f ActionFilter) Match(a TuningAction) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.NodeID != "" && a.TargetNodeID != f.NodeID {
		return false
	}
	if f.Key != "" && a.TargetKey.String() != f.Key {
		return false
	}
	if a.IssuedCycle < f.FromCycle {
		return false
	}
	if f.ToCycle != 0 && a.IssuedCycle > f.ToCycle {
		return false
	}
	return true
}
