// Package models содержит структуры данных конвейера тюнинга кэшей:
// сэмплы метрик, агрегаты, вердикты RCA и действия
package models

import (
	"strings"
	"time"
)

// Имена ресурсов (метрик), которые собирают агенты на узлах
const (
	CacheRequestSize     = "Cache_Request_Size"
	CacheRequestEviction = "Cache_Request_Eviction"
	CacheRequestHit      = "Cache_Request_Hit"
	CacheMaxSize         = "Cache_Max_Size"
	HeapMax              = "Heap_Max"
	HeapUsed             = "Heap_Used"
)

// Значения измерений для узловых метрик
const (
	ShardRequestCache = "shard_request_cache"
	HeapType          = "heap"
)

// keySeparator разделитель в канонической строке DimensionKey
const keySeparator = "|"

// DimensionKey упорядоченный кортеж значений измерений.
// Равенство позиционное и точное.
type DimensionKey []string

// NewKey создает ключ из значений измерений
func NewKey(values ...string) DimensionKey {
	k := make(DimensionKey, len(values))
	copy(k, values)
	return k
}

// ShardKey ключ шардовой метрики (index, shard)
func ShardKey(index, shard string) DimensionKey {
	return NewKey(index, shard)
}

// String возвращает каноническую форму ключа
func (k DimensionKey) String() string {
	return strings.Join(k, keySeparator)
}

// Equal сравнивает ключи позиционно
func (k DimensionKey) Equal(other DimensionKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// ParseKey восстанавливает ключ из канонической формы
func ParseKey(s string) DimensionKey {
	if s == "" {
		return DimensionKey{}
	}
	return DimensionKey(strings.Split(s, keySeparator))
}

// MetricSample одно значение метрики за цикл. Неизменяем после записи.
type MetricSample struct {
	Resource string       `json:"resource"`
	Key      DimensionKey `json:"key"`
	NodeID   string       `json:"node_id"`
	Value    float64      `json:"value"`
	Cycle    uint64       `json:"cycle"`
}

// SubmitRequest тело POST /v1/samples.
// Cycle == 0 означает "текущий цикл узла".
type SubmitRequest struct {
	Resource string   `json:"resource" validate:"required,max=128"`
	Key      []string `json:"key" validate:"required,min=1,max=8,dive,required,max=256"`
	NodeID   string   `json:"node_id" validate:"omitempty,max=128"`
	Value    *float64 `json:"value" validate:"required"`
	Cycle    uint64   `json:"cycle"`
}

// Sample переводит запрос в сэмпл
func (r SubmitRequest) Sample(defaultNode string) MetricSample {
	node := r.NodeID
	if node == "" {
		node = defaultNode
	}
	return MetricSample{
		Resource: r.Resource,
		Key:      NewKey(r.Key...),
		NodeID:   node,
		Value:    *r.Value,
		Cycle:    r.Cycle,
	}
}

// SamplesBatch представляет пакет сэмплов для массовой загрузки
type SamplesBatch struct {
	Samples []SubmitRequest `json:"samples" validate:"required,min=1,max=10000,dive"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	NodeID      string    `json:"node_id"`
	Role        string    `json:"role"`
	Coordinator string    `json:"coordinator"`
	Persistence string    `json:"persistence"`
	Uptime      string    `json:"uptime"`
}

// StatsResponse содержит статистику конвейера
type StatsResponse struct {
	Cycle            uint64         `json:"cycle"`
	Phase            string         `json:"phase"`
	Partitions       int            `json:"partitions"`
	SamplesIngested  uint64         `json:"samples_ingested"`
	SamplesDropped   uint64         `json:"samples_dropped"`
	ActionsEmitted   uint64         `json:"actions_emitted"`
	PendingDelivery  int            `json:"pending_delivery"`
	Overruns         uint64         `json:"overruns"`
	ErrorsByKind     map[string]int `json:"errors_by_kind"`
	LastCycleSeconds float64        `json:"last_cycle_seconds"`
}
