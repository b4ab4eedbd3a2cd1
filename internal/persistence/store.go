// Package persistence хранит выпущенные действия тюнинга. Запись
// идемпотентна по ключу (тип, цель, цикл выпуска): повтор возвращает
// faults.ErrDuplicateAction и ничего не меняет.
package persistence

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/models"
)

// Store журнал действий
type Store interface {
	// Put сохраняет действие. Повтор с тем же ключом идемпотентности
	// возвращает ошибку, совместимую с faults.ErrDuplicateAction.
	Put(ctx context.Context, a models.TuningAction) error
	// Query возвращает действия по фильтру, упорядоченные по циклу выпуска
	Query(ctx context.Context, f models.ActionFilter) ([]models.TuningAction, error)
	// LastIssuedCycle наибольший сохраненный цикл выпуска, 0 если пусто
	LastIssuedCycle(ctx context.Context) (uint64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open создает хранилище по конфигурации
func Open(cfg config.PersistenceConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(), nil
	case config.BackendRedis:
		s, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendBadger:
		s, err := OpenBadgerStore(cfg.Badger, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown persistence backend %q", faults.ErrInvalidConfiguration, cfg.Backend)
	}
}

// MemoryStore хранилище в памяти процесса
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]models.TuningAction
	last    uint64
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]models.TuningAction)}
}

// Put сохраняет действие
func (m *MemoryStore) Put(ctx context.Context, a models.TuningAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := a.IdempotencyKey()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[key]; ok {
		return fmt.Errorf("%w: %s", faults.ErrDuplicateAction, key)
	}
	m.actions[key] = a
	m.last = max(m.last, a.IssuedCycle)
	return nil
}

// Query возвращает действия по фильтру
func (m *MemoryStore) Query(ctx context.Context, f models.ActionFilter) ([]models.TuningAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.TuningAction, 0)
	for _, a := range m.actions {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()

	SortActions(out)
	return out, nil
}

// LastIssuedCycle наибольший цикл выпуска
func (m *MemoryStore) LastIssuedCycle(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, ctx.Err()
}

// Ping всегда успешен
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close ничего не освобождает
func (m *MemoryStore) Close() error {
	return nil
}

// SortActions упорядочивает по циклу выпуска, затем по ключу цели
func SortActions(actions []models.TuningAction) {
	slices.SortFunc(actions, func(a, b models.TuningAction) int {
		return cmp.Or(
			cmp.Compare(a.IssuedCycle, b.IssuedCycle),
			cmp.Compare(a.Key().String(), b.Key().String()),
		)
	})
}

// Outstanding действия, чей cool-off еще действует в цикле cycle
func Outstanding(ctx context.Context, s Store, cycle, coolOff uint64) ([]models.TuningAction, error) {
	var from uint64
	if cycle > coolOff {
		from = cycle - coolOff
	}
	actions, err := s.Query(ctx, models.ActionFilter{FromCycle: from, ToCycle: cycle})
	if err != nil {
		return nil, err
	}
	active := actions[:0]
	for _, a := range actions {
		if a.ActiveAt(cycle) {
			active = append(active, a)
		}
	}
	return active, nil
}
