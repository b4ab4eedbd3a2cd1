package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/models"
)

const (
	// ActionKeyPrefix префикс ключей действий (после общего префикса)
	ActionKeyPrefix = "action:"
	// CycleIndexKey sorted set ключей идемпотентности по циклу выпуска
	CycleIndexKey = "actions:by_cycle"
)

// RedisStore хранит действия в Redis. Само действие лежит под ключом
// идемпотентности (SETNX), индекс по циклу ведется в sorted set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore создает новое подключение к Redis
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (r *RedisStore) actionKey(idempotencyKey string) string {
	return r.prefix + ActionKeyPrefix + idempotencyKey
}

func (r *RedisStore) indexKey() string {
	return r.prefix + CycleIndexKey
}

// Put сохраняет действие, если ключ идемпотентности еще не занят
func (r *RedisStore) Put(ctx context.Context, a models.TuningAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	idem := a.IdempotencyKey()
	created, err := r.client.SetNX(ctx, r.actionKey(idem), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store action: %w", err)
	}

	// индекс пишется и при повторе: восстанавливает запись после сбоя между командами
	if err := r.client.ZAdd(ctx, r.indexKey(), &redis.Z{
		Score:  float64(a.IssuedCycle),
		Member: idem,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index action: %w", err)
	}

	if !created {
		return fmt.Errorf("%w: %s", faults.ErrDuplicateAction, idem)
	}
	return nil
}

// Query читает диапазон индекса и фильтрует действия
func (r *RedisStore) Query(ctx context.Context, f models.ActionFilter) ([]models.TuningAction, error) {
	maxScore := "+inf"
	if f.ToCycle != 0 {
		maxScore = strconv.FormatUint(f.ToCycle, 10)
	}
	members, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatUint(f.FromCycle, 10),
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read action index: %w", err)
	}

	out := make([]models.TuningAction, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.actionKey(m)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get actions: %w", err)
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var a models.TuningAction
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		if f.Match(a) {
			out = append(out, a)
		}
	}

	SortActions(out)
	return out, nil
}

// LastIssuedCycle старший элемент индекса
func (r *RedisStore) LastIssuedCycle(ctx context.Context) (uint64, error) {
	top, err := r.client.ZRevRangeWithScores(ctx, r.indexKey(), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read action index: %w", err)
	}
	if len(top) == 0 {
		return 0, nil
	}
	return uint64(top[0].Score), nil
}

// Ping проверяет соединение с Redis
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Flush удаляет все ключи хранилища (только для тестов)
func (r *RedisStore) Flush(ctx context.Context) error {
	members, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, m := range members {
		pipe.Del(ctx, r.actionKey(m))
	}
	pipe.Del(ctx, r.indexKey())
	_, err = pipe.Exec(ctx)
	return err
}
