package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/models"
)

// Ключи журнала: a/<idempotency key> -> JSON действия,
// c/<cycle big-endian>/<idempotency key> -> пусто (индекс по циклу)
var (
	actionPrefix = []byte("a/")
	cyclePrefix  = []byte("c/")
)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore встроенный журнал действий на BadgerDB
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore открывает базу по пути или в памяти
func OpenBadgerStore(cfg config.BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: badger path is required", faults.ErrInvalidConfiguration)
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func actionKey(idem string) []byte {
	return append(append([]byte{}, actionPrefix...), idem...)
}

func cycleKey(cycle uint64, idem string) []byte {
	k := make([]byte, 0, len(cyclePrefix)+8+1+len(idem))
	k = append(k, cyclePrefix...)
	k = binary.BigEndian.AppendUint64(k, cycle)
	k = append(k, '/')
	return append(k, idem...)
}

// Put сохраняет действие в одной транзакции с индексом
func (b *BadgerStore) Put(ctx context.Context, a models.TuningAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	idem := a.IdempotencyKey()

	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(actionKey(idem))
		if err == nil {
			return fmt.Errorf("%w: %s", faults.ErrDuplicateAction, idem)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read action %s: %w", idem, err)
		}
		if err := txn.Set(actionKey(idem), data); err != nil {
			return err
		}
		return txn.Set(cycleKey(a.IssuedCycle, idem), nil)
	})
}

// Query идет по индексу циклов начиная с FromCycle
func (b *BadgerStore) Query(ctx context.Context, f models.ActionFilter) ([]models.TuningAction, error) {
	out := make([]models.TuningAction, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(cycleKey(f.FromCycle, "")); it.ValidForPrefix(cyclePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			cycle := binary.BigEndian.Uint64(key[len(cyclePrefix):])
			if f.ToCycle != 0 && cycle > f.ToCycle {
				break
			}
			idem := string(key[len(cyclePrefix)+9:])

			item, err := txn.Get(actionKey(idem))
			if err != nil {
				return fmt.Errorf("read action %s: %w", idem, err)
			}
			var a models.TuningAction
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return fmt.Errorf("decode action %s: %w", idem, err)
			}
			if f.Match(a) {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	SortActions(out)
	return out, nil
}

// LastIssuedCycle последний ключ индекса
func (b *BadgerStore) LastIssuedCycle(ctx context.Context) (uint64, error) {
	var last uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// в обратном порядке Seek ищет ключ <= заданного
		upper := append(append([]byte{}, cyclePrefix...), bytes.Repeat([]byte{0xff}, 10)...)
		it.Seek(upper)
		if it.ValidForPrefix(cyclePrefix) {
			last = binary.BigEndian.Uint64(it.Item().Key()[len(cyclePrefix):])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return last, ctx.Err()
}

// Ping проверяет, что база открыта
func (b *BadgerStore) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return ctx.Err()
}

// Close закрывает базу
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
