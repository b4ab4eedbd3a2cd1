// Package publisher сохраняет выпущенные действия и доставляет их целевым
// узлам по схеме at-least-once. Недоставленное остается в очереди до
// следующего цикла, получатель отбрасывает повторы по ключу идемпотентности.
package publisher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/metrics"
	"cachetune-service/internal/models"
	"cachetune-service/internal/persistence"
	"cachetune-service/internal/transport"
)

// Directory адреса узлов кластера
type Directory interface {
	Node(id string) (config.Member, bool)
	DataNodes() []config.Member
	Coordinator() (config.Member, bool)
}

// Options параметры повторов доставки
type Options struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions повторы укладываются в бюджет публикации цикла
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Delivery доставка одного действия одному узлу
type Delivery struct {
	Action   models.TuningAction `json:"action"`
	Target   string              `json:"target"`
	Attempts int                 `json:"attempts"`
}

func (d Delivery) id() string {
	return d.Action.IdempotencyKey() + "->" + d.Target
}

// Publisher сохраняет и доставляет действия
type Publisher struct {
	store     persistence.Store
	transport transport.Transport
	directory Directory
	clock     clock.Clock
	opts      Options
	log       *slog.Logger

	selfID string
	local  transport.ActionReceiver

	mu      sync.Mutex
	pending map[string]*Delivery
}

// New создает Publisher
func New(store persistence.Store, tr transport.Transport, dir Directory, clk clock.Clock, opts Options, logger *slog.Logger) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:     store,
		transport: tr,
		directory: dir,
		clock:     clk,
		opts:      opts,
		log:       logger.With("component", "publisher"),
		pending:   make(map[string]*Delivery),
	}
}

// SetLocal доставляет действия для selfID напрямую получателю, минуя транспорт
func (p *Publisher) SetLocal(selfID string, receiver transport.ActionReceiver) {
	p.selfID = selfID
	p.local = receiver
}

// Publish сохраняет действие и ставит его в очередь доставки. Действие
// получает ID и время выпуска. Действие без известных получателей не
// сохраняется. Повторная публикация того же действия возвращает ошибку,
// совместимую с faults.ErrDuplicateAction, и ничего не ставит в очередь.
func (p *Publisher) Publish(ctx context.Context, a models.TuningAction) (models.TuningAction, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.IssuedAt.IsZero() {
		a.IssuedAt = p.clock.Now().UTC()
	}

	targets, err := p.targets(a)
	if err != nil {
		return a, err
	}
	if len(targets) == 0 {
		return a, fmt.Errorf("action %s has no target nodes", a.IdempotencyKey())
	}

	if err := p.store.Put(ctx, a); err != nil {
		return a, fmt.Errorf("persist action %s: %w", a.IdempotencyKey(), err)
	}

	p.mu.Lock()
	for _, t := range targets {
		d := &Delivery{Action: a, Target: t}
		p.pending[d.id()] = d
	}
	metrics.PendingDeliveries.Set(float64(len(p.pending)))
	p.mu.Unlock()

	metrics.ActionsEmitted.WithLabelValues(string(a.Type)).Inc()
	p.log.Info("action published",
		"id", a.ID,
		"type", a.Type,
		"target", a.TargetNodeID,
		"scope", a.TargetScope,
		"cycle", a.IssuedCycle,
		"current", a.CurrentValue,
		"new", a.NewValue,
	)
	return a, nil
}

func (p *Publisher) targets(a models.TuningAction) ([]string, error) {
	switch a.TargetScope {
	case models.ScopeDataNodes:
		nodes := p.directory.DataNodes()
		out := make([]string, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, n.ID)
		}
		return out, nil
	default:
		if _, ok := p.directory.Node(a.TargetNodeID); !ok {
			return nil, fmt.Errorf("action %s targets unknown node %q", a.ID, a.TargetNodeID)
		}
		return []string{a.TargetNodeID}, nil
	}
}

// Flush пытается доставить все неподтвержденные действия в пределах ctx.
// Недоставленные остаются в очереди, ошибки собираются в одну.
func (p *Publisher) Flush(ctx context.Context) error {
	batch := p.Pending()
	if len(batch) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, d := range batch {
		err := p.deliver(ctx, d)

		p.mu.Lock()
		cur, ok := p.pending[d.id()]
		if ok {
			cur.Attempts++
		}
		if err == nil || isPermanent(err) {
			delete(p.pending, d.id())
		}
		metrics.PendingDeliveries.Set(float64(len(p.pending)))
		p.mu.Unlock()

		switch {
		case err == nil:
			p.log.Debug("action delivered", "id", d.Action.ID, "target", d.Target)
		case isPermanent(err):
			metrics.PublishFailures.WithLabelValues(d.Target).Inc()
			p.log.Error("action rejected by target, dropping", "id", d.Action.ID, "target", d.Target, "error", err)
			result = multierror.Append(result, fmt.Errorf("deliver %s to %s: %w", d.Action.ID, d.Target, err))
		default:
			metrics.PublishFailures.WithLabelValues(d.Target).Inc()
			p.log.Warn("action delivery failed, will retry next cycle", "id", d.Action.ID, "target", d.Target, "error", err)
			result = multierror.Append(result, fmt.Errorf("deliver %s to %s: %w: %v", d.Action.ID, d.Target, faults.ErrPublishTimeout, err))
		}
	}
	return result.ErrorOrNil()
}

func (p *Publisher) deliver(ctx context.Context, d Delivery) error {
	if d.Target == p.selfID && p.local != nil {
		return p.local.ReceiveAction(ctx, d.Action)
	}
	member, ok := p.directory.Node(d.Target)
	if !ok {
		return backoff.Permanent(fmt.Errorf("unknown node %q", d.Target))
	}
	return p.retry(ctx, func() error {
		return p.transport.SendAction(ctx, member.Addr, d.Action)
	})
}

// SendReport отправляет отчет узла координатору с повторами
func (p *Publisher) SendReport(ctx context.Context, r models.NodeReport) error {
	coord, ok := p.directory.Coordinator()
	if !ok {
		return fmt.Errorf("%w: coordinator is unknown", faults.ErrPublishTimeout)
	}
	err := p.retry(ctx, func() error {
		return p.transport.SendReport(ctx, coord.Addr, r)
	})
	if err != nil {
		metrics.PublishFailures.WithLabelValues(coord.ID).Inc()
		if isPermanent(err) {
			return fmt.Errorf("report rejected by %s: %w", coord.ID, err)
		}
		return fmt.Errorf("send report to %s: %w: %v", coord.ID, faults.ErrPublishTimeout, err)
	}
	return nil
}

func (p *Publisher) retry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.opts.InitialInterval
	exp.MaxInterval = p.opts.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Clock = p.clock

	return backoff.RetryNotifyWithTimer(func() error {
		err := op()
		var se *transport.StatusError
		if errors.As(err, &se) && se.Permanent() {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(exp, p.opts.MaxRetries), ctx), nil, &clockTimer{clock: p.clock})
}

// clockTimer таймер backoff поверх часов конвейера
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}

func isPermanent(err error) bool {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Pending копия очереди доставки, упорядоченная по циклу и цели
func (p *Publisher) Pending() []Delivery {
	p.mu.Lock()
	out := make([]Delivery, 0, len(p.pending))
	for _, d := range p.pending {
		out = append(out, *d)
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b Delivery) int {
		return cmp.Or(
			cmp.Compare(a.Action.IssuedCycle, b.Action.IssuedCycle),
			cmp.Compare(a.Target, b.Target),
		)
	})
	return out
}
