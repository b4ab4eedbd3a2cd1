// Package pipeline владеет циклом принятия решений: по тику часов проводит
// фазы COLLECTING, AGGREGATING, EVALUATING, DECIDING и PUBLISHING, каждая
// фаза является барьером. Узел данных отправляет итог цикла координатору,
// координатор сводит отчеты, решает и публикует действия.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"cachetune-service/internal/analytics"
	"cachetune-service/internal/config"
	"cachetune-service/internal/decider"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/metrics"
	"cachetune-service/internal/models"
	"cachetune-service/internal/persistence"
	"cachetune-service/internal/publisher"
	"cachetune-service/internal/rca"
	"cachetune-service/internal/samples"
	"cachetune-service/internal/topology"
	"cachetune-service/internal/transport"
)

var (
	// ErrBackpressure очередь приема переполнена
	ErrBackpressure = errors.New("sample inbox is full")
	// ErrNotCoordinator узел не является текущим координатором
	ErrNotCoordinator = errors.New("node is not the current coordinator")
)

// maxUnexpected сколько неожиданных ошибок хранится для диагностики
const maxUnexpected = 100

// Options зависимости конвейера
type Options struct {
	Config    config.Config
	Store     persistence.Store
	Transport transport.Transport
	Topology  *topology.Static
	Clock     clock.Clock
	Executor  publisher.Executor
	Logger    *slog.Logger
	// Publish параметры повторов доставки; нулевое значение означает publisher.DefaultOptions
	Publish publisher.Options
	// InboxSize емкость очереди сэмплов между циклами
	InboxSize int
}

type receivedReport struct {
	report models.NodeReport
	// atCycle цикл координатора, в котором отчет получен
	atCycle uint64
}

// Pipeline конвейер одного узла
type Pipeline struct {
	cfg   config.Config
	log   *slog.Logger
	clock clock.Clock
	topo  *topology.Static

	samples     *samples.Store
	agg         *analytics.Aggregator
	evaluator   *rca.Evaluator
	shardPolicy rca.ShardRequestCachePolicy
	heapPolicy  rca.HeapUsagePolicy
	decider     *decider.Decider
	store       persistence.Store
	pub         *publisher.Publisher
	applier     *publisher.Applier

	inbox chan models.MetricSample
	runMu sync.Mutex
	next  atomic.Uint64

	mu           sync.RWMutex
	phase        models.Phase
	completed    uint64
	verdicts     []models.HealthVerdict
	summaries    []models.AggregatedSummary
	reports      map[string]receivedReport
	lastDuration time.Duration

	ingested atomic.Uint64
	dropped  atomic.Uint64
	emitted  atomic.Uint64
	overruns atomic.Uint64

	errMu        sync.Mutex
	errorsByKind map[faults.Kind]int
	unexpected   []error
}

// New собирает конвейер
func New(opts Options) *Pipeline {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	topo := opts.Topology
	if topo == nil {
		topo = topology.NewStatic(cfg)
	}
	pubOpts := opts.Publish
	if pubOpts == (publisher.Options{}) {
		pubOpts = publisher.DefaultOptions()
	}
	inboxSize := opts.InboxSize
	if inboxSize <= 0 {
		inboxSize = 65536
	}
	logger = logger.With("node", cfg.Node.ID)

	store := samples.NewStore(cfg.Window.Cycles, cfg.Window.StaleNodeCycles)
	p := &Pipeline{
		cfg:          cfg,
		log:          logger,
		clock:        clk,
		topo:         topo,
		samples:      store,
		agg:          analytics.NewAggregator(store),
		evaluator:    rca.NewEvaluator(cfg.RCA.UnhealthyCycles, cfg.RCA.RecoveryCycles),
		shardPolicy:  rca.NewShardRequestCachePolicy(cfg.RCA),
		heapPolicy:   rca.HeapUsagePolicy{Threshold: cfg.RCA.HeapUsageThreshold},
		decider:      decider.New(cfg.Decider),
		store:        opts.Store,
		applier:      publisher.NewApplier(opts.Executor, logger),
		inbox:        make(chan models.MetricSample, inboxSize),
		phase:        models.PhaseIdle,
		reports:      make(map[string]receivedReport),
		errorsByKind: make(map[faults.Kind]int),
	}
	p.pub = publisher.New(opts.Store, opts.Transport, topo, clk, pubOpts, logger)
	p.pub.SetLocal(cfg.Node.ID, p.applier)
	p.next.Store(1)
	return p
}

// Submit ставит сэмпл в очередь. Сэмпл с Cycle == 0 относится к циклу,
// который его заберет.
func (p *Pipeline) Submit(s models.MetricSample) error {
	if s.NodeID == "" {
		s.NodeID = p.cfg.Node.ID
	}
	select {
	case p.inbox <- s:
		return nil
	default:
		p.dropped.Add(1)
		metrics.SamplesDropped.WithLabelValues("backpressure").Inc()
		return ErrBackpressure
	}
}

// Resume продолжает нумерацию циклов координатора после последнего
// сохраненного действия, чтобы cool-off пережил перезапуск
func (p *Pipeline) Resume(ctx context.Context) error {
	if !p.topo.IsCoordinator() || p.store == nil {
		return nil
	}
	last, err := p.store.LastIssuedCycle(ctx)
	if err != nil {
		return err
	}
	for {
		cur := p.next.Load()
		if last < cur {
			return nil
		}
		if p.next.CompareAndSwap(cur, last+1) {
			p.log.Info("cycle counter resumed", "cycle", last+1)
			return nil
		}
	}
}

// Run выполняет циклы по тику до отмены ctx. Цикл, не уложившийся в
// интервал, учитывается как overrun; следующий цикл не начинается, пока
// не закончен текущий.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Resume(ctx); err != nil {
		p.recordError(err)
		p.log.Warn("failed to resume cycle counter", "error", err)
	}

	interval := p.cfg.Cycle.Interval
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	p.log.Info("pipeline started", "interval", interval, "roles", strings.Join(p.cfg.Node.Roles, ","))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped", "cycle", p.Cycle())
			return nil
		case <-ticker.C:
			start := p.clock.Now()
			if err := p.RunCycle(ctx); err != nil && !faults.Expected(err) {
				p.log.Error("cycle failed", "error", err)
			}
			if elapsed := p.clock.Since(start); elapsed > interval {
				p.overruns.Add(1)
				metrics.CycleOverruns.Inc()
				p.log.Warn("cycle overran its interval", "elapsed", elapsed, "interval", interval)
			}
		}
	}
}

// ReceiveAction принимает действие для этого узла
func (p *Pipeline) ReceiveAction(ctx context.Context, a models.TuningAction) error {
	return p.applier.ReceiveAction(ctx, a)
}

func (p *Pipeline) setPhase(ph models.Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// Phase текущая фаза
func (p *Pipeline) Phase() models.Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase
}

// Cycle номер последнего завершенного цикла
func (p *Pipeline) Cycle() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completed
}

// Verdicts вердикты последнего цикла (на координаторе сведенные по кластеру)
func (p *Pipeline) Verdicts() []models.HealthVerdict {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.HealthVerdict, len(p.verdicts))
	copy(out, p.verdicts)
	return out
}

// Summaries агрегаты собственных партиций за последний цикл
func (p *Pipeline) Summaries() []models.AggregatedSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.AggregatedSummary, len(p.summaries))
	copy(out, p.summaries)
	return out
}

// Store хранилище действий
func (p *Pipeline) Store() persistence.Store {
	return p.store
}

// Topology топология узла
func (p *Pipeline) Topology() *topology.Static {
	return p.topo
}

// Applier приемник действий узла
func (p *Pipeline) Applier() *publisher.Applier {
	return p.applier
}

// Publisher очередь доставки
func (p *Pipeline) Publisher() *publisher.Publisher {
	return p.pub
}

// Config конфигурация узла
func (p *Pipeline) Config() config.Config {
	return p.cfg
}

// Stats сводка состояния конвейера
func (p *Pipeline) Stats() models.StatsResponse {
	p.mu.RLock()
	stats := models.StatsResponse{
		Cycle:            p.completed,
		Phase:            string(p.phase),
		LastCycleSeconds: p.lastDuration.Seconds(),
	}
	p.mu.RUnlock()

	stats.Partitions = len(p.samples.Partitions())
	stats.SamplesIngested = p.ingested.Load()
	stats.SamplesDropped = p.dropped.Load()
	stats.ActionsEmitted = p.emitted.Load()
	stats.Overruns = p.overruns.Load()
	stats.PendingDelivery = len(p.pub.Pending())

	p.errMu.Lock()
	stats.ErrorsByKind = make(map[string]int, len(p.errorsByKind))
	for k, n := range p.errorsByKind {
		stats.ErrorsByKind[string(k)] = n
	}
	p.errMu.Unlock()
	return stats
}

// UnexpectedErrors ошибки вне ожидаемой таксономии
func (p *Pipeline) UnexpectedErrors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	out := make([]error, len(p.unexpected))
	copy(out, p.unexpected)
	return out
}

func (p *Pipeline) recordError(err error) {
	if err == nil {
		return
	}
	kind := faults.Classify(err)
	metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.errorsByKind[kind]++
	if !faults.Expected(err) && len(p.unexpected) < maxUnexpected {
		p.unexpected = append(p.unexpected, err)
	}
}

func (p *Pipeline) roleLabel() string {
	switch {
	case p.topo.HasRole(config.RoleData) && p.topo.IsCoordinator():
		return "data+coordinator"
	case p.topo.IsCoordinator():
		return config.RoleCoordinator
	default:
		return config.RoleData
	}
}
