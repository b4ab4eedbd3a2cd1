package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"cachetune-service/internal/config"
	"cachetune-service/internal/decider"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/metrics"
	"cachetune-service/internal/models"
	"cachetune-service/internal/persistence"
	"cachetune-service/internal/rca"
	"cachetune-service/internal/samples"
)

var (
	cacheConfigKey = models.NewKey(models.ShardRequestCache)
	heapKey        = models.NewKey(models.HeapType)
)

// shardUnit шард узла, оцениваемый политикой кэша запросов
type shardUnit struct {
	node string
	key  models.DimensionKey
}

// RunCycle выполняет ровно один проход конвейера. Отмена ctx посреди
// цикла отбрасывает его результаты: ничего не публикуется.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	cycle := p.next.Load()
	started := p.clock.Now()
	cc := models.NewCycleContext(cycle, started)
	log := p.log.With("cycle", cycle)
	defer p.setPhase(models.PhaseIdle)

	// номер цикла расходуется даже при отмене: автоматы RCA уже могли сдвинуться
	defer p.next.CompareAndSwap(cycle, cycle+1)

	var result *multierror.Error
	fail := func(err error) {
		p.recordError(err)
		result = multierror.Append(result, err)
	}

	p.setPhase(models.PhaseCollecting)
	p.collect(cycle)
	if err := ctx.Err(); err != nil {
		return p.discard(cycle, err)
	}

	p.setPhase(models.PhaseAggregating)
	if err := p.aggregate(ctx, cc); err != nil {
		return p.discard(cycle, err)
	}

	p.setPhase(models.PhaseEvaluating)
	if err := p.evaluate(ctx, cc); err != nil {
		return p.discard(cycle, err)
	}

	coordinator := p.topo.IsCoordinator()
	verdicts := cc.Verdicts
	if coordinator {
		p.setPhase(models.PhaseDeciding)
		verdicts = p.mergeReports(cc)
		if err := ctx.Err(); err != nil {
			return p.discard(cycle, err)
		}
		if action, err := p.decide(ctx, cc, verdicts); err != nil {
			fail(err)
		} else if action != nil {
			cc.Actions = append(cc.Actions, *action)
		}
	}

	if err := ctx.Err(); err != nil {
		return p.discard(cycle, err)
	}

	p.setPhase(models.PhasePublishing)
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.Cycle.PublishTimeout)
	for _, a := range cc.Actions {
		published, err := p.pub.Publish(pubCtx, a)
		switch {
		case err == nil:
			p.emitted.Add(1)
		case errors.Is(err, faults.ErrDuplicateAction):
			p.recordError(err)
			log.Info("action already persisted", "key", published.IdempotencyKey())
		default:
			fail(err)
		}
	}
	if coordinator {
		if err := p.pub.Flush(pubCtx); err != nil {
			fail(err)
		}
	}
	if !coordinator && p.topo.HasRole(config.RoleData) {
		if err := p.pub.SendReport(pubCtx, p.report(cc)); err != nil {
			fail(err)
			log.Warn("report not delivered", "error", err)
		}
	}
	cancel()

	elapsed := p.clock.Since(started)
	p.mu.Lock()
	p.completed = cycle
	p.verdicts = verdicts
	p.summaries = cc.Summaries
	p.lastDuration = elapsed
	p.mu.Unlock()

	metrics.CyclesTotal.WithLabelValues(p.roleLabel()).Inc()
	metrics.CycleDuration.Observe(elapsed.Seconds())
	metrics.UpdateVerdictMetrics(countStates(verdicts))

	log.Debug("cycle complete",
		"elapsed", elapsed,
		"partitions", len(cc.Summaries),
		"verdicts", len(verdicts),
		"actions", len(cc.Actions),
	)
	return result.ErrorOrNil()
}

func (p *Pipeline) discard(cycle uint64, err error) error {
	err = fmt.Errorf("cycle %d discarded: %w", cycle, err)
	p.recordError(err)
	p.log.Info("cycle discarded", "cycle", cycle, "error", err)
	return err
}

// collect переносит очередь в окна. Единственный писатель окон.
func (p *Pipeline) collect(cycle uint64) {
	for n := len(p.inbox); n > 0; n-- {
		s := <-p.inbox
		if s.Cycle == 0 {
			s.Cycle = cycle
		}
		if s.Cycle > cycle {
			p.dropped.Add(1)
			metrics.SamplesDropped.WithLabelValues("future_cycle").Inc()
			p.log.Debug("sample from a future cycle dropped",
				"node_id", s.NodeID, "resource", s.Resource, "sample_cycle", s.Cycle, "cycle", cycle)
			continue
		}
		if p.samples.Record(s) {
			p.ingested.Add(1)
			metrics.SamplesIngested.Inc()
		} else {
			p.dropped.Add(1)
			metrics.SamplesDropped.WithLabelValues("outside_window").Inc()
		}
	}

	removed := p.samples.Prune(cycle)
	if len(removed) == 0 {
		return
	}
	p.forget(removed, cycle)
}

type trackerID struct{ node, resource, key string }

// forget удаляет автоматы RCA, у которых не осталось ни одной живой партиции
func (p *Pipeline) forget(removed []samples.Partition, cycle uint64) {
	live := make(map[trackerID]bool)
	nodes := make(map[string]bool)
	for _, part := range p.samples.Partitions() {
		nodes[part.NodeID] = true
		if resource, key, ok := rcaTracker(part); ok {
			live[trackerID{part.NodeID, resource, key.String()}] = true
		}
	}

	gone := make(map[string]bool)
	for _, part := range removed {
		if !nodes[part.NodeID] {
			gone[part.NodeID] = true
			continue
		}
		resource, key, ok := rcaTracker(part)
		if !ok || live[trackerID{part.NodeID, resource, key.String()}] {
			continue
		}
		p.evaluator.Forget(part.NodeID, resource, key)
		p.log.Debug("rca state expired", "node_id", part.NodeID, "resource", resource, "key", key.String(), "cycle", cycle)
	}
	for node := range gone {
		p.evaluator.ForgetNode(node)
		p.log.Info("node samples expired", "node_id", node, "cycle", cycle)
	}
}

// rcaTracker автомат RCA, который питается метрикой партиции
func rcaTracker(part samples.Partition) (string, models.DimensionKey, bool) {
	switch part.Resource {
	case models.CacheRequestHit, models.CacheRequestEviction, models.CacheRequestSize:
		return models.RCAShardRequestCache, part.Key, true
	case models.HeapUsed, models.HeapMax:
		return models.RCAHeapUsage, heapKey, true
	}
	return "", nil, false
}

// aggregate сводит окна партиций и емкостной контекст узлов
func (p *Pipeline) aggregate(ctx context.Context, cc *models.CycleContext) error {
	parts := p.samples.Partitions()
	summaries := make([]models.AggregatedSummary, len(parts))
	found := make([]bool, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Cycle.Workers)
	for i, part := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			summaries[i], found[i] = p.agg.Summarize(part.Resource, part.Key, part.NodeID, cc.Cycle)
			return nil
		})
	}

	nodes := p.samples.Nodes()
	facts := make([]models.CapacityFacts, len(nodes))
	for i, node := range nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			facts[i] = models.CapacityFacts{
				NodeID:       node,
				CacheMaxSize: p.agg.ObserveLatest(models.CacheMaxSize, cacheConfigKey, node, cc.Cycle),
				HeapMax:      p.agg.ObserveLatest(models.HeapMax, heapKey, node, cc.Cycle),
				HeapUsed:     p.agg.Observe(models.HeapUsed, heapKey, node, cc.Cycle),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range parts {
		if found[i] {
			cc.Summaries = append(cc.Summaries, summaries[i])
		}
	}
	for _, f := range facts {
		cc.Capacity[f.NodeID] = f
	}
	return ctx.Err()
}

// evaluate прогоняет политики RCA по шардам и кучам узлов
func (p *Pipeline) evaluate(ctx context.Context, cc *models.CycleContext) error {
	units := shardUnits(p.samples.Partitions())
	nodes := make([]string, 0, len(cc.Capacity))
	for n := range cc.Capacity {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	verdicts := make([]models.HealthVerdict, len(units)+len(nodes))
	missing := make([]bool, len(units)+len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Cycle.Workers)
	for i, u := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sig := rca.Signals{
				models.CacheRequestHit:      p.agg.Observe(models.CacheRequestHit, u.key, u.node, cc.Cycle),
				models.CacheRequestEviction: p.agg.Observe(models.CacheRequestEviction, u.key, u.node, cc.Cycle),
				models.CacheRequestSize:     p.agg.Observe(models.CacheRequestSize, u.key, u.node, cc.Cycle),
				models.CacheMaxSize:         cc.Capacity[u.node].CacheMaxSize,
			}
			a := p.shardPolicy.Assess(sig)
			missing[i] = a == rca.NoEvidence
			verdicts[i] = p.evaluator.Apply(u.node, p.shardPolicy.Name(), u.key, cc.Cycle, a)
			return nil
		})
	}
	for j, node := range nodes {
		i := len(units) + j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			facts := cc.Capacity[node]
			a := p.heapPolicy.Assess(rca.Signals{
				models.HeapUsed: facts.HeapUsed,
				models.HeapMax:  facts.HeapMax,
			})
			missing[i] = a == rca.NoEvidence
			verdicts[i] = p.evaluator.Apply(node, p.heapPolicy.Name(), heapKey, cc.Cycle, a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, v := range verdicts {
		if missing[i] {
			p.recordError(fmt.Errorf("%s %s on %s: %w", v.Resource, v.Key, v.NodeID, faults.ErrMissingEvidence))
		}
	}
	rca.SortVerdicts(verdicts)
	cc.Verdicts = verdicts
	return ctx.Err()
}

// shardUnits шарды, по которым есть хотя бы одна метрика кэша запросов
func shardUnits(parts []samples.Partition) []shardUnit {
	seen := make(map[string]bool)
	var units []shardUnit
	for _, part := range parts {
		switch part.Resource {
		case models.CacheRequestHit, models.CacheRequestEviction, models.CacheRequestSize:
		default:
			continue
		}
		id := part.NodeID + "\x00" + part.Key.String()
		if seen[id] {
			continue
		}
		seen[id] = true
		units = append(units, shardUnit{node: part.NodeID, key: part.Key})
	}
	return units
}

// decide применяет Decider к сведенным вердиктам узлов топологии с учетом
// действующих cool-off
func (p *Pipeline) decide(ctx context.Context, cc *models.CycleContext, verdicts []models.HealthVerdict) (*models.TuningAction, error) {
	if p.store == nil {
		return nil, errors.New("coordinator has no action store")
	}
	outstanding, err := persistence.Outstanding(ctx, p.store, cc.Cycle, p.cfg.Decider.CoolOffCycles)
	if err != nil {
		return nil, fmt.Errorf("load outstanding actions: %w", err)
	}

	members := make([]models.HealthVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		if _, ok := p.topo.Node(v.NodeID); ok {
			members = append(members, v)
		}
	}

	action, reason := p.decider.Decide(decider.Input{
		Cycle:       cc.Cycle,
		Verdicts:    members,
		Capacity:    cc.Capacity,
		Outstanding: outstanding,
	})
	metrics.Decisions.WithLabelValues(string(reason)).Inc()
	if reason != decider.ReasonNoUnhealthyVerdict {
		p.log.Info("decision", "cycle", cc.Cycle, "reason", reason)
	}
	return action, nil
}

func countStates(verdicts []models.HealthVerdict) map[string]int {
	counts := map[string]int{
		string(models.StateUnknown):   0,
		string(models.StateHealthy):   0,
		string(models.StateSuspect):   0,
		string(models.StateUnhealthy): 0,
	}
	for _, v := range verdicts {
		counts[string(v.State)]++
	}
	return counts
}
