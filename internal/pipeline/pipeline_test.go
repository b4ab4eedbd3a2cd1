package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/logging"
	"cachetune-service/internal/models"
	"cachetune-service/internal/persistence"
	"cachetune-service/internal/publisher"
	"cachetune-service/internal/topology"
	"cachetune-service/internal/transport"
)

var shard = models.ShardKey("logs", "0")

type load struct {
	hits, evictions, size, maxSize float64
	heapMax, heapUsed              float64
}

var thrashing = load{hits: 1, evictions: 1, size: 100, maxSize: 100, heapMax: 1_000_000, heapUsed: 100_000}

func testConfig(id string) config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Cluster.CoordinatorID = id
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config) (*Pipeline, *persistence.MemoryStore, *clock.Mock) {
	t.Helper()
	store := persistence.NewMemoryStore()
	clk := clock.NewMock()
	p := New(Options{
		Config:    cfg,
		Store:     store,
		Transport: transport.NewLoopback(),
		Clock:     clk,
		Logger:    logging.Discard(),
	})
	return p, store, clk
}

func submit(t *testing.T, p *Pipeline, node string, l load) {
	t.Helper()
	put := func(resource string, key models.DimensionKey, v float64) {
		require.NoError(t, p.Submit(models.MetricSample{Resource: resource, Key: key, NodeID: node, Value: v}))
	}
	put(models.CacheRequestHit, shard, l.hits)
	put(models.CacheRequestEviction, shard, l.evictions)
	put(models.CacheRequestSize, shard, l.size)
	put(models.CacheMaxSize, models.NewKey(models.ShardRequestCache), l.maxSize)
	if l.heapMax > 0 {
		put(models.HeapMax, models.NewKey(models.HeapType), l.heapMax)
		put(models.HeapUsed, models.NewKey(models.HeapType), l.heapUsed)
	}
}

func submitCapacity(t *testing.T, p *Pipeline, node string, l load) {
	t.Helper()
	put := func(resource string, key models.DimensionKey, v float64) {
		require.NoError(t, p.Submit(models.MetricSample{Resource: resource, Key: key, NodeID: node, Value: v}))
	}
	put(models.CacheMaxSize, models.NewKey(models.ShardRequestCache), l.maxSize)
	put(models.HeapMax, models.NewKey(models.HeapType), l.heapMax)
	put(models.HeapUsed, models.NewKey(models.HeapType), l.heapUsed)
}

func runCycles(t *testing.T, p *Pipeline, n int, node string, l load) {
	t.Helper()
	for i := 0; i < n; i++ {
		submit(t, p, node, l)
		require.NoError(t, p.RunCycle(context.Background()))
	}
}

func storedActions(t *testing.T, s persistence.Store) []models.TuningAction {
	t.Helper()
	actions, err := s.Query(context.Background(), models.ActionFilter{})
	require.NoError(t, err)
	return actions
}

func shardVerdict(t *testing.T, p *Pipeline, node string) models.HealthVerdict {
	t.Helper()
	for _, v := range p.Verdicts() {
		if v.NodeID == node && v.Resource == models.RCAShardRequestCache {
			return v
		}
	}
	t.Fatalf("no shard verdict for %s", node)
	return models.HealthVerdict{}
}

func TestRunCycle_EmitsActionAfterEvidence(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))

	runCycles(t, p, 2, "node-0", thrashing)
	assert.Empty(t, storedActions(t, store), "no action before N unhealthy cycles")
	assert.Equal(t, models.StateSuspect, shardVerdict(t, p, "node-0").State)

	runCycles(t, p, 1, "node-0", thrashing)
	actions := storedActions(t, store)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, models.ActionModifyCacheMaxSize, a.Type)
	assert.Equal(t, "node-0", a.TargetNodeID)
	assert.Equal(t, uint64(3), a.IssuedCycle)
	assert.Equal(t, 100.0, a.CurrentValue)
	assert.Equal(t, 110.0, a.NewValue)
	assert.NotEmpty(t, a.ID)

	applied := p.Applier().Applied()
	require.Len(t, applied, 1, "co-located node applies its own action")
	assert.Equal(t, a.ID, applied[0].ID)
	assert.Empty(t, p.Publisher().Pending())

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Cycle)
	assert.Equal(t, uint64(1), stats.ActionsEmitted)
	assert.Equal(t, string(models.PhaseIdle), stats.Phase)
	assert.Empty(t, p.UnexpectedErrors())
}

func TestRunCycle_CoolOffBetweenActions(t *testing.T) {
	cfg := testConfig("node-0")
	p, store, _ := newTestPipeline(t, cfg)

	runCycles(t, p, 14, "node-0", thrashing)
	require.Len(t, storedActions(t, store), 1, "cool-off of 12 cycles holds from cycle 3 to 14")

	runCycles(t, p, 1, "node-0", thrashing)
	actions := storedActions(t, store)
	require.Len(t, actions, 2)
	assert.Equal(t, uint64(3), actions[0].IssuedCycle)
	assert.Equal(t, uint64(15), actions[1].IssuedCycle)

	for i := 1; i < len(actions); i++ {
		gap := actions[i].IssuedCycle - actions[i-1].IssuedCycle
		assert.GreaterOrEqual(t, gap, cfg.Decider.CoolOffCycles)
	}
}

func TestRunCycle_HeapCeilingBlocksAction(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))
	near := thrashing
	near.heapMax = 2000
	near.heapUsed = 500

	runCycles(t, p, 6, "node-0", near)
	assert.Empty(t, storedActions(t, store))
	assert.Equal(t, models.StateUnhealthy, shardVerdict(t, p, "node-0").State)
}

func TestRunCycle_HeapPressureBlocksAction(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))
	hot := thrashing
	hot.heapUsed = 990_000

	runCycles(t, p, 6, "node-0", hot)
	assert.Empty(t, storedActions(t, store))
}

func TestRunCycle_AbsentMetricsHoldState(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))
	healthy := thrashing
	healthy.evictions = 0

	runCycles(t, p, 1, "node-0", healthy)
	require.Equal(t, models.StateHealthy, shardVerdict(t, p, "node-0").State)

	for i := 0; i < 4; i++ {
		require.NoError(t, p.RunCycle(context.Background()))
		assert.Equal(t, models.StateHealthy, shardVerdict(t, p, "node-0").State)
	}
	assert.Empty(t, storedActions(t, store))
	assert.Positive(t, p.Stats().ErrorsByKind[string(faults.KindMissingEvidence)])
	assert.Empty(t, p.UnexpectedErrors())
}

func TestRunCycle_HeldUnhealthyDoesNotAct(t *testing.T) {
	cfg := testConfig("node-0")
	cfg.Decider.CoolOffCycles = 1
	p, store, _ := newTestPipeline(t, cfg)

	runCycles(t, p, 3, "node-0", thrashing)
	require.Len(t, storedActions(t, store), 1)

	for i := 0; i < 2; i++ {
		submitCapacity(t, p, "node-0", thrashing)
		require.NoError(t, p.RunCycle(context.Background()))
		v := shardVerdict(t, p, "node-0")
		assert.Equal(t, models.StateUnhealthy, v.State)
		assert.True(t, v.Held)
	}

	require.NoError(t, p.Submit(models.MetricSample{Resource: models.CacheRequestHit, Key: shard, NodeID: "node-0", Value: 1}))
	submitCapacity(t, p, "node-0", thrashing)
	require.NoError(t, p.RunCycle(context.Background()))
	assert.Len(t, storedActions(t, store), 1, "no action without a breach in the current cycle")

	runCycles(t, p, 1, "node-0", thrashing)
	actions := storedActions(t, store)
	require.Len(t, actions, 2, "a fresh breach acts again once cool-off is over")
	assert.Equal(t, uint64(7), actions[1].IssuedCycle)
}

func TestRunCycle_ShardStateExpiresWithItsSamples(t *testing.T) {
	cfg := testConfig("node-0")
	cfg.Decider.CoolOffCycles = 1
	p, store, _ := newTestPipeline(t, cfg)

	runCycles(t, p, 3, "node-0", thrashing)
	require.Len(t, storedActions(t, store), 1)

	// the node keeps reporting capacity while the shard goes quiet
	for i := 0; i < 13; i++ {
		submitCapacity(t, p, "node-0", thrashing)
		require.NoError(t, p.RunCycle(context.Background()))
	}
	for _, v := range p.Verdicts() {
		assert.NotEqual(t, models.RCAShardRequestCache, v.Resource, "shard tracker outlived its samples")
	}

	require.NoError(t, p.Submit(models.MetricSample{Resource: models.CacheRequestHit, Key: shard, NodeID: "node-0", Value: 1}))
	submitCapacity(t, p, "node-0", thrashing)
	require.NoError(t, p.RunCycle(context.Background()))

	assert.Equal(t, models.StateUnknown, shardVerdict(t, p, "node-0").State)
	assert.Len(t, storedActions(t, store), 1)
	assert.Empty(t, p.UnexpectedErrors())
}

func TestRunCycle_UnknownNodeGetsNoAction(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))

	runCycles(t, p, 5, "data-9", thrashing)
	assert.Equal(t, models.StateUnhealthy, shardVerdict(t, p, "data-9").State)
	assert.Empty(t, storedActions(t, store), "nodes outside the topology cannot be tuned")
	assert.Empty(t, p.Publisher().Pending())
	assert.Empty(t, p.UnexpectedErrors())
}

func TestRunCycle_StaleNodeIsForgotten(t *testing.T) {
	cfg := testConfig("node-0")
	cfg.Window.StaleNodeCycles = 2
	p, _, _ := newTestPipeline(t, cfg)

	runCycles(t, p, 1, "data-9", thrashing)
	require.NotEmpty(t, p.Verdicts())

	require.NoError(t, p.RunCycle(context.Background()))
	require.NoError(t, p.RunCycle(context.Background()))
	assert.Empty(t, p.Verdicts())
	assert.Zero(t, p.Stats().Partitions)
}

func TestRunCycle_CanceledCycleIsDiscarded(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))
	runCycles(t, p, 2, "node-0", thrashing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	submit(t, p, "node-0", thrashing)
	err := p.RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, storedActions(t, store))
	assert.Equal(t, uint64(2), p.Cycle(), "discarded cycle is not reported as completed")
	assert.Equal(t, 1, p.Stats().ErrorsByKind[string(faults.KindCanceled)])
	assert.Empty(t, p.UnexpectedErrors())
}

func TestSubmit_Backpressure(t *testing.T) {
	p := New(Options{
		Config:    testConfig("node-0"),
		Store:     persistence.NewMemoryStore(),
		Transport: transport.NewLoopback(),
		Logger:    logging.Discard(),
		InboxSize: 1,
	})
	require.NoError(t, p.Submit(models.MetricSample{Resource: models.HeapMax, Key: models.NewKey(models.HeapType), Value: 1}))
	err := p.Submit(models.MetricSample{Resource: models.HeapMax, Key: models.NewKey(models.HeapType), Value: 1})
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, uint64(1), p.Stats().SamplesDropped)

	require.NoError(t, p.RunCycle(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().SamplesIngested)
}

func TestSubmit_SamplesOutsideWindowAreDropped(t *testing.T) {
	cfg := testConfig("node-0")
	cfg.Window.Cycles = 3
	cfg.RCA.UnhealthyCycles = 1
	cfg.Decider.MinEvidenceCycles = 1
	p, _, _ := newTestPipeline(t, cfg)

	runCycles(t, p, 5, "node-0", thrashing)
	require.NoError(t, p.Submit(models.MetricSample{
		Resource: models.CacheRequestSize, Key: shard, NodeID: "node-0", Value: 1, Cycle: 1,
	}))
	require.NoError(t, p.RunCycle(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().SamplesDropped)
}

func TestSubmit_FutureCycleIsDropped(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))

	require.NoError(t, p.Submit(models.MetricSample{
		Resource: models.CacheRequestHit, Key: shard, NodeID: "node-0", Value: 1, Cycle: 1000,
	}))
	runCycles(t, p, 3, "node-0", thrashing)

	assert.Equal(t, uint64(1), p.Stats().SamplesDropped)
	actions := storedActions(t, store)
	require.Len(t, actions, 1, "a bogus cycle number must not stall the shard")
	assert.Equal(t, uint64(3), actions[0].IssuedCycle)
}

func TestResume_ContinuesAfterLastAction(t *testing.T) {
	p, store, _ := newTestPipeline(t, testConfig("node-0"))
	require.NoError(t, store.Put(context.Background(), models.TuningAction{
		Type:          models.ActionModifyCacheMaxSize,
		TargetNodeID:  "node-0",
		TargetKey:     models.NewKey(models.ShardRequestCache),
		IssuedCycle:   40,
		CoolOffCycles: 12,
	}))

	require.NoError(t, p.Resume(context.Background()))
	runCycles(t, p, 5, "node-0", thrashing)
	assert.Equal(t, uint64(45), p.Cycle())
	assert.Len(t, storedActions(t, store), 1, "cool-off survives restart")
}

func TestReceiveReport_RequiresCoordinator(t *testing.T) {
	cfg := testConfig("data-0")
	cfg.Node.Roles = []string{config.RoleData}
	cfg.Cluster.CoordinatorID = "cm-0"
	cfg.Cluster.Nodes = []config.Member{
		{ID: "cm-0", Addr: "cm-0:9650", Roles: []string{config.RoleCoordinator}},
		{ID: "data-0", Addr: "data-0:9650", Roles: []string{config.RoleData}},
	}
	p, _, _ := newTestPipeline(t, cfg)

	err := p.ReceiveReport(context.Background(), models.NodeReport{NodeID: "data-1"})
	assert.ErrorIs(t, err, ErrNotCoordinator)
}

func TestMergeReports_UsesRemoteVerdictsUntilStale(t *testing.T) {
	cfg := testConfig("cm-0")
	cfg.Node.Roles = []string{config.RoleCoordinator}
	cfg.Window.StaleNodeCycles = 3
	cfg.Cluster.Nodes = []config.Member{
		{ID: "cm-0", Addr: "cm-0:9650", Roles: []string{config.RoleCoordinator}},
		{ID: "data-0", Addr: "data-0:9650", Roles: []string{config.RoleData}},
	}

	lb := transport.NewLoopback()
	remote := publisher.NewApplier(nil, logging.Discard())
	lb.Register("data-0:9650", nil, remote)

	store := persistence.NewMemoryStore()
	p := New(Options{
		Config:    cfg,
		Store:     store,
		Transport: lb,
		Clock:     clock.NewMock(),
		Logger:    logging.Discard(),
	})

	report := models.NodeReport{
		NodeID: "data-0",
		Cycle:  77,
		Verdicts: []models.HealthVerdict{{
			Resource:       models.RCAShardRequestCache,
			Key:            shard,
			NodeID:         "data-0",
			State:          models.StateUnhealthy,
			EvidenceCycles: 3,
		}},
		Capacity: []models.CapacityFacts{{
			NodeID:       "data-0",
			CacheMaxSize: models.Known(100),
			HeapMax:      models.Known(1_000_000),
			HeapUsed:     models.Known(1000),
		}},
	}
	require.NoError(t, p.ReceiveReport(context.Background(), report))

	require.NoError(t, p.RunCycle(context.Background()))
	assert.Len(t, p.Verdicts(), 1)
	actions := storedActions(t, store)
	require.Len(t, actions, 1)
	assert.Equal(t, "data-0", actions[0].TargetNodeID)
	assert.Len(t, remote.Applied(), 1, "action delivered to the reporting node")

	require.NoError(t, p.RunCycle(context.Background()))
	require.NoError(t, p.RunCycle(context.Background()))
	assert.Len(t, p.Verdicts(), 1)

	require.NoError(t, p.RunCycle(context.Background()))
	assert.Empty(t, p.Verdicts(), "report expires after stale_node_cycles")
	assert.Len(t, storedActions(t, store), 1)
}

func TestRun_DrivenByClock(t *testing.T) {
	cfg := testConfig("node-0")
	p, store, clk := newTestPipeline(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		submit(t, p, "node-0", thrashing)
		clk.Add(cfg.Cycle.Interval)
		return p.Cycle() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NotEmpty(t, storedActions(t, store))
	assert.Equal(t, models.PhaseIdle, p.Phase())
}

func TestTopologyFallback(t *testing.T) {
	cfg := testConfig("node-0")
	p := New(Options{Config: cfg, Store: persistence.NewMemoryStore(), Transport: transport.NewLoopback(), Logger: logging.Discard()})
	assert.IsType(t, &topology.Static{}, p.Topology())
	assert.True(t, p.Topology().IsCoordinator())
}
