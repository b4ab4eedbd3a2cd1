package publisher

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
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
	"cachetune-service/internal/topology"
	"cachetune-service/internal/transport"
)

func testTopology(self string) *topology.Static {
	cfg := config.Default()
	cfg.Node.ID = self
	cfg.Cluster.CoordinatorID = "cm-0"
	cfg.Cluster.Nodes = []config.Member{
		{ID: "cm-0", Addr: "cm-0:9650", Roles: []string{config.RoleCoordinator}},
		{ID: "data-0", Addr: "data-0:9650", Roles: []string{config.RoleData}},
		{ID: "data-1", Addr: "data-1:9650", Roles: []string{config.RoleData}},
	}
	return topology.NewStatic(cfg)
}

func fastOptions() Options {
	return Options{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func newAction(node string, cycle uint64) models.TuningAction {
	return models.TuningAction{
		Type:          models.ActionModifyCacheMaxSize,
		TargetNodeID:  node,
		TargetScope:   models.ScopeNode,
		TargetKey:     models.NewKey(models.ShardRequestCache),
		CurrentValue:  100,
		NewValue:      110,
		Delta:         10,
		IssuedCycle:   cycle,
		CoolOffCycles: 12,
	}
}

type fixture struct {
	store *persistence.MemoryStore
	tr    *MockTransport
	clk   *clock.Mock
	pub   *Publisher
}

func newFixture() *fixture {
	f := &fixture{
		store: persistence.NewMemoryStore(),
		tr:    &MockTransport{},
		clk:   clock.NewMock(),
	}
	f.clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f.pub = New(f.store, f.tr, testTopology("cm-0"), f.clk, fastOptions(), logging.Discard())
	return f
}

// advance keeps the mock clock moving so that retry timers fire.
func (f *fixture) advance(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				f.clk.Add(5 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func TestPublisher_PublishAndFlush(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, err := f.pub.Publish(ctx, newAction("data-0", 7))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, f.clk.Now().UTC(), a.IssuedAt)

	stored, err := f.store.Query(ctx, models.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, a.ID, stored[0].ID)

	require.Len(t, f.pub.Pending(), 1)
	require.NoError(t, f.pub.Flush(ctx))
	assert.Empty(t, f.pub.Pending())

	delivered := f.tr.Delivered("data-0:9650")
	require.Len(t, delivered, 1)
	assert.Equal(t, a.ID, delivered[0].ID)
}

func TestPublisher_DuplicatePublish(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.pub.Publish(ctx, newAction("data-0", 7))
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, newAction("data-0", 7))
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrDuplicateAction)
	assert.True(t, faults.Expected(err))

	stored, _ := f.store.Query(ctx, models.ActionFilter{})
	assert.Len(t, stored, 1)
	assert.Len(t, f.pub.Pending(), 1)
}

func TestPublisher_FailedDeliveryStaysPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var down atomic.Bool
	down.Store(true)
	var calls atomic.Int32
	f.tr.SendActionFn = func(context.Context, string, models.TuningAction) error {
		calls.Add(1)
		if down.Load() {
			return transport.ErrUnreachable
		}
		return nil
	}

	_, err := f.pub.Publish(ctx, newAction("data-0", 7))
	require.NoError(t, err)

	f.advance(t)
	err = f.pub.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrPublishTimeout)
	assert.Equal(t, faults.KindPublishTimeout, faults.Classify(err))
	assert.Equal(t, int32(4), calls.Load(), "first attempt plus three retries")

	pending := f.pub.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	down.Store(false)
	require.NoError(t, f.pub.Flush(ctx))
	assert.Empty(t, f.pub.Pending())
	assert.Len(t, f.tr.Delivered("data-0:9650"), 1)
}

func TestPublisher_RetriesWaitOnInjectedClock(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	f.tr.SendActionFn = func(context.Context, string, models.TuningAction) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := f.pub.Publish(context.Background(), newAction("data-0", 7))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.pub.Flush(context.Background()) }()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("flush returned before the clock moved: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool {
		f.clk.Add(5 * time.Millisecond)
		return calls.Load() == 3
	}, time.Second, time.Millisecond)
	require.NoError(t, <-done)
	assert.Empty(t, f.pub.Pending())
}

func TestPublisher_RejectedDeliveryIsDropped(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	f.tr.SendActionFn = func(context.Context, string, models.TuningAction) error {
		calls.Add(1)
		return &transport.StatusError{Code: http.StatusBadRequest, Body: "bad action"}
	}

	_, err := f.pub.Publish(context.Background(), newAction("data-0", 7))
	require.NoError(t, err)

	err = f.pub.Flush(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, faults.ErrPublishTimeout)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
	assert.Empty(t, f.pub.Pending())
}

func TestPublisher_FlushHonoursDeadline(t *testing.T) {
	f := newFixture()
	f.pub.opts = Options{MaxRetries: 1000, InitialInterval: 10 * time.Millisecond, MaxInterval: 10 * time.Millisecond}
	f.tr.SendActionFn = func(context.Context, string, models.TuningAction) error {
		return transport.ErrUnreachable
	}
	_, err := f.pub.Publish(context.Background(), newAction("data-0", 7))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = f.pub.Flush(ctx)
	assert.ErrorIs(t, err, faults.ErrPublishTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, f.pub.Pending(), 1)
}

func TestPublisher_DataNodesScope(t *testing.T) {
	f := newFixture()
	a := newAction("", 9)
	a.TargetScope = models.ScopeDataNodes

	_, err := f.pub.Publish(context.Background(), a)
	require.NoError(t, err)
	pending := f.pub.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "data-0", pending[0].Target)
	assert.Equal(t, "data-1", pending[1].Target)

	require.NoError(t, f.pub.Flush(context.Background()))
	assert.Len(t, f.tr.Delivered("data-0:9650"), 1)
	assert.Len(t, f.tr.Delivered("data-1:9650"), 1)
}

func TestPublisher_UnknownTarget(t *testing.T) {
	f := newFixture()
	_, err := f.pub.Publish(context.Background(), newAction("data-9", 7))
	assert.Error(t, err)
	assert.Empty(t, f.pub.Pending())

	stored, err := f.store.Query(context.Background(), models.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored, "undeliverable action must not start a cool-off")

	_, err = f.pub.Publish(context.Background(), newAction("data-0", 7))
	require.NoError(t, err, "a known target is accepted afterwards")
}

func TestPublisher_LocalDelivery(t *testing.T) {
	f := newFixture()
	applier := NewApplier(nil, logging.Discard())
	f.pub.SetLocal("data-0", applier)

	_, err := f.pub.Publish(context.Background(), newAction("data-0", 7))
	require.NoError(t, err)
	require.NoError(t, f.pub.Flush(context.Background()))

	assert.Len(t, applier.Applied(), 1)
	assert.Empty(t, f.tr.Delivered("data-0:9650"))
}

func TestPublisher_SendReport(t *testing.T) {
	f := newFixture()
	report := models.NodeReport{NodeID: "data-0", Cycle: 4}
	require.NoError(t, f.pub.SendReport(context.Background(), report))
	require.Len(t, f.tr.Reports(), 1)
	assert.Equal(t, uint64(4), f.tr.Reports()[0].Cycle)

	cfg := config.Default()
	cfg.Node.ID = "data-5"
	cfg.Cluster.CoordinatorID = "auto"
	orphan := New(f.store, f.tr, topology.NewStatic(cfg), f.clk, fastOptions(), logging.Discard())
	err := orphan.SendReport(context.Background(), report)
	assert.ErrorIs(t, err, faults.ErrPublishTimeout)
}
