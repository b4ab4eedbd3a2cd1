package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/models"
	"cachetune-service/internal/persistence"
	"cachetune-service/internal/pipeline"
	"cachetune-service/internal/publisher"
	"cachetune-service/internal/transport"
)

// Node хост кластера
type Node struct {
	Tag      HostTag
	ID       string
	Addr     string
	Pipeline *pipeline.Pipeline
	Store    *persistence.MemoryStore
}

// Cluster конвейеры хостов сценария, связанные loopback-транспортом.
// Циклы идут по шагам: сначала узлы данных, затем координатор.
type Cluster struct {
	fixture  Fixture
	metrics  []Metric
	clock    *clock.Mock
	loopback *transport.Loopback
	nodes    map[HostTag]*Node
	hosts    []HostTag
	steps    int
}

// NodeID идентификатор узла для тега хоста
func NodeID(tag HostTag) string {
	if tag == ElectedClusterManager {
		return "cm-0"
	}
	return strings.ToLower(strings.ReplaceAll(string(tag), "_", "-"))
}

func roles(ct ClusterType, tag HostTag) []string {
	if tag != ElectedClusterManager {
		return []string{config.RoleData}
	}
	if ct == DedicatedClusterManager {
		return []string{config.RoleCoordinator}
	}
	return []string{config.RoleData, config.RoleCoordinator}
}

// NewCluster собирает кластер. mutate меняет конфигурацию каждого узла до проверки.
func NewCluster(f Fixture, logger *slog.Logger, mutate ...func(*config.Config)) (*Cluster, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	hosts := f.Hosts()
	members := make([]config.Member, 0, len(hosts))
	for _, tag := range hosts {
		id := NodeID(tag)
		members = append(members, config.Member{ID: id, Addr: id + ":9650", Roles: roles(f.ClusterType, tag)})
	}

	c := &Cluster{
		fixture:  f,
		metrics:  f.Metrics,
		clock:    clock.NewMock(),
		loopback: transport.NewLoopback(),
		nodes:    make(map[HostTag]*Node, len(hosts)),
		hosts:    hosts,
	}
	for i, tag := range hosts {
		m := members[i]
		cfg := config.Default()
		cfg.Node.ID = m.ID
		cfg.Node.ListenAddr = m.Addr
		cfg.Node.Roles = m.Roles
		cfg.Cluster.CoordinatorID = NodeID(ElectedClusterManager)
		cfg.Cluster.Nodes = members
		for _, fn := range mutate {
			fn(&cfg)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("host %s: %w", tag, err)
		}

		store := persistence.NewMemoryStore()
		p := pipeline.New(pipeline.Options{
			Config:    cfg,
			Store:     store,
			Transport: c.loopback,
			Clock:     c.clock,
			Logger:    logger.With("host", string(tag)),
			// часы кластера стоят внутри шага, повтор доставки переносится на следующий цикл
			Publish: publisher.Options{
				MaxRetries:      0,
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
			},
		})
		c.loopback.Register(m.Addr, p, p)
		c.nodes[tag] = &Node{Tag: tag, ID: m.ID, Addr: m.Addr, Pipeline: p, Store: store}
	}
	return c, nil
}

// Node хост по тегу
func (c *Cluster) Node(tag HostTag) *Node {
	return c.nodes[tag]
}

// Coordinator текущий координатор
func (c *Cluster) Coordinator() *Node {
	return c.nodes[ElectedClusterManager]
}

// Loopback транспорт кластера, позволяет отключать адреса
func (c *Cluster) Loopback() *transport.Loopback {
	return c.loopback
}

// SetMetrics заменяет таблицы, которые подаются на следующих шагах
func (c *Cluster) SetMetrics(metrics []Metric) {
	c.metrics = metrics
}

// Steps число выполненных шагов
func (c *Cluster) Steps() int {
	return c.steps
}

// Step подает метрики всем хостам и проводит по одному циклу на каждом.
// Ошибки из таксономии ожидаемых не возвращаются, их учитывает Verify.
func (c *Cluster) Step(ctx context.Context) error {
	feed := Fixture{Metrics: c.metrics}
	for _, tag := range c.hosts {
		n := c.nodes[tag]
		for _, s := range feed.Samples(tag, n.ID) {
			if err := n.Pipeline.Submit(s); err != nil {
				return fmt.Errorf("host %s: %w", tag, err)
			}
		}
	}

	var result *multierror.Error
	for _, n := range c.ordered() {
		if err := n.Pipeline.RunCycle(ctx); err != nil && !faults.Expected(err) {
			result = multierror.Append(result, fmt.Errorf("host %s: %w", n.Tag, err))
		}
	}
	c.clock.Add(config.Default().Cycle.Interval)
	c.steps++
	return result.ErrorOrNil()
}

// ordered узлы данных раньше координатора, чтобы отчеты цикла успели дойти
func (c *Cluster) ordered() []*Node {
	out := make([]*Node, 0, len(c.hosts))
	var coordinators []*Node
	for _, tag := range c.hosts {
		n := c.nodes[tag]
		if n.Pipeline.Topology().IsCoordinator() {
			coordinators = append(coordinators, n)
			continue
		}
		out = append(out, n)
	}
	return append(out, coordinators...)
}

// Await шагает, пока ожидание не выполнено или не исчерпан бюджет циклов
func (c *Cluster) Await(ctx context.Context, e Expectation) ([]models.TuningAction, error) {
	budget := e.CycleBudget
	if budget == 0 {
		budget = defaultCycleBudget
	}
	n := c.nodes[e.On]
	if n == nil {
		return nil, fmt.Errorf("no host %s in cluster", e.On)
	}

	var lastErr error
	for i := 0; i < budget; i++ {
		if err := c.Step(ctx); err != nil {
			return nil, err
		}
		actions, err := n.Store.Query(ctx, models.ActionFilter{Type: e.ActionType})
		if err != nil {
			return nil, err
		}

		switch e.What {
		case expectNoAction:
			if len(actions) > 0 {
				return actions, fmt.Errorf("unexpected action %s on %s at step %d", actions[0].IdempotencyKey(), e.On, c.steps)
			}
			continue
		default:
			if len(actions) == 0 {
				lastErr = fmt.Errorf("no action on %s: %w", e.On, ErrExpectationNotMet)
				continue
			}
			validator := validators[e.Validator]
			if validator == nil {
				return actions, nil
			}
			lastErr = validator(c, actions)
			if lastErr == nil {
				return actions, nil
			}
			if !errors.Is(lastErr, ErrExpectationNotMet) {
				return actions, lastErr
			}
		}
	}
	if e.What == expectNoAction {
		return nil, nil
	}
	return nil, fmt.Errorf("after %d cycles: %w", budget, lastErr)
}

// Run проверяет все ожидания сценария и ошибки хостов
func (c *Cluster) Run(ctx context.Context) error {
	for _, e := range c.fixture.Expect {
		if _, err := c.Await(ctx, e); err != nil {
			return err
		}
	}
	return c.Verify()
}

// Verify проверяет, что хосты не встретили ошибок вне списка ожидаемых
func (c *Cluster) Verify() error {
	var result *multierror.Error
	for _, tag := range c.hosts {
		p := c.nodes[tag].Pipeline
		for _, err := range p.UnexpectedErrors() {
			result = multierror.Append(result, fmt.Errorf("host %s: %w", tag, err))
		}
		for kind, count := range p.Stats().ErrorsByKind {
			if count > 0 && !c.fixture.allowed(faults.Kind(kind)) {
				result = multierror.Append(result, fmt.Errorf("host %s: %d unexpected %s error(s)", tag, count, kind))
			}
		}
	}
	return result.ErrorOrNil()
}
