package publisher

import (
	"context"
	"log/slog"
	"sync"

	"cachetune-service/internal/metrics"
	"cachetune-service/internal/models"
)

// Executor применяет действие к узлу
type Executor interface {
	Execute(ctx context.Context, a models.TuningAction) error
}

// LogExecutor только логирует действие: физическое изменение настроек
// выполняет внешний агент узла
type LogExecutor struct {
	Log *slog.Logger
}

// Execute пишет действие в лог
func (e LogExecutor) Execute(_ context.Context, a models.TuningAction) error {
	e.Log.Info("tuning action accepted",
		"id", a.ID,
		"type", a.Type,
		"key", a.TargetKey.String(),
		"current", a.CurrentValue,
		"new", a.NewValue,
		"cycle", a.IssuedCycle,
	)
	return nil
}

// Исходы приема действия
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
)

// appliedHistory сколько последних принятых действий хранится для просмотра
const appliedHistory = 1000

// Applier принимает действия на узле данных. Повтор того же действия
// и действие старше уже примененного для той же цели игнорируются.
type Applier struct {
	exec Executor
	log  *slog.Logger

	mu      sync.Mutex
	latest  map[models.ActionKey]uint64
	applied []models.TuningAction
}

// NewApplier создает Applier
func NewApplier(exec Executor, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = LogExecutor{Log: logger}
	}
	return &Applier{
		exec:   exec,
		log:    logger.With("component", "applier"),
		latest: make(map[models.ActionKey]uint64),
	}
}

// ReceiveAction применяет действие не более одного раза
func (ap *Applier) ReceiveAction(ctx context.Context, a models.TuningAction) error {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	key := a.Key()
	if last, ok := ap.latest[key]; ok && a.IssuedCycle <= last {
		outcome := OutcomeStale
		if a.IssuedCycle == last {
			outcome = OutcomeDuplicate
		}
		metrics.ActionsApplied.WithLabelValues(outcome).Inc()
		ap.log.Debug("action ignored", "id", a.ID, "key", key.String(), "cycle", a.IssuedCycle, "outcome", outcome)
		return nil
	}

	if err := ap.exec.Execute(ctx, a); err != nil {
		return err
	}
	ap.latest[key] = a.IssuedCycle
	ap.applied = append(ap.applied, a)
	if len(ap.applied) > appliedHistory {
		ap.applied = ap.applied[len(ap.applied)-appliedHistory:]
	}
	metrics.ActionsApplied.WithLabelValues(OutcomeApplied).Inc()
	return nil
}

// Applied действия, принятые к исполнению, в порядке приема
func (ap *Applier) Applied() []models.TuningAction {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	out := make([]models.TuningAction, len(ap.applied))
	copy(out, ap.applied)
	return out
}
