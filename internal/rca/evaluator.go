package rca

import (
	"cmp"
	"slices"
	"sync"

	"cachetune-service/internal/models"
)

type trackerKey struct {
	node     string
	resource string
	key      string
}

// tracker автомат состояний одной тройки (узел, ресурс, ключ)
type tracker struct {
	key        models.DimensionKey
	state      models.HealthState
	evidence   int
	breaches   int
	recoveries int
	// recovering SUSPECT после UNHEALTHY, ждет recovery циклов в норме
	recovering bool
	held       bool
	cycle      uint64
}

// Evaluator хранит автоматы состояний. Переходы:
// HEALTHY -> SUSPECT после одного нарушения, SUSPECT -> UNHEALTHY после
// N нарушений подряд. Из UNHEALTHY первый цикл в норме ведет в SUSPECT,
// HEALTHY наступает после recovery циклов в норме подряд; обычный SUSPECT
// сбрасывается сразу. Отсутствие данных состояние не меняет, но вердикт
// помечается как удержанный.
type Evaluator struct {
	mu              sync.Mutex
	trackers        map[trackerKey]*tracker
	unhealthyCycles int
	recoveryCycles  int
}

// NewEvaluator создает оценщик с порогами гистерезиса
func NewEvaluator(unhealthyCycles, recoveryCycles int) *Evaluator {
	if unhealthyCycles < 1 {
		unhealthyCycles = 1
	}
	if recoveryCycles < 1 {
		recoveryCycles = 1
	}
	return &Evaluator{
		trackers:        make(map[trackerKey]*tracker),
		unhealthyCycles: unhealthyCycles,
		recoveryCycles:  recoveryCycles,
	}
}

// Evaluate применяет оценку политики за цикл и возвращает вердикт
func (e *Evaluator) Evaluate(node string, key models.DimensionKey, cycle uint64, policy Policy, sig Signals) models.HealthVerdict {
	return e.Apply(node, policy.Name(), key, cycle, policy.Assess(sig))
}

// Apply продвигает автомат на одну оценку
func (e *Evaluator) Apply(node, resource string, key models.DimensionKey, cycle uint64, a Assessment) models.HealthVerdict {
	tk := trackerKey{node: node, resource: resource, key: key.String()}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trackers[tk]
	if !ok {
		t = &tracker{key: models.NewKey(key...), state: models.StateUnknown}
		e.trackers[tk] = t
	}

	t.held = a == NoEvidence
	switch a {
	case Breach:
		t.recoveries = 0
		t.recovering = false
		t.breaches++
		switch t.state {
		case models.StateUnhealthy:
			t.evidence++
		default:
			t.evidence = t.breaches
			if t.breaches >= e.unhealthyCycles {
				t.state = models.StateUnhealthy
			} else {
				t.state = models.StateSuspect
			}
		}
	case WithinThreshold:
		t.breaches = 0
		switch {
		case t.state == models.StateHealthy:
			t.evidence++
		case t.state == models.StateUnhealthy || t.recovering:
			t.recoveries++
			if t.recoveries >= e.recoveryCycles {
				t.state = models.StateHealthy
				t.evidence = t.recoveries
				t.recoveries = 0
				t.recovering = false
			} else {
				t.state = models.StateSuspect
				t.evidence = t.recoveries
				t.recovering = true
			}
		default:
			t.state = models.StateHealthy
			t.evidence = 1
			t.recoveries = 0
		}
	case NoEvidence:
		// состояние и счетчики удерживаются
	}
	t.cycle = cycle

	return models.HealthVerdict{
		Resource:       resource,
		Key:            t.key,
		NodeID:         node,
		Cycle:          cycle,
		State:          t.state,
		EvidenceCycles: t.evidence,
		Held:           t.held,
	}
}

// Forget удаляет автомат одной тройки: ее сэмплы вытеснены из хранилища
func (e *Evaluator) Forget(node, resource string, key models.DimensionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trackers, trackerKey{node: node, resource: resource, key: key.String()})
}

// ForgetNode удаляет автоматы узла (узел выбыл из хранилища)
func (e *Evaluator) ForgetNode(node string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tk := range e.trackers {
		if tk.node == node {
			delete(e.trackers, tk)
		}
	}
}

// Verdicts возвращает последние вердикты всех автоматов
func (e *Evaluator) Verdicts() []models.HealthVerdict {
	e.mu.Lock()
	out := make([]models.HealthVerdict, 0, len(e.trackers))
	for tk, t := range e.trackers {
		out = append(out, models.HealthVerdict{
			Resource:       tk.resource,
			Key:            t.key,
			NodeID:         tk.node,
			Cycle:          t.cycle,
			State:          t.state,
			EvidenceCycles: t.evidence,
			Held:           t.held,
		})
	}
	e.mu.Unlock()

	SortVerdicts(out)
	return out
}

// SortVerdicts упорядочивает вердикты по узлу, ресурсу и ключу
func SortVerdicts(vs []models.HealthVerdict) {
	slices.SortFunc(vs, func(a, b models.HealthVerdict) int {
		return cmp.Or(
			cmp.Compare(a.NodeID, b.NodeID),
			cmp.Compare(a.Resource, b.Resource),
			cmp.Compare(a.Key.String(), b.Key.String()),
		)
	})
}
