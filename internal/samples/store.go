// Package samples реализует хранилище сэмплов: скользящее окно на каждую
// партицию (узел, ресурс, ключ измерений), ограниченное числом циклов
package samples

import (
	"cmp"
	"iter"
	"slices"
	"sort"
	"sync"

	"cachetune-service/internal/models"
)

// Partition идентифицирует окно
type Partition struct {
	NodeID   string
	Resource string
	Key      models.DimensionKey
}

type partitionKey struct {
	node     string
	resource string
	key      string
}

func keyOf(node, resource string, key models.DimensionKey) partitionKey {
	return partitionKey{node: node, resource: resource, key: key.String()}
}

// window окно одной партиции. Сэмплы упорядочены по циклу.
type window struct {
	mu       sync.Mutex
	part     Partition
	samples  []models.MetricSample
	newest   uint64
	lastSeen uint64
}

// Store хранилище окон. Блокировка карты берется только при создании и
// удалении партиций, сами окна блокируются независимо.
type Store struct {
	mu         sync.RWMutex
	windows    map[partitionKey]*window
	cycles     uint64
	staleAfter uint64
}

// NewStore создает хранилище с окном windowCycles (W) и порогом
// устаревания staleCycles (K)
func NewStore(windowCycles, staleCycles int) *Store {
	if windowCycles < 1 {
		windowCycles = 1
	}
	if staleCycles < 1 {
		staleCycles = 1
	}
	return &Store{
		windows:    make(map[partitionKey]*window),
		cycles:     uint64(windowCycles),
		staleAfter: uint64(staleCycles),
	}
}

// WindowCycles возвращает глубину окна W
func (s *Store) WindowCycles() uint64 {
	return s.cycles
}

// floor минимальный цикл, который еще помещается в окно с верхом newest
func (s *Store) floor(newest uint64) uint64 {
	if newest < s.cycles {
		return 0
	}
	return newest - s.cycles + 1
}

// Record добавляет сэмпл в окно. Возвращает false, если сэмпл старше окна.
func (s *Store) Record(sample models.MetricSample) bool {
	pk := keyOf(sample.NodeID, sample.Resource, sample.Key)

	s.mu.RLock()
	w, ok := s.windows[pk]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		w, ok = s.windows[pk]
		if !ok {
			w = &window{part: Partition{
				NodeID:   sample.NodeID,
				Resource: sample.Resource,
				Key:      models.NewKey(sample.Key...),
			}}
			s.windows[pk] = w
		}
		s.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if sample.Cycle < s.floor(w.newest) {
		return false
	}

	sample.Key = w.part.Key
	n := len(w.samples)
	if n == 0 || w.samples[n-1].Cycle <= sample.Cycle {
		w.samples = append(w.samples, sample)
	} else {
		// запоздавший сэмпл: вставляем с сохранением порядка
		i := sort.Search(n, func(i int) bool { return w.samples[i].Cycle > sample.Cycle })
		w.samples = slices.Insert(w.samples, i, sample)
	}

	if sample.Cycle > w.newest {
		w.newest = sample.Cycle
	}
	if sample.Cycle > w.lastSeen {
		w.lastSeen = sample.Cycle
	}
	w.evictBelow(s.floor(w.newest))
	return true
}

// evictBelow удаляет сэмплы циклов меньше floor. Вызывается под w.mu.
func (w *window) evictBelow(floor uint64) {
	i := 0
	for i < len(w.samples) && w.samples[i].Cycle < floor {
		i++
	}
	if i == 0 {
		return
	}
	w.samples = slices.Delete(w.samples, 0, i)
}

// dropAbove удаляет сэмплы циклов больше ceiling и сдвигает границы окна.
// Вызывается под w.mu.
func (w *window) dropAbove(ceiling uint64) {
	if w.newest <= ceiling {
		return
	}
	i := sort.Search(len(w.samples), func(i int) bool { return w.samples[i].Cycle > ceiling })
	w.samples = w.samples[:i]
	w.newest = 0
	if i > 0 {
		w.newest = w.samples[i-1].Cycle
	}
	w.lastSeen = w.newest
}

// Query возвращает ленивую, конечную и перезапускаемую последовательность
// сэмплов партиции начиная с sinceCycle в порядке циклов. Каждый проход
// берет свежий снимок окна.
func (s *Store) Query(resource string, key models.DimensionKey, node string, sinceCycle uint64) iter.Seq[models.MetricSample] {
	pk := keyOf(node, resource, key)
	return func(yield func(models.MetricSample) bool) {
		s.mu.RLock()
		w, ok := s.windows[pk]
		s.mu.RUnlock()
		if !ok {
			return
		}

		w.mu.Lock()
		start := sort.Search(len(w.samples), func(i int) bool { return w.samples[i].Cycle >= sinceCycle })
		snapshot := slices.Clone(w.samples[start:])
		w.mu.Unlock()

		for _, sample := range snapshot {
			if !yield(sample) {
				return
			}
		}
	}
}

// Prune сдвигает все окна к текущему циклу и удаляет партиции, в которые
// не поступало сэмплов K циклов подряд. Сэмплы из циклов после
// currentCycle отбрасываются. Возвращает удаленные партиции.
func (s *Store) Prune(currentCycle uint64) []Partition {
	floor := s.floor(currentCycle)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Partition
	for pk, w := range s.windows {
		w.mu.Lock()
		w.dropAbove(currentCycle)
		w.evictBelow(floor)
		stale := currentCycle >= w.lastSeen && currentCycle-w.lastSeen >= s.staleAfter
		empty := len(w.samples) == 0
		part := w.part
		w.mu.Unlock()

		if stale || empty {
			delete(s.windows, pk)
			removed = append(removed, part)
		}
	}
	sortPartitions(removed)
	return removed
}

// Partitions возвращает живые партиции в детерминированном порядке
func (s *Store) Partitions() []Partition {
	s.mu.RLock()
	parts := make([]Partition, 0, len(s.windows))
	for _, w := range s.windows {
		parts = append(parts, w.part)
	}
	s.mu.RUnlock()

	sortPartitions(parts)
	return parts
}

// Nodes возвращает узлы, у которых есть хотя бы одно окно
func (s *Store) Nodes() []string {
	seen := make(map[string]struct{})
	for _, p := range s.Partitions() {
		seen[p.NodeID] = struct{}{}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}

// Len возвращает общее число хранимых сэмплов
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, w := range s.windows {
		w.mu.Lock()
		total += len(w.samples)
		w.mu.Unlock()
	}
	return total
}

func sortPartitions(parts []Partition) {
	slices.SortFunc(parts, func(a, b Partition) int {
		return cmp.Or(
			cmp.Compare(a.NodeID, b.NodeID),
			cmp.Compare(a.Resource, b.Resource),
			cmp.Compare(a.Key.String(), b.Key.String()),
		)
	})
}
