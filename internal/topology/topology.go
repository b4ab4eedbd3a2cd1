// Package topology отвечает на вопрос, какой узел сейчас координатор и
// где находятся узлы данных. Состав кластера статический, координатор
// может быть заменен сервисом членства.
package topology

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"cachetune-service/internal/config"
)

// Static топология из конфигурации
type Static struct {
	mu          sync.RWMutex
	self        config.Member
	members     []config.Member
	coordinator string
}

// NewStatic строит топологию. Пустой список узлов означает кластер из одного узла.
func NewStatic(cfg config.Config) *Static {
	self := config.Member{ID: cfg.Node.ID, Addr: cfg.Node.ListenAddr, Roles: slices.Clone(cfg.Node.Roles)}
	members := slices.Clone(cfg.Cluster.Nodes)
	if len(members) == 0 {
		members = []config.Member{self}
	} else if m, ok := cfg.Member(self.ID); ok && m.Addr != "" {
		self.Addr = m.Addr
	}
	slices.SortFunc(members, func(a, b config.Member) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return &Static{self: self, members: members, coordinator: cfg.Cluster.CoordinatorID}
}

// Self текущий узел
func (s *Static) Self() config.Member {
	return s.self
}

// HasRole сообщает, выполняет ли текущий узел роль
func (s *Static) HasRole(role string) bool {
	return slices.Contains(s.self.Roles, role)
}

// Coordinator текущий координатор, false если он неизвестен
func (s *Static) Coordinator() (config.Member, bool) {
	s.mu.RLock()
	id := s.coordinator
	s.mu.RUnlock()
	return s.Node(id)
}

// IsCoordinator сообщает, является ли текущий узел координатором
func (s *Static) IsCoordinator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coordinator == s.self.ID
}

// SetCoordinator заменяет координатора
func (s *Static) SetCoordinator(id string) error {
	m, ok := s.Node(id)
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	if !slices.Contains(m.Roles, config.RoleCoordinator) {
		return fmt.Errorf("node %q lacks the coordinator role", id)
	}
	s.mu.Lock()
	s.coordinator = id
	s.mu.Unlock()
	return nil
}

// Node ищет узел по ID
func (s *Static) Node(id string) (config.Member, bool) {
	for _, m := range s.members {
		if m.ID == id {
			return m, true
		}
	}
	return config.Member{}, false
}

// DataNodes узлы с ролью data, упорядоченные по ID
func (s *Static) DataNodes() []config.Member {
	out := make([]config.Member, 0, len(s.members))
	for _, m := range s.members {
		if slices.Contains(m.Roles, config.RoleData) {
			out = append(out, m)
		}
	}
	return out
}
