package publisher

import (
	"context"
	"sync"

	"cachetune-service/internal/models"
)

// MockTransport implements transport.Transport for testing.
type MockTransport struct {
	SendReportFn func(ctx context.Context, addr string, r models.NodeReport) error
	SendActionFn func(ctx context.Context, addr string, a models.TuningAction) error

	mu      sync.Mutex
	actions map[string][]models.TuningAction
	reports []models.NodeReport
}

func (m *MockTransport) SendReport(ctx context.Context, addr string, r models.NodeReport) error {
	if m.SendReportFn != nil {
		if err := m.SendReportFn(ctx, addr, r); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *MockTransport) SendAction(ctx context.Context, addr string, a models.TuningAction) error {
	if m.SendActionFn != nil {
		if err := m.SendActionFn(ctx, addr, a); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actions == nil {
		m.actions = make(map[string][]models.TuningAction)
	}
	m.actions[addr] = append(m.actions[addr], a)
	return nil
}

func (m *MockTransport) Delivered(addr string) []models.TuningAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TuningAction(nil), m.actions[addr]...)
}

func (m *MockTransport) Reports() []models.NodeReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NodeReport(nil), m.reports...)
}
