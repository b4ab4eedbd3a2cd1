// Package transport доставляет отчеты узлов координатору и действия
// целевым узлам. HTTPTransport работает поверх HTTP API сервиса,
// Loopback соединяет конвейеры внутри одного процесса.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cachetune-service/internal/models"
)

// Пути HTTP API, на которые отправляет транспорт
const (
	ReportsPath      = "/v1/reports"
	ApplyActionsPath = "/v1/actions/apply"
	ActionsPath      = "/v1/actions"
)

// ErrUnreachable адрес не принимает сообщения
var ErrUnreachable = errors.New("endpoint unreachable")

// Transport отправка сообщений между узлами
type Transport interface {
	SendReport(ctx context.Context, addr string, r models.NodeReport) error
	SendAction(ctx context.Context, addr string, a models.TuningAction) error
}

// ReportReceiver принимает отчеты узлов (координатор)
type ReportReceiver interface {
	ReceiveReport(ctx context.Context, r models.NodeReport) error
}

// ActionReceiver принимает действия (узел данных)
type ActionReceiver interface {
	ReceiveAction(ctx context.Context, a models.TuningAction) error
}

type endpoint struct {
	reports ReportReceiver
	actions ActionReceiver
	down    bool
}

// Loopback транспорт внутри процесса: адрес сопоставлен получателям
type Loopback struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

// NewLoopback создает пустой транспорт
func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[string]*endpoint)}
}

// Register привязывает получателей к адресу; nil получатель не принимает сообщения своего типа
func (l *Loopback) Register(addr string, reports ReportReceiver, actions ActionReceiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints[addr] = &endpoint{reports: reports, actions: actions}
}

// SetDown имитирует недоступность адреса
func (l *Loopback) SetDown(addr string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep, ok := l.endpoints[addr]; ok {
		ep.down = down
	}
}

func (l *Loopback) lookup(addr string) (*endpoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ep, ok := l.endpoints[addr]
	if !ok || ep.down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	return ep, nil
}

// SendReport передает отчет получателю адреса
func (l *Loopback) SendReport(ctx context.Context, addr string, r models.NodeReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep, err := l.lookup(addr)
	if err != nil {
		return err
	}
	if ep.reports == nil {
		return fmt.Errorf("%w: %s does not accept reports", ErrUnreachable, addr)
	}
	return ep.reports.ReceiveReport(ctx, r)
}

// SendAction передает действие получателю адреса
func (l *Loopback) SendAction(ctx context.Context, addr string, a models.TuningAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep, err := l.lookup(addr)
	if err != nil {
		return err
	}
	if ep.actions == nil {
		return fmt.Errorf("%w: %s does not accept actions", ErrUnreachable, addr)
	}
	return ep.actions.ReceiveAction(ctx, a)
}
