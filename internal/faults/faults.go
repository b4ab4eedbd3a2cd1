// Package faults описывает таксономию ошибок конвейера и политику их
// классификации: ожидаемые ошибки не приводят к остановке цикла
package faults

import (
	"context"
	"errors"
)

// Kind класс ошибки
type Kind string

const (
	KindNone                 Kind = "none"
	KindMissingEvidence      Kind = "missing_evidence"
	KindPublishTimeout       Kind = "publish_timeout"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindDuplicateAction      Kind = "duplicate_action"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

var (
	// ErrMissingEvidence нет сэмплов или агрегата за цикл
	ErrMissingEvidence = errors.New("missing evidence")
	// ErrPublishTimeout цель недоступна в пределах бюджета цикла
	ErrPublishTimeout = errors.New("publish timeout")
	// ErrInvalidConfiguration конфигурация противоречива, запуск невозможен
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrDuplicateAction действие с тем же ключом идемпотентности уже есть
	ErrDuplicateAction = errors.New("duplicate action")
)

// Classify определяет класс ошибки по цепочке обертывания
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidConfiguration):
		return KindInvalidConfiguration
	case errors.Is(err, ErrDuplicateAction):
		return KindDuplicateAction
	case errors.Is(err, ErrMissingEvidence):
		return KindMissingEvidence
	case errors.Is(err, ErrPublishTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindPublishTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Expected сообщает, что ошибка штатная и обрабатывается локально
func Expected(err error) bool {
	switch Classify(err) {
	case KindNone, KindMissingEvidence, KindPublishTimeout, KindDuplicateAction, KindCanceled:
		return true
	default:
		return false
	}
}

// Fatal сообщает, что с ошибкой конвейер работать не может
func Fatal(err error) bool {
	return Classify(err) == KindInvalidConfiguration
}
