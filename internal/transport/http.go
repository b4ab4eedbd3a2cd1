package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cachetune-service/internal/models"
)

// StatusError ответ узла с кодом не из 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Permanent сообщает, что повтор запроса не поможет (ошибка клиента)
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// HTTPTransport отправляет сообщения через HTTP API узлов
type HTTPTransport struct {
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPTransport создает транспорт; таймаут запроса ограничивает и контекст вызова
func NewHTTPTransport(timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.With("component", "transport"),
	}
}

// BaseURL дополняет адрес вида host:port схемой http
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// SendReport отправляет отчет координатору
func (t *HTTPTransport) SendReport(ctx context.Context, addr string, r models.NodeReport) error {
	return t.post(ctx, BaseURL(addr)+ReportsPath, r)
}

// SendAction отправляет действие целевому узлу
func (t *HTTPTransport) SendAction(ctx context.Context, addr string, a models.TuningAction) error {
	return t.post(ctx, BaseURL(addr)+ApplyActionsPath, a)
}

func (t *HTTPTransport) post(ctx context.Context, target string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.log.Debug("message delivered", "url", target)
	return nil
}

// QueryActions читает сохраненные действия через API координатора
func (t *HTTPTransport) QueryActions(ctx context.Context, addr string, f models.ActionFilter) ([]models.TuningAction, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.NodeID != "" {
		q.Set("node", f.NodeID)
	}
	if f.Key != "" {
		q.Set("key", f.Key)
	}
	if f.FromCycle != 0 {
		q.Set("from", strconv.FormatUint(f.FromCycle, 10))
	}
	if f.ToCycle != 0 {
		q.Set("to", strconv.FormatUint(f.ToCycle, 10))
	}

	u := BaseURL(addr) + ActionsPath
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var actions []models.TuningAction
	if err := json.NewDecoder(resp.Body).Decode(&actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	return actions, nil
}
