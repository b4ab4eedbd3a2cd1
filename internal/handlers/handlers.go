// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"cachetune-service/internal/models"
	"cachetune-service/internal/pipeline"
)

// maxBodyBytes предел тела запроса
const maxBodyBytes = 32 << 20

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	pipeline  *pipeline.Pipeline
	validate  *validator.Validate
	log       *slog.Logger
	startTime time.Time
}

// NewHandler создает новый обработчик
func NewHandler(p *pipeline.Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		pipeline:  p,
		validate:  validator.New(),
		log:       logger,
		startTime: time.Now(),
	}
}

// SampleHandler обрабатывает POST /v1/samples - прием одного сэмпла
func (h *Handler) SampleHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.pipeline.Submit(req.Sample(h.selfID())); err != nil {
		h.respondError(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	h.respondJSON(w, map[string]int{"accepted": 1}, http.StatusAccepted)
}

// BatchSamplesHandler обрабатывает POST /v1/samples/batch - массовая загрузка сэмплов.
// Сэмплы, не поместившиеся в очередь, отбрасываются и учитываются в ответе.
func (h *Handler) BatchSamplesHandler(w http.ResponseWriter, r *http.Request) {
	var batch models.SamplesBatch
	if !h.decode(w, r, &batch) {
		return
	}

	self := h.selfID()
	accepted, dropped := 0, 0
	for _, req := range batch.Samples {
		if err := h.pipeline.Submit(req.Sample(self)); err != nil {
			dropped++
			continue
		}
		accepted++
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusTooManyRequests
	}
	h.respondJSON(w, map[string]int{"accepted": accepted, "dropped": dropped}, status)
}

// ReportHandler обрабатывает POST /v1/reports - отчет узла данных координатору
func (h *Handler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	var report models.NodeReport
	if !h.decode(w, r, &report) {
		return
	}

	err := h.pipeline.ReceiveReport(r.Context(), report)
	switch {
	case err == nil:
		h.respondJSON(w, map[string]string{"status": "accepted"}, http.StatusAccepted)
	case errors.Is(err, pipeline.ErrNotCoordinator):
		h.respondError(w, err.Error(), http.StatusConflict)
	default:
		h.respondError(w, err.Error(), http.StatusBadRequest)
	}
}

// ApplyActionHandler обрабатывает POST /v1/actions/apply - действие для этого узла
func (h *Handler) ApplyActionHandler(w http.ResponseWriter, r *http.Request) {
	var action models.TuningAction
	if !h.decode(w, r, &action) {
		return
	}
	if action.ID == "" || action.Type == "" {
		h.respondError(w, "action id and type are required", http.StatusBadRequest)
		return
	}

	if err := h.pipeline.ReceiveAction(r.Context(), action); err != nil {
		h.log.Error("failed to apply action", "id", action.ID, "error", err)
		h.respondError(w, "Failed to apply action: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, map[string]string{"status": "ok", "id": action.ID}, http.StatusOK)
}

// ActionsHandler обрабатывает GET /v1/actions - журнал сохраненных действий
func (h *Handler) ActionsHandler(w http.ResponseWriter, r *http.Request) {
	store := h.pipeline.Store()
	if store == nil {
		h.respondError(w, "Action store not available", http.StatusServiceUnavailable)
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		h.respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	actions, err := store.Query(r.Context(), filter)
	if err != nil {
		h.respondError(w, "Failed to query actions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if actions == nil {
		actions = []models.TuningAction{}
	}
	h.respondJSON(w, actions, http.StatusOK)
}

// AppliedHandler обрабатывает GET /v1/actions/applied - действия, примененные на узле
func (h *Handler) AppliedHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.pipeline.Applier().Applied(), http.StatusOK)
}

// VerdictsHandler обрабатывает GET /v1/verdicts - вердикты последнего цикла
func (h *Handler) VerdictsHandler(w http.ResponseWriter, r *http.Request) {
	state := models.HealthState(r.URL.Query().Get("state"))
	verdicts := h.pipeline.Verdicts()

	out := make([]models.HealthVerdict, 0, len(verdicts))
	for _, v := range verdicts {
		if state == "" || v.State == state {
			out = append(out, v)
		}
	}
	h.respondJSON(w, out, http.StatusOK)
}

// CoordinatorHandler обрабатывает PUT /v1/topology/coordinator - смена координатора
func (h *Handler) CoordinatorHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CoordinatorID string `json:"coordinator_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.pipeline.Topology().SetCoordinator(req.CoordinatorID); err != nil {
		h.respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.log.Info("coordinator changed", "coordinator", req.CoordinatorID)
	h.respondJSON(w, map[string]string{"coordinator_id": req.CoordinatorID}, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	topo := h.pipeline.Topology()

	persistence := "none"
	if store := h.pipeline.Store(); store != nil {
		persistence = "connected"
		if err := store.Ping(r.Context()); err != nil {
			persistence = "disconnected"
		}
	}

	role := "data"
	if topo.IsCoordinator() {
		role = "coordinator"
	}
	coordinator := ""
	if m, ok := topo.Coordinator(); ok {
		coordinator = m.ID
	}

	status := models.HealthStatus{
		Status:      "healthy",
		Timestamp:   time.Now(),
		NodeID:      topo.Self().ID,
		Role:        role,
		Coordinator: coordinator,
		Persistence: persistence,
		Uptime:      time.Since(h.startTime).String(),
	}
	code := http.StatusOK
	if persistence == "disconnected" {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, code)
}

// StatsHandler обрабатывает GET /stats - статистика конвейера
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.pipeline.Stats(), http.StatusOK)
}

func (h *Handler) selfID() string {
	return h.pipeline.Topology().Self().ID
}

// decode читает JSON тело и проверяет теги validate. При ошибке ответ уже отправлен.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseFilter(r *http.Request) (models.ActionFilter, error) {
	q := r.URL.Query()
	f := models.ActionFilter{
		Type:   models.ActionType(q.Get("type")),
		NodeID: q.Get("node"),
		Key:    q.Get("key"),
	}

	var err error
	if v := q.Get("from"); v != "" {
		if f.FromCycle, err = strconv.ParseUint(v, 10, 64); err != nil {
			return f, errors.New("from must be a cycle number")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.ToCycle, err = strconv.ParseUint(v, 10, 64); err != nil {
			return f, errors.New("to must be a cycle number")
		}
	}
	if f.ToCycle != 0 && f.ToCycle < f.FromCycle {
		return f, errors.New("to must not precede from")
	}
	return f, nil
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
