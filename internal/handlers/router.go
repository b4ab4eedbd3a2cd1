package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"cachetune-service/internal/config"
	"cachetune-service/internal/metrics"
	"cachetune-service/internal/transport"
)

// NewRouter настраивает маршруты API
func NewRouter(h *Handler, cfg config.HTTPConfig) *mux.Router {
	router := mux.NewRouter()

	// прием сэмплов ограничен по частоте, внутренние сообщения кластера нет
	ingest := router.PathPrefix("/v1/samples").Subrouter()
	ingest.HandleFunc("", h.SampleHandler).Methods(http.MethodPost)
	ingest.HandleFunc("/batch", h.BatchSamplesHandler).Methods(http.MethodPost)
	if cfg.RateLimit > 0 {
		ingest.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))))
	}

	router.HandleFunc(transport.ReportsPath, h.ReportHandler).Methods(http.MethodPost)
	router.HandleFunc(transport.ApplyActionsPath, h.ApplyActionHandler).Methods(http.MethodPost)
	router.HandleFunc(transport.ActionsPath, h.ActionsHandler).Methods(http.MethodGet)
	router.HandleFunc(transport.ActionsPath+"/applied", h.AppliedHandler).Methods(http.MethodGet)
	router.HandleFunc("/v1/verdicts", h.VerdictsHandler).Methods(http.MethodGet)
	router.HandleFunc("/v1/topology/coordinator", h.CoordinatorHandler).Methods(http.MethodPut)
	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	router.Use(loggingMiddleware(h.log))
	router.Use(metricsMiddleware)
	return router
}

// statusRecorder запоминает код ответа
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeName шаблон маршрута, чтобы метки не зависели от параметров запроса
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		})
	}
}

// metricsMiddleware обновляет метрики для каждого запроса
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := routeName(r)
		timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

// rateLimitMiddleware отклоняет запросы сверх лимита кодом 429
func rateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.SamplesDropped.WithLabelValues("rate_limited").Inc()
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
