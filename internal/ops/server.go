// Package ops exposes the HTTP surface: payload ingestion, health, metrics
// and the admin endpoints for retries, dead letters, breakers and alerts.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/deadletter"
	"github.com/vietddude/ingestor/internal/ingest"
	"github.com/vietddude/ingestor/internal/ingest/reorg"
	"github.com/vietddude/ingestor/internal/monitor"
	"github.com/vietddude/ingestor/internal/resilience/breaker"
	"github.com/vietddude/ingestor/internal/retryqueue"
)

// IngestResult reports what a payload turned into.
type IngestResult struct {
	Reorg      bool `json:"reorg"`
	EventCount int  `json:"event_count"`
}

// PayloadHandler routes one raw relay payload through the pipeline.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, raw []byte) (*IngestResult, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	handler     PayloadHandler
	monitor     *monitor.Monitor
	sched       *retryqueue.Scheduler
	dead        *deadletter.Service
	breakers    *breaker.Registry
	coordinator *reorg.Coordinator
	normalizer  *ingest.Normalizer
	server      *http.Server
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	port int,
	handler PayloadHandler,
	mon *monitor.Monitor,
	sched *retryqueue.Scheduler,
	dead *deadletter.Service,
	breakers *breaker.Registry,
	coordinator *reorg.Coordinator,
	normalizer *ingest.Normalizer,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		handler:     handler,
		monitor:     mon,
		sched:       sched,
		dead:        dead,
		breakers:    breakers,
		coordinator: coordinator,
		normalizer:  normalizer,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /admin/retry", s.handleRetryStats)
	mux.HandleFunc("POST /admin/retry/sweep", s.handleRetrySweep)
	mux.HandleFunc("POST /admin/retry/{id}/now", s.handleRetryNow)
	mux.HandleFunc("DELETE /admin/retry/{id}", s.handleRetryCancel)

	mux.HandleFunc("GET /admin/deadletter", s.handleDeadLetterStats)
	mux.HandleFunc("GET /admin/deadletter/analysis", s.handleDeadLetterAnalysis)
	mux.HandleFunc("POST /admin/deadletter/recover", s.handleDeadLetterRecover)
	mux.HandleFunc("POST /admin/deadletter/archive", s.handleDeadLetterArchive)

	mux.HandleFunc("GET /admin/breakers", s.handleBreakerStats)
	mux.HandleFunc("POST /admin/breakers/{name}/force", s.handleBreakerForce)

	mux.HandleFunc("GET /admin/reorgs", s.handleReorgs)
	mux.HandleFunc("GET /admin/events", s.handleEvents)
	mux.HandleFunc("GET /admin/alerts", s.handleAlerts)
	mux.HandleFunc("POST /admin/alerts/{id}/ack", s.handleAlertAck)

	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	result, err := s.handler.HandlePayload(r.Context(), raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Health(r.Context())

	code := http.StatusOK
	if report.Status == domain.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.Status)})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Health(r.Context()))
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.sched.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleRetrySweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"claimed": s.sched.Sweep(r.Context())})
}

func (s *Server) handleRetryNow(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RetryNow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (s *Server) handleRetryCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dead.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleDeadLetterAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.dead.Analyze(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleDeadLetterRecover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemType  string `json:"item_type"`
		ErrorType string `json:"error_type"`
		OlderThan string `json:"older_than"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid filter body")
		return
	}

	filter := domain.DeadLetterFilter{
		ItemType:  domain.RetryItemType(req.ItemType),
		ErrorType: domain.ErrorType(req.ErrorType),
	}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		filter.OlderThan = d
	}

	recovered, err := s.dead.Recover(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recovered": len(recovered)})
}

func (s *Server) handleDeadLetterArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OlderThan string `json:"older_than"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid archive body")
		return
	}
	d, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid older_than duration")
		return
	}

	n, err := s.dead.Archive(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": n})
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Stats())
}

func (s *Server) handleBreakerForce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid force body")
		return
	}

	if err := s.breakers.Force(r.PathValue("name"), breaker.State(req.State)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": req.State})
}

func (s *Server) handleReorgs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Recent(queryLimit(r, 50)))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.normalizer.Recent(queryLimit(r, 100)))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Alerts(queryLimit(r, 50)))
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Ack(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func queryLimit(r *http.Request, fallback int) int {
	var limit int
	if _, err := fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit); err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
