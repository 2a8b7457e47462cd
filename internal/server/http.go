package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zxc88645/AudioAssuranceSystem/internal/archive"
	"github.com/zxc88645/AudioAssuranceSystem/internal/config"
	"github.com/zxc88645/AudioAssuranceSystem/internal/coordinator"
	"github.com/zxc88645/AudioAssuranceSystem/internal/hub"
	"github.com/zxc88645/AudioAssuranceSystem/internal/ingest"
	"github.com/zxc88645/AudioAssuranceSystem/internal/metrics"
	"github.com/zxc88645/AudioAssuranceSystem/internal/notify"
	"github.com/zxc88645/AudioAssuranceSystem/internal/pipeline"
	"github.com/zxc88645/AudioAssuranceSystem/internal/provider"
)

// HTTPServer provides the WebSocket ingest endpoints and the REST API for
// monitoring, reports and peer coordination.
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	metrics *metrics.Metrics

	recording  *ingest.Service
	monitoring *ingest.Service
	archive    *archive.Store
	coord      *coordinator.Coordinator
	reports    *pipeline.Store
	hub        *hub.Hub
	stt        *provider.Transcriber

	startTime time.Time
}

// NewHTTPServer creates the API server and wires up its routes.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics,
	recording, monitoring *ingest.Service, store *archive.Store,
	coord *coordinator.Coordinator, reports *pipeline.Store, h *hub.Hub,
	stt *provider.Transcriber) *HTTPServer {

	s := &HTTPServer{
		logger:     logger,
		config:     cfg,
		metrics:    m,
		recording:  recording,
		monitoring: monitoring,
		archive:    store,
		coord:      coord,
		reports:    reports,
		hub:        h,
		stt:        stt,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 0, // WebSocket ingest connections stay open for the whole call
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// setupRoutes configures HTTP API routes
func (s *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// WebSocket ingest, one endpoint per capture channel
	mux.HandleFunc("GET /ws/recording/{room}/{participant}", s.handleIngestWS(s.recording, "recording"))
	mux.HandleFunc("GET /ws/monitoring/{room}/{participant}", s.handleIngestWS(s.monitoring, "monitoring"))

	// Progress observer stream
	mux.HandleFunc("GET /ws/progress", s.handleProgressWS)

	// Peer coordination
	mux.HandleFunc("POST /api/internal/analysis-trigger", s.withMetrics("/api/internal/analysis-trigger", s.handleAnalysisTrigger))

	// Reports
	mux.HandleFunc("GET /api/reports", s.withMetrics("/api/reports", s.handleListReports))
	mux.HandleFunc("GET /api/reports/{id}", s.withMetrics("/api/reports/{id}", s.handleGetReport))
	mux.HandleFunc("DELETE /api/reports", s.withMetrics("/api/reports", s.handleDeleteReports))

	// Archived audio download (also what peers fetch as recording_file_url)
	mux.HandleFunc("GET /api/audio/{id}", s.withMetrics("/api/audio/{id}", s.handleAudio))

	// Progress control
	mux.HandleFunc("POST /api/reset-progress", s.withMetrics("/api/reset-progress", s.handleResetProgress))

	// Monitoring endpoints
	mux.HandleFunc("GET /health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("GET /stats", s.withMetrics("/stats", s.handleStats))
	mux.HandleFunc("GET /config", s.withMetrics("/config", s.handleConfig))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /{$}", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP API server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server...")

	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// handleAnalysisTrigger accepts a peer's recording-ready notification and
// feeds it into the rendezvous.
func (s *HTTPServer) handleAnalysisTrigger(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if n.CallSessionID == "" || n.RecordingFileURL == "" {
		http.Error(w, "call_session_id and recording_file_url are required", http.StatusBadRequest)
		return
	}

	s.coord.SetRemoteArtifactReference(n.CallSessionID, n.RecordingFileURL)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "accepted",
		"call_session_id": n.CallSessionID,
	})
}

// handleListReports implements GET /api/reports
func (s *HTTPServer) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	summaries, err := s.reports.List(limit)
	if err != nil {
		s.logger.Error("Listing reports failed", slog.String("error", err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(summaries),
		"reports": summaries,
	})
}

// handleGetReport implements GET /api/reports/{id}
func (s *HTTPServer) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.Get(r.PathValue("id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Loading report failed", slog.String("error", err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

// handleDeleteReports implements DELETE /api/reports?older_than_days=N
func (s *HTTPServer) handleDeleteReports(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("older_than_days"))
	if err != nil || days < 1 {
		http.Error(w, "older_than_days must be a positive integer", http.StatusBadRequest)
		return
	}

	removed, err := s.reports.DeleteOlderThan(days)
	if err != nil {
		s.logger.Error("Deleting reports failed", slog.String("error", err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Old reports deleted",
		slog.Int("older_than_days", days),
		slog.Int64("removed", removed),
	)
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleAudio implements GET /api/audio/{id}
func (s *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.archive.Retrieve(r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		http.Error(w, "Artifact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Loading artifact failed", slog.String("error", err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, artifact.Path)
}

// handleResetProgress implements POST /api/reset-progress
func (s *HTTPServer) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	s.hub.Reset()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": hub.StatusWaiting})
}

// handleHealth implements the /health endpoint
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)
	sttStats := s.stt.GetStats()
	coordStats := s.coord.GetStats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]any{
			"name":    "audio-assurance-service",
			"version": serviceVersion,
		},
		"components": map[string]any{
			"recording_ingest":  s.recording.Stats(),
			"monitoring_ingest": s.monitoring.Stats(),
			"coordinator": map[string]any{
				"pending_rendezvous": coordStats.Pending,
				"triggers_fired":     coordStats.TriggersFired,
			},
			"transcription": map[string]any{
				"total_requests": sttStats.TotalRequests,
				"success_rate":   sttStats.SuccessRate,
			},
			"progress_hub": map[string]any{
				"subscribers": s.hub.SubscriberCount(),
				"status":      s.hub.Current().Status,
			},
		},
	}

	s.writeJSON(w, http.StatusOK, health)
}

// handleStats implements the /stats endpoint
func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"recording": map[string]any{
			"summary": s.recording.Stats(),
			"rooms":   s.recording.Rooms(),
		},
		"monitoring": map[string]any{
			"summary": s.monitoring.Stats(),
			"rooms":   s.monitoring.Rooms(),
		},
		"coordinator": map[string]any{
			"summary": s.coord.GetStats(),
			"pending": s.coord.Pending(),
		},
		"transcription": s.stt.GetStats(),
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Sanitized: endpoints and tunables are visible, API keys never are.
	sanitized := map[string]any{
		"server": map[string]any{
			"port":            s.config.Server.Port,
			"address":         s.config.Server.Address,
			"public_base_url": s.config.Server.PublicBaseURL,
		},
		"audio": map[string]any{
			"sample_rate": s.config.Audio.SampleRate,
			"ffmpeg_path": s.config.Audio.FFmpegPath,
		},
		"recording": map[string]any{
			"merge_policy":   s.config.Recording.MergePolicy,
			"denoise":        s.config.Recording.Denoise,
			"decode_timeout": s.config.Recording.DecodeTimeout,
			"stale_timeout":  s.config.Recording.StaleTimeout,
		},
		"monitoring": map[string]any{
			"merge_policy":   s.config.Monitoring.MergePolicy,
			"denoise":        s.config.Monitoring.Denoise,
			"decode_timeout": s.config.Monitoring.DecodeTimeout,
			"stale_timeout":  s.config.Monitoring.StaleTimeout,
		},
		"transcription": map[string]any{
			"endpoint":       s.config.Transcription.Endpoint,
			"model":          s.config.Transcription.Model,
			"timeout":        s.config.Transcription.Timeout,
			"max_retries":    s.config.Transcription.MaxRetries,
			"max_concurrent": s.config.Transcription.MaxConcurrent,
		},
		"comparison": map[string]any{
			"endpoint":    s.config.Comparison.Endpoint,
			"model":       s.config.Comparison.Model,
			"timeout":     s.config.Comparison.Timeout,
			"max_retries": s.config.Comparison.MaxRetries,
		},
		"notify": map[string]any{
			"mode":     s.config.Notify.Mode,
			"endpoint": s.config.Notify.Endpoint,
		},
		"logging": map[string]any{
			"level":  s.config.Logging.Level,
			"format": s.config.Logging.Format,
			"output": s.config.Logging.Output,
		},
	}

	s.writeJSON(w, http.StatusOK, sanitized)
}

const serviceVersion = "1.0.0"

// handleRoot implements the / endpoint with API documentation
func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]any{
		"service": "Audio Assurance Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /ws/recording/{room}/{participant}":  "Recording channel audio ingest (WebSocket)",
			"GET /ws/monitoring/{room}/{participant}": "Monitoring channel audio ingest (WebSocket)",
			"GET /ws/progress":                        "Analysis progress stream (WebSocket)",
			"POST /api/internal/analysis-trigger":     "Peer recording-ready notification",
			"GET /api/reports":                        "List analysis reports",
			"GET /api/reports/{id}":                   "Get one analysis report",
			"DELETE /api/reports":                     "Delete reports older than N days",
			"GET /api/audio/{id}":                     "Download an archived artifact",
			"POST /api/reset-progress":                "Force the progress hub back to waiting",
			"GET /health":                             "Service health check",
			"GET /stats":                              "Service statistics",
			"GET /config":                             "Sanitized service configuration",
			"GET /metrics":                            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, apiDoc)
}
