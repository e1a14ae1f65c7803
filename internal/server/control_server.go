package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"Mansoor88-6/consent-analytics-agent/internal/models"
	"Mansoor88-6/consent-analytics-agent/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConsentUpdateRequest is the body of PUT /api/v1/consent
type ConsentUpdateRequest struct {
	models.AnalyticsConsent
	Reason string `json:"reason,omitempty"`
}

// EventRequest is the body of POST /api/v1/events
type EventRequest struct {
	Type       models.EventType       `json:"type"`
	Name       string                 `json:"name,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	UserID     string                 `json:"userId,omitempty"`
	GroupID    string                 `json:"groupId,omitempty"`
	NewID      string                 `json:"newId,omitempty"`
	Page       *models.PageInfo       `json:"page,omitempty"`
}

// PageContextRequest is the body the browser extension posts on navigation
type PageContextRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	URL       string `json:"url"`
	Path      string `json:"path,omitempty"`
	Title     string `json:"title,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Search    string `json:"search,omitempty"`
}

// ControlServer exposes the agent to local tooling and the browser extension
type ControlServer struct {
	service        *service.AnalyticsService
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	logger         *zap.Logger
}

// NewControlServer creates a control server; gatherer may be nil to omit /metrics
func NewControlServer(svc *service.AnalyticsService, gatherer prometheus.Gatherer, allowedOrigins []string, logger *zap.Logger) *ControlServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &ControlServer{
		service:        svc,
		gatherer:       gatherer,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// Handler builds the router
func (s *ControlServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	// CORS for the extension origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         3600,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Get("/consent", s.handleGetConsent)
		r.Put("/consent", s.handleUpdateConsent)
		r.Post("/consent/reset", s.handleResetConsent)
		r.Get("/consent/history", s.handleConsentHistory)

		r.Post("/events", s.handleEvent)
		r.Post("/page-context", s.handlePageContext)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/flush", s.handleFlush)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// requestLogger logs each request
func (s *ControlServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *ControlServer) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ConsentState())
}

func (s *ControlServer) handleUpdateConsent(w http.ResponseWriter, r *http.Request) {
	var req ConsentUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode consent update request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.service.UpdateConsent(r.Context(), req.AnalyticsConsent, req.Reason); err != nil {
		s.logger.Error("Failed to update consent", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update consent")
		return
	}

	writeJSON(w, http.StatusOK, s.service.ConsentState())
}

func (s *ControlServer) handleResetConsent(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResetConsent(r.Context()); err != nil {
		s.logger.Error("Failed to reset consent", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to reset consent")
		return
	}
	writeJSON(w, http.StatusOK, s.service.ConsentState())
}

func (s *ControlServer) handleConsentHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ConsentHistory())
}

func (s *ControlServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode event request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	var err error
	switch req.Type {
	case models.EventTrack:
		err = s.service.Track(ctx, req.Name, req.Properties)
	case models.EventPage:
		err = s.service.Page(ctx, req.Name, req.Properties, req.Page)
	case models.EventIdentify:
		err = s.service.Identify(ctx, req.UserID, req.Properties)
	case models.EventGroup:
		err = s.service.Group(ctx, req.GroupID, req.Properties)
	case models.EventAlias:
		err = s.service.Alias(ctx, req.NewID)
	default:
		writeError(w, http.StatusBadRequest, "Unknown event type")
		return
	}

	if errors.Is(err, models.ErrInvalidEvent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Failed to queue event", zap.Error(err), zap.String("event_type", string(req.Type)))
		writeError(w, http.StatusInternalServerError, "Failed to queue event")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *ControlServer) handlePageContext(w http.ResponseWriter, r *http.Request) {
	var req PageContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode page context request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate URL format
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.logger.Warn("Rejected invalid URL format", zap.String("url", req.URL))
		writeError(w, http.StatusBadRequest, "Invalid URL format")
		return
	}

	s.service.StorePage(req.SessionID, models.PageInfo{
		URL:      req.URL,
		Path:     req.Path,
		Title:    req.Title,
		Referrer: req.Referrer,
		Search:   req.Search,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ControlServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.QueueStats())
}

func (s *ControlServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Flush(r.Context()); err != nil {
		s.logger.Error("Manual flush failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Flush failed")
		return
	}
	writeJSON(w, http.StatusOK, s.service.QueueStats())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
