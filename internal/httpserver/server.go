// Package httpserver exposes the postback tracker over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Carlos20473736/monetag-postback-server/internal/config"
	"github.com/Carlos20473736/monetag-postback-server/internal/ingest"
	"github.com/Carlos20473736/monetag-postback-server/internal/metrics"
	"github.com/Carlos20473736/monetag-postback-server/internal/middleware"
	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/storage"
	"github.com/Carlos20473736/monetag-postback-server/internal/tracker"
)

// HealthChecker reports backend connectivity for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies carries everything the server needs.
type Dependencies struct {
	Config  *config.Config
	Tracker *tracker.Service
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// Backend is the active storage backend name, reported by /health.
	Backend string
	// Checkers are probed by /health; a nil map means no external backends.
	Checkers map[string]HealthChecker
}

// Server is the HTTP front of the postback service.
type Server struct {
	deps    Dependencies
	handler http.Handler
	started time.Time
}

// NewServer wires routes and middleware.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/postback", s.handlePostback)
	mux.HandleFunc("/api/stats", s.handleStatsGlobal)
	mux.HandleFunc("/api/stats/zone/", s.handleStatsZone)
	mux.HandleFunc("/api/stats/user/", s.handleStatsUser)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/api/admin/reset", s.handleResetAll)
	adminMux.HandleFunc("/api/admin/reset/zone/", s.handleResetZone)
	adminMux.HandleFunc("/api/admin/reset/user/", s.handleResetUser)
	adminAuth := middleware.NewAdminAuth(deps.Config.Auth.AdminToken, deps.Logger)
	mux.Handle("/api/admin/", adminAuth.Handler(adminMux))

	if deps.Config.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	var handler http.Handler = mux
	if deps.Config.RateLimit.Enabled {
		rl := middleware.NewRateLimit(
			deps.Config.RateLimit.PostbackPerSec, deps.Config.RateLimit.PostbackBurst,
			deps.Config.RateLimit.ManagementPerSec, deps.Config.RateLimit.ManagementBurst,
			deps.Metrics, deps.Logger)
		handler = rl.Handler(handler)
	}
	handler = middleware.NewLogging(deps.Logger).Handler(handler)
	handler = middleware.NewRecovery(deps.Logger).Handler(handler)

	s.handler = handler
	return s
}

// Handler returns the composed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handlePostback ingests one postback. GET and POST are both accepted since
// ad networks fire either. The response is 200 whenever the call was
// structurally valid, even if storage failed underneath.
func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	params := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if r.Method == http.MethodPost {
		ct := r.Header.Get("Content-Type")
		switch {
		case strings.HasPrefix(ct, "application/json"):
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				for k, v := range body {
					params[k] = stringify(v)
				}
			}
		default:
			if err := r.ParseForm(); err == nil {
				for k, v := range r.PostForm {
					if len(v) > 0 {
						params[k] = v[0]
					}
				}
			}
		}
	}

	result, err := s.deps.Tracker.Ingest(r.Context(), params, tracker.RequestContext{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			s.errorResponse(w, http.StatusBadRequest, verr.Error())
			return
		}
		// Non-validation failures never reach the sender.
		s.deps.Logger.Error("unexpected ingest error", zap.Error(err))
	}

	resp := map[string]any{"success": true}
	if result != nil {
		resp["event_id"] = result.Event.ID
		resp["event_type"] = result.Event.EventType
		resp["zone_id"] = result.Event.ZoneID
		if result.SessionActivated {
			resp["session_activated"] = true
		}
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleStatsGlobal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view, err := s.deps.Tracker.StatsGlobal(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.jsonResponse(w, http.StatusOK, view)
}

func (s *Server) handleStatsZone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	zoneID := strings.TrimPrefix(r.URL.Path, "/api/stats/zone/")
	if zoneID == "" || strings.Contains(zoneID, "/") {
		s.errorResponse(w, http.StatusBadRequest, "zone id required")
		return
	}
	view, err := s.deps.Tracker.StatsZone(r.Context(), zoneID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.jsonResponse(w, http.StatusOK, view)
}

func (s *Server) handleStatsUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/api/stats/user/")
	if userID == "" || strings.Contains(userID, "/") {
		s.errorResponse(w, http.StatusBadRequest, "user id required")
		return
	}
	view, err := s.deps.Tracker.StatsUser(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.jsonResponse(w, http.StatusOK, view)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	filter := storage.EventFilter{
		EventType: models.EventType(q.Get("event_type")),
		ZoneID:    q.Get("zone_id"),
		UserID:    q.Get("user_id"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	events, err := s.deps.Tracker.ListEvents(r.Context(), filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.reset(w, r, storage.ResetScope{All: true})
}

func (s *Server) handleResetZone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	zoneID := strings.TrimPrefix(r.URL.Path, "/api/admin/reset/zone/")
	if zoneID == "" || strings.Contains(zoneID, "/") {
		s.errorResponse(w, http.StatusBadRequest, "zone id required")
		return
	}
	s.reset(w, r, storage.ResetScope{ZoneID: zoneID})
}

func (s *Server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/api/admin/reset/user/")
	if userID == "" || strings.Contains(userID, "/") {
		s.errorResponse(w, http.StatusBadRequest, "user id required")
		return
	}
	s.reset(w, r, storage.ResetScope{UserID: userID})
}

// reset is the shared admin reset path. Unlike ingestion, admin operations
// surface storage failures.
func (s *Server) reset(w http.ResponseWriter, r *http.Request, scope storage.ResetScope) {
	deleted, err := s.deps.Tracker.Reset(r.Context(), scope)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	backends := map[string]string{}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for name, checker := range s.deps.Checkers {
		if err := checker.Health(ctx); err != nil {
			backends[name] = "unreachable"
			status = "degraded"
		} else {
			backends[name] = "ok"
		}
	}

	s.jsonResponse(w, code, map[string]any{
		"status":   status,
		"backend":  s.deps.Backend,
		"backends": backends,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"service":          "monetag-postback-server",
		"aggregation_mode": s.deps.Tracker.Mode(),
		"user_id_field":    s.deps.Tracker.UserField(),
		"endpoints": []string{
			"GET|POST /api/postback",
			"GET /api/stats",
			"GET /api/stats/zone/{zone_id}",
			"GET /api/stats/user/{user_id}",
			"GET /api/events",
			"POST /api/admin/reset",
			"POST /api/admin/reset/zone/{zone_id}",
			"POST /api/admin/reset/user/{user_id}",
			"GET /health",
		},
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.deps.Logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]any{"error": message})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; zone ids and prices both want the
		// compact form.
		b, _ := json.Marshal(t)
		return string(b)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
