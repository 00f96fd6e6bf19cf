package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Carlos20473736/monetag-postback-server/internal/metrics"
)

// Recovery recovers from handler panics and returns 500.
type Recovery struct {
	logger *zap.Logger
}

func NewRecovery(logger *zap.Logger) *Recovery {
	return &Recovery{logger: logger}
}

func (rec *Recovery) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				rec.logger.Error("panic in handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method))
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging logs every request with latency and status.
type Logging struct {
	logger *zap.Logger
}

func NewLogging(logger *zap.Logger) *Logging {
	return &Logging{logger: logger}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (l *Logging) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", remoteAddr(r)),
		}
		switch {
		case rw.status >= 500:
			l.logger.Error("request", fields...)
		case rw.status >= 400:
			l.logger.Warn("request", fields...)
		default:
			l.logger.Debug("request", fields...)
		}
	})
}

// AdminAuth guards admin endpoints with a shared token. An empty
// configured token disables the guard entirely.
type AdminAuth struct {
	token  string
	logger *zap.Logger
}

func NewAdminAuth(token string, logger *zap.Logger) *AdminAuth {
	return &AdminAuth{token: token, logger: logger}
}

func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get("X-Admin-Token")
		if provided == "" {
			provided = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) != 1 {
			a.logger.Warn("admin auth rejected",
				zap.String("path", r.URL.Path),
				zap.String("remote", remoteAddr(r)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies separate token buckets to the postback ingest path
// and everything else.
type RateLimit struct {
	postback   *rate.Limiter
	management *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewRateLimit(postbackRPS float64, postbackBurst int, mgmtRPS float64, mgmtBurst int, m *metrics.Metrics, logger *zap.Logger) *RateLimit {
	return &RateLimit{
		postback:   rate.NewLimiter(rate.Limit(postbackRPS), postbackBurst),
		management: rate.NewLimiter(rate.Limit(mgmtRPS), mgmtBurst),
		metrics:    m,
		logger:     logger,
	}
}

func (rl *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := rl.management
		endpoint := "management"
		if strings.HasPrefix(r.URL.Path, "/api/postback") {
			limiter = rl.postback
			endpoint = "postback"
		}
		if !limiter.Allow() {
			rl.metrics.RecordRateLimitHit(endpoint)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx > 0 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}
