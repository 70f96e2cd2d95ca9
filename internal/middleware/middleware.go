package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Oafish1/cellTRIP/internal/metrics"
)

const (
	// CorrelationHeader carries the per-request correlation ID.
	CorrelationHeader = "X-Correlation-ID"
	// SessionHeader is set by handlers that stage data, naming the sampler session.
	SessionHeader = "X-Celltrip-Session"
)

// RequestLogger creates a zerolog-based request logger middleware
func RequestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return middleware.RequestLogger(&RequestLoggerFormatter{logger})
}

// RequestLoggerFormatter implements chi's LogFormatter interface
type RequestLoggerFormatter struct {
	Logger zerolog.Logger
}

func (l *RequestLoggerFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	entry := &RequestLoggerEntry{
		Logger: l.Logger.With().
			Str("correlation_id", r.Header.Get(CorrelationHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger(),
		route: chi.RouteContext(r.Context()),
	}
	entry.Logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Request started")
	return entry
}

// RequestLoggerEntry implements chi's LogEntry interface. The route context is
// read at completion, once the router has matched the pattern.
type RequestLoggerEntry struct {
	Logger zerolog.Logger
	route  *chi.Context
}

func (l *RequestLoggerEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	level := zerolog.InfoLevel
	switch {
	case status >= 500:
		level = zerolog.ErrorLevel
	case status >= 400:
		level = zerolog.WarnLevel
	}

	event := l.Logger.WithLevel(level).
		Int("status", status).
		Int("bytes", bytes).
		Dur("elapsed", elapsed)
	if l.route != nil {
		if pattern := l.route.RoutePattern(); pattern != "" {
			event = event.Str("route", pattern)
		}
		if tier := l.route.URLParam("tier"); tier != "" {
			event = event.Str("tier", tier)
		}
	}
	if session := header.Get(SessionHeader); session != "" {
		event = event.Str("session_id", session)
	}
	event.Msg("Request completed")
}

func (l *RequestLoggerEntry) Panic(v interface{}, stack []byte) {
	l.Logger.Error().
		Interface("panic", v).
		Bytes("stack", stack).
		Msg("Request panic")
}

// CorrelationID adds a correlation ID to requests if not present
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
			r.Header.Set(CorrelationHeader, correlationID)
		}

		w.Header().Set(CorrelationHeader, correlationID)

		next.ServeHTTP(w, r)
	})
}

// RateLimiter rejects requests with 429 once the shared token bucket is empty.
// A non-positive rate disables limiting.
func RateLimiter(requestsPerSecond, burst int) func(next http.Handler) http.Handler {
	if requestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = requestsPerSecond
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics reports every request to the collector, keyed by route pattern.
func Metrics(collector *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			collector.APIRequest(r.Method, endpoint, status, time.Since(start))
		})
	}
}
