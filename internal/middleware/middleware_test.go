package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oafish1/cellTRIP/internal/metrics"
)

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestCorrelationID(t *testing.T) {
	h := CorrelationID(http.HandlerFunc(ok))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(CorrelationHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(CorrelationHeader))
}

func TestRateLimiter(t *testing.T) {
	h := RateLimiter(1, 2)(http.HandlerFunc(ok))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_Disabled(t *testing.T) {
	h := RateLimiter(0, 0)(http.HandlerFunc(ok))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequestLoggerAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Use(Metrics(metrics.NewCollector(logger)))
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	out := buf.String()
	assert.True(t, strings.Contains(out, `"endpoint":"/items/{id}"`), out)
	assert.True(t, strings.Contains(out, `"status":404`), out)
}

func TestRequestLogger_StageFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(CorrelationID)
	r.Use(RequestLogger(logger))
	r.Post("/stage/{tier}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(SessionHeader, "sess-1")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/stage/minibatch", nil)
	req.Header.Set(CorrelationHeader, "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	out := buf.String()
	assert.Contains(t, out, `"route":"/stage/{tier}"`)
	assert.Contains(t, out, `"tier":"minibatch"`)
	assert.Contains(t, out, `"session_id":"sess-1"`)
	assert.Contains(t, out, `"correlation_id":"corr-1"`)
}
