package middleware

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemini-bridge/internal/domain"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		assert.Equal(t, want, w.Header().Get(header), header)
	}
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_HSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func send(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/search", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_BurstThenBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, 6, 3)(okHandler())

	ok, blocked := 0, 0
	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		w := send(h, "192.168.1.1:12345")
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
			last = w
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, blocked)

	require.NotNil(t, last)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
	var body ErrorBody
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeRateLimit, body.Code)
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, 6, 2)(okHandler())

	for i := 0; i < 3; i++ {
		send(h, "192.168.1.1:12345")
	}
	assert.Equal(t, http.StatusTooManyRequests, send(h, "192.168.1.1:12345").Code)
	assert.Equal(t, http.StatusOK, send(h, "192.168.1.2:12345").Code)
	assert.Equal(t, http.StatusOK, send(h, "[::1]:4000").Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{"no proxies", "1.2.3.4:1", "8.8.8.8", "", nil, "1.2.3.4"},
		{"untrusted peer ignores xff", "1.2.3.4:1", "8.8.8.8", "", []string{"10.0.0.1"}, "1.2.3.4"},
		{"trusted peer uses first xff", "10.0.0.1:1", "203.0.113.1, 198.51.100.1", "", []string{"10.0.0.1"}, "203.0.113.1"},
		{"trusted peer uses x-real-ip", "10.0.0.1:1", "", "203.0.113.9", []string{"10.0.0.1"}, "203.0.113.9"},
		{"trusted peer without headers", "10.0.0.1:1", "", "", []string{"10.0.0.1"}, "10.0.0.1"},
		{"ipv6 peer", "[2001:db8::1]:443", "", "", nil, "2001:db8::1"},
		{"no port", "1.2.3.4", "", "", nil, "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trusted))
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, domain.NewDomainError("Request.Validate", domain.ErrInvalidInput, "content is required"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, domain.CodeInvalidInput, body.Code)
	assert.Contains(t, body.Error, "content is required")
}

func TestRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.(http.Flusher).Flush()
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/status", nil))

	assert.True(t, w.Flushed)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "/api/v1/status", entry["path"])
	assert.EqualValues(t, http.StatusTeapot, entry["status"])
}
