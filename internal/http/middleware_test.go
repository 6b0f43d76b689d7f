package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{name: "forwarded single", headers: map[string]string{"X-Forwarded-For": "192.168.1.1"}, expected: "192.168.1.1"},
		{name: "forwarded chain takes first", headers: map[string]string{"X-Forwarded-For": "203.0.113.1,198.51.100.1"}, expected: "203.0.113.1"},
		{
			name:     "forwarded wins over real ip",
			headers:  map[string]string{"X-Forwarded-For": "203.0.113.1, 198.51.100.1", "X-Real-IP": "192.168.1.100"},
			expected: "203.0.113.1",
		},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "192.168.1.100"}, expected: "192.168.1.100"},
		{name: "remote ipv4", remoteAddr: "192.168.1.1:54321", expected: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[2001:db8::1]:54321", expected: "[2001:db8::1]"},
		{name: "remote without port", remoteAddr: "192.168.1.1", expected: "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if tt.remoteAddr != "" {
				r.RemoteAddr = tt.remoteAddr
			}
			require.Equal(t, tt.expected, ExtractClientIP(r))
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var captured string
	handler := ClientIPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, "203.0.113.1", captured)
	require.Empty(t, ClientIPFromContext(context.Background()))
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(captured)
		require.NoError(t, err)
		require.Equal(t, captured, w.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "edge-1234")
		handler.ServeHTTP(w, r)

		require.Equal(t, "edge-1234", captured)
		require.Equal(t, "edge-1234", w.Header().Get(RequestIDHeader))
	})

	t.Run("malformed inbound id is replaced", func(t *testing.T) {
		for _, id := range []string{"has space", strings.Repeat("x", 200)} {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(RequestIDHeader, id)
			handler.ServeHTTP(w, r)

			require.NotEqual(t, id, captured)
			_, err := uuid.Parse(captured)
			require.NoError(t, err)
		}
	})

	require.Empty(t, RequestIDFromContext(context.Background()))
}
