package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	httpmiddleware "github.com/wolfeidau/keyforge/internal/http"
)

func TestRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := httpmiddleware.RequestIDMiddleware()(
		httpmiddleware.ClientIPMiddleware()(
			Requests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				zerolog.Ctx(r.Context()).Info().Msg("inside")
				http.Error(w, "nope", http.StatusNotFound)
			})),
		),
	)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/groups/missing", nil)
	r.Header.Set(httpmiddleware.RequestIDHeader, "req-1")
	r.Header.Set("X-Real-IP", "10.0.0.7")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var inside, done map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &inside))
	require.NoError(t, json.Unmarshal(lines[1], &done))

	require.Equal(t, "req-1", inside["request_id"])
	require.Equal(t, "10.0.0.7", inside["client_ip"])

	require.Equal(t, "warn", done["level"])
	require.Equal(t, "http request", done["message"])
	require.Equal(t, "GET", done["method"])
	require.Equal(t, "/api/v1/groups/missing", done["path"])
	require.InDelta(t, float64(http.StatusNotFound), done["status"], 0)
}

func TestSetup(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, Setup(false).GetLevel())
	require.Equal(t, zerolog.DebugLevel, Setup(true).GetLevel())
}
