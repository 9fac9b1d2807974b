package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capturingRequest(t *testing.T, handler http.Handler) (*bytes.Buffer, func(*http.Request) *httptest.ResponseRecorder) {
	t.Helper()

	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	return buf, func(r *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		return w
	}
}

func auditFields(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	return fields
}

func TestMiddleware_WritesEntry(t *testing.T) {
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := Log(r.Context())
		entry.Authorized = true
		entry.Principal = "kiosk-1"
		entry.AuthMethod = "token"
		entry.CacheKey = "abc123"
		entry.CacheHit = true

		w.WriteHeader(http.StatusOK)
	}))

	buf, do := capturingRequest(t, handler)

	r := httptest.NewRequest(http.MethodPost, "/generate_track_poster", nil)
	r.Header.Set("User-Agent", "test-agent")
	do(r)

	fields := auditFields(t, buf)
	assert.Equal(t, "audit", fields["message"])
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/generate_track_poster", fields["path"])
	assert.Equal(t, "test-agent", fields["userAgent"])
	assert.Equal(t, true, fields["authorized"])
	assert.Equal(t, "kiosk-1", fields["principal"])
	assert.Equal(t, "abc123", fields["cacheKey"])
	assert.Equal(t, true, fields["cacheHit"])
	assert.Equal(t, float64(http.StatusOK), fields["status"])
}

func TestMiddleware_RecordsErrorStatus(t *testing.T) {
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Log(r.Context()).Error = "credential verification failed"
		w.WriteHeader(http.StatusUnauthorized)
	}))

	buf, do := capturingRequest(t, handler)
	do(httptest.NewRequest(http.MethodPost, "/generate_album_poster", nil))

	fields := auditFields(t, buf)
	assert.Equal(t, float64(http.StatusUnauthorized), fields["status"])
	assert.Equal(t, "credential verification failed", fields["error"])
	assert.Equal(t, false, fields["authorized"])
}

func TestMiddleware_WritesEntryOnPanic(t *testing.T) {
	handler := Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	buf, do := capturingRequest(t, handler)

	assert.Panics(t, func() {
		do(httptest.NewRequest(http.MethodGet, "/get_poster/tracks/0123456789abcdef.png", nil))
	})

	fields := auditFields(t, buf)
	assert.Equal(t, float64(http.StatusInternalServerError), fields["status"])
	assert.Equal(t, "panic during request handling", fields["error"])
}

func TestLog_DetachedWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	entry := Log(r.Context())
	require.NotNil(t, entry)

	// annotating a detached entry is a no-op rather than a crash
	entry.CacheKey = "abc"
}
