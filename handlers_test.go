package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/justinas/alice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posterbeat/posterbeat/internal/artifact"
	"github.com/posterbeat/posterbeat/internal/audit"
	"github.com/posterbeat/posterbeat/internal/auth"
	"github.com/posterbeat/posterbeat/internal/catalog"
	"github.com/posterbeat/posterbeat/internal/config"
	"github.com/posterbeat/posterbeat/internal/generate"
	"github.com/posterbeat/posterbeat/internal/lyrics"
	"github.com/posterbeat/posterbeat/internal/poster"
	"github.com/posterbeat/posterbeat/internal/ratelimit"
)

type stubProvider struct {
	meta catalog.Metadata
	err  error
}

func (p *stubProvider) Resolve(context.Context, catalog.Kind, string, string) (catalog.Metadata, error) {
	if p.err != nil {
		return catalog.Metadata{}, p.err
	}
	return p.meta, nil
}

type stubLyrics struct{}

func (stubLyrics) Fetch(_ context.Context, meta catalog.Metadata) lyrics.Document {
	return lyrics.Document{TrackID: meta.ProviderID}
}

type testApp struct {
	handler http.Handler
	gate    *auth.Gate
}

// newTestApp assembles the real routing and middleware stack over a stubbed
// catalog provider.
func newTestApp(t *testing.T, provider catalog.Provider, rateCap int) testApp {
	t.Helper()

	gate, err := auth.New(config.AuthConfig{
		Mode:            "token",
		TokenSecret:     "test-signing-secret",
		Issuer:          "posterbeat",
		TokenTTLMinutes: 60,
		Devices:         "kiosk-1:hunter2",
	})
	require.NoError(t, err)

	index, err := artifact.NewMemory[artifact.Artifact](0, 100)
	require.NoError(t, err)

	store, err := artifact.NewStore(t.TempDir(), index)
	require.NoError(t, err)

	themes := poster.NewThemeSet()
	coordinator := generate.New(store, provider, stubLyrics{}, poster.NewRenderer(themes))

	limiter := ratelimit.New(config.RateLimitConfig{RequestsPerWindow: rateCap, WindowSeconds: 3600})

	mux := http.NewServeMux()

	auditor := audit.Middleware()
	authorizer := auth.Middleware(gate)
	requestLimiter := maxRequestSize(12 << 20)

	generateChain := alice.New(requestLimiter, auditor, authorizer, rateLimited(limiter))
	authorizedChain := alice.New(requestLimiter, auditor, authorizer)
	loginChain := alice.New(requestLimiter, auditor)

	mux.Handle("POST /auth/login", loginChain.Then(handleLogin(gate)))
	mux.Handle("POST /generate_album_poster", generateChain.Then(handleGeneratePoster(coordinator, themes, catalog.KindAlbum)))
	mux.Handle("POST /generate_track_poster", generateChain.Then(handleGeneratePoster(coordinator, themes, catalog.KindTrack)))
	mux.Handle("GET /get_poster/{kind}/{slug}", authorizedChain.Then(handleGetPoster(store)))
	mux.Handle("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))

	return testApp{handler: mux, gate: gate}
}

func (a testApp) login(t *testing.T) string {
	t.Helper()

	token, err := a.gate.Login("kiosk-1", "hunter2")
	require.NoError(t, err)
	return token.AccessToken
}

func (a testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, r)
	return w
}

func testMeta() catalog.Metadata {
	return catalog.Metadata{
		Kind:       catalog.KindTrack,
		Title:      "Bohemian Rhapsody",
		Artist:     "Queen",
		Album:      "A Night at the Opera",
		Released:   "November 21, 1975",
		Duration:   "05:55",
		Label:      "EMI",
		ProviderID: "track-1",
	}
}

func TestLogin(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)

	w := app.do(t, http.MethodPost, "/auth/login", "",
		map[string]string{"device_id": "kiosk-1", "credential": "hunter2"})

	require.Equal(t, http.StatusOK, w.Code)

	var token auth.Token
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	assert.NotEmpty(t, token.AccessToken)

	_, err := app.gate.Verify(token.AccessToken)
	assert.NoError(t, err)
}

func TestLogin_BadCredential(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)

	w := app.do(t, http.MethodPost, "/auth/login", "",
		map[string]string{"device_id": "kiosk-1", "credential": "wrong"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGeneratePoster_RequiresAuth(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)

	w := app.do(t, http.MethodPost, "/generate_track_poster", "",
		map[string]string{"title": "Bohemian Rhapsody", "artist": "Queen"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGeneratePoster_TrackRoundTrip(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)
	token := app.login(t)

	w := app.do(t, http.MethodPost, "/generate_track_poster", token,
		map[string]string{"title": "Bohemian Rhapsody", "artist": "Queen"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp posterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.Thumbhash)
	require.Regexp(t, `^tracks/[a-f0-9]{16}\.png$`, resp.Reference)

	// the generated poster is retrievable
	get := app.do(t, http.MethodGet, "/get_poster/"+resp.Reference, token, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "image/png", get.Header().Get("Content-Type"))
	assert.NotEmpty(t, get.Body.Bytes())

	// regenerating the same subject is a cache hit
	again := app.do(t, http.MethodPost, "/generate_track_poster", token,
		map[string]string{"title": " BOHEMIAN rhapsody ", "artist": "queen"})
	require.Equal(t, http.StatusOK, again.Code)

	var cached posterResponse
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &cached))
	assert.True(t, cached.Cached)
	assert.Equal(t, resp.Reference, cached.Reference)
}

func TestGeneratePoster_InvalidBody(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)
	token := app.login(t)

	r := httptest.NewRequest(http.MethodPost, "/generate_track_poster", bytes.NewBufferString("{nope"))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	app.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request", resp.Kind)
}

func TestGeneratePoster_ValidationErrors(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)
	token := app.login(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing title", map[string]string{"artist": "Queen"}},
		{"missing artist", map[string]string{"title": "Bohemian Rhapsody"}},
		{"unknown theme", map[string]string{"title": "Bohemian Rhapsody", "artist": "Queen", "theme": "Vaporwave"}},
		{"undecodable cover", map[string]string{"title": "Bohemian Rhapsody", "artist": "Queen", "custom_cover": "!!!"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := app.do(t, http.MethodPost, "/generate_track_poster", token, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGeneratePoster_NotFound(t *testing.T) {
	app := newTestApp(t, &stubProvider{err: catalog.ErrNotFound}, 100)
	token := app.login(t)

	w := app.do(t, http.MethodPost, "/generate_album_poster", token,
		map[string]string{"title": "zzzz", "artist": "qqqq"})

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Kind)
}

func TestGeneratePoster_ProviderUnavailable(t *testing.T) {
	app := newTestApp(t, &stubProvider{err: catalog.ErrUnavailable}, 100)
	token := app.login(t)

	w := app.do(t, http.MethodPost, "/generate_track_poster", token,
		map[string]string{"title": "Bohemian Rhapsody", "artist": "Queen"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGeneratePoster_RateLimited(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 1)
	token := app.login(t)

	body := map[string]string{"title": "Bohemian Rhapsody", "artist": "Queen"}

	first := app.do(t, http.MethodPost, "/generate_track_poster", token, body)
	require.Equal(t, http.StatusOK, first.Code)

	second := app.do(t, http.MethodPost, "/generate_track_poster", token, body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limited", resp.Kind)
}

func TestGetPoster_MalformedReference(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)
	token := app.login(t)

	w := app.do(t, http.MethodGet, "/get_poster/albums/nope.png", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPoster_Missing(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)
	token := app.login(t)

	w := app.do(t, http.MethodGet, "/get_poster/tracks/0123456789abcdef.png", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCheck(t *testing.T) {
	app := newTestApp(t, &stubProvider{meta: testMeta()}, 100)

	w := app.do(t, http.MethodGet, "/healthcheck", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}
