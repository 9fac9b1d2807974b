package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posterbeat/posterbeat/internal/config"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "bohemian rhapsody", Fold("  Bohemian   Rhapsody "))
	assert.Equal(t, "queen", Fold("QUEEN"))
	assert.Equal(t, "", Fold("   "))
}

func TestMemoKey(t *testing.T) {
	a := MemoKey(KindTrack, "Bohemian Rhapsody", "Queen")
	b := MemoKey(KindTrack, "  bohemian   rhapsody", "QUEEN ")
	assert.Equal(t, a, b)

	c := MemoKey(KindAlbum, "Bohemian Rhapsody", "Queen")
	assert.NotEqual(t, a, c)
}

func TestKindNamespace(t *testing.T) {
	assert.Equal(t, "tracks", KindTrack.Namespace())
	assert.Equal(t, "albums", KindAlbum.Namespace())
}

func TestFormatReleased(t *testing.T) {
	cases := []struct {
		date      string
		precision string
		expected  string
	}{
		{"1975-10-31", "day", "October 31, 1975"},
		{"1975-10", "month", "October 01, 1975"},
		{"1975", "year", "January 01, 1975"},
		{"unparseable", "day", "unparseable"},
		{"1975-10-31", "", "1975-10-31"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, formatReleased(tc.date, tc.precision))
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "05:55", formatDuration(355000))
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "01:05", formatDuration(65999))
}

func TestLabelOrArtist(t *testing.T) {
	assert.Equal(t, "EMI", labelOrArtist("EMI", "Queen"))
	assert.Equal(t, "Queen", labelOrArtist("", "Queen"))

	longLabel := "EMI Records Ltd, a Universal Music Company"
	assert.Equal(t, "Queen", labelOrArtist(longLabel, "Queen"))
}

func TestBestTrack_ExactMatchBeatsOrder(t *testing.T) {
	items := []spotifyTrack{
		{ID: "1", Name: "Bohemian Rhapsody - Live Aid", Artists: []spotifyArtist{{Name: "Queen"}}},
		{ID: "2", Name: "Bohemian Rhapsody", Artists: []spotifyArtist{{Name: "Queen"}}},
	}

	track, ok := bestTrack(items, "bohemian rhapsody", "QUEEN", 20)
	require.True(t, ok)
	assert.Equal(t, "2", track.ID)
}

func TestBestTrack_RejectsLowScores(t *testing.T) {
	items := []spotifyTrack{
		{ID: "1", Name: "Something Else Entirely", Artists: []spotifyArtist{{Name: "Nobody"}}},
	}

	_, ok := bestTrack(items, "zzzz", "qqqq", 20)
	assert.False(t, ok)
}

// fakeCatalog serves a minimal Spotify-shaped API including the token
// endpoint used by the client credentials flow.
type fakeCatalog struct {
	searches     atomic.Int32
	searchStatus int
	tracks       []spotifyTrack
	albums       map[string]spotifyAlbum
}

func (f *fakeCatalog) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		f.searches.Add(1)
		if f.searchStatus != 0 {
			w.WriteHeader(f.searchStatus)
			return
		}

		var result searchResponse
		result.Tracks.Items = f.tracks
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("GET /albums/{id}", func(w http.ResponseWriter, r *http.Request) {
		album, ok := f.albums[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(album)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSpotify(t *testing.T, f *fakeCatalog, memo MemoCache) *Spotify {
	t.Helper()

	srv := f.server(t)

	s, err := NewSpotify(config.CatalogConfig{
		APIURL:            srv.URL,
		TokenURL:          srv.URL + "/token",
		ClientID:          "test-client",
		ClientSecret:      "test-secret",
		TimeoutSeconds:    5,
		MaxAttempts:       3,
		RequestsPerSecond: 1000,
		MinMatchScore:     20,
	}, memo)
	require.NoError(t, err)
	return s
}

func TestResolve_Track(t *testing.T) {
	fake := &fakeCatalog{
		tracks: []spotifyTrack{{
			ID:         "track-1",
			Name:       "Bohemian Rhapsody",
			Artists:    []spotifyArtist{{Name: "Queen"}},
			Album:      spotifyAlbum{ID: "album-1", Name: "A Night at the Opera"},
			DurationMS: 355000,
		}},
		albums: map[string]spotifyAlbum{
			"album-1": {
				ID:                   "album-1",
				Name:                 "A Night at the Opera",
				ReleaseDate:          "1975-11-21",
				ReleaseDatePrecision: "day",
				Label:                "EMI",
				Images:               []spotifyImage{{URL: "https://img.example/cover.jpg"}},
			},
		},
	}

	s := newTestSpotify(t, fake, nil)

	meta, err := s.Resolve(context.Background(), KindTrack, "Bohemian Rhapsody", "Queen")
	require.NoError(t, err)

	assert.Equal(t, KindTrack, meta.Kind)
	assert.Equal(t, "Bohemian Rhapsody", meta.Title)
	assert.Equal(t, "Queen", meta.Artist)
	assert.Equal(t, "A Night at the Opera", meta.Album)
	assert.Equal(t, "November 21, 1975", meta.Released)
	assert.Equal(t, "05:55", meta.Duration)
	assert.Equal(t, "EMI", meta.Label)
	assert.Equal(t, "https://img.example/cover.jpg", meta.CoverURL)
	assert.Equal(t, "track-1", meta.ProviderID)
}

func TestResolve_NotFoundIsNotRetried(t *testing.T) {
	fake := &fakeCatalog{}
	s := newTestSpotify(t, fake, nil)

	_, err := s.Resolve(context.Background(), KindTrack, "zzzz", "qqqq")
	assert.ErrorIs(t, err, ErrNotFound)

	// the strict and lenient searches each run once; no retry loop
	assert.Equal(t, int32(2), fake.searches.Load())
}

func TestResolve_TerminalUpstreamStatusIsNotFoundWithoutRetry(t *testing.T) {
	fake := &fakeCatalog{searchStatus: http.StatusBadRequest}
	s := newTestSpotify(t, fake, nil)

	_, err := s.Resolve(context.Background(), KindTrack, "Bohemian Rhapsody", "Queen")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), fake.searches.Load())
}

func TestResolve_AlbumVanishedAfterSearchIsNotFound(t *testing.T) {
	// the album endpoint 404s for an ID the search just returned
	fake := &fakeCatalog{
		tracks: []spotifyTrack{{
			ID:      "track-1",
			Name:    "Bohemian Rhapsody",
			Artists: []spotifyArtist{{Name: "Queen"}},
			Album:   spotifyAlbum{ID: "gone"},
		}},
	}
	s := newTestSpotify(t, fake, nil)

	_, err := s.Resolve(context.Background(), KindTrack, "Bohemian Rhapsody", "Queen")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), fake.searches.Load())
}

func TestResolve_TooManyRequestsIsRetried(t *testing.T) {
	fake := &fakeCatalog{searchStatus: http.StatusTooManyRequests}
	s := newTestSpotify(t, fake, nil)

	_, err := s.Resolve(context.Background(), KindTrack, "Bohemian Rhapsody", "Queen")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), fake.searches.Load())
}

func TestResolve_UpstreamFailureIsRetriedThenUnavailable(t *testing.T) {
	fake := &fakeCatalog{searchStatus: http.StatusInternalServerError}
	s := newTestSpotify(t, fake, nil)

	_, err := s.Resolve(context.Background(), KindTrack, "Bohemian Rhapsody", "Queen")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), fake.searches.Load())
}

type mapMemo struct {
	values map[string]Metadata
	sets   int
}

func (m *mapMemo) Get(_ context.Context, key string) (Metadata, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mapMemo) Set(_ context.Context, key string, value Metadata) error {
	m.values[key] = value
	m.sets++
	return nil
}

func TestResolve_Memoizes(t *testing.T) {
	fake := &fakeCatalog{
		tracks: []spotifyTrack{{
			ID:      "track-1",
			Name:    "Bohemian Rhapsody",
			Artists: []spotifyArtist{{Name: "Queen"}},
			Album:   spotifyAlbum{ID: "album-1"},
		}},
		albums: map[string]spotifyAlbum{"album-1": {ID: "album-1"}},
	}

	memo := &mapMemo{values: map[string]Metadata{}}
	s := newTestSpotify(t, fake, memo)

	_, err := s.Resolve(context.Background(), KindTrack, "Bohemian Rhapsody", "Queen")
	require.NoError(t, err)
	assert.Equal(t, 1, memo.sets)

	searchesAfterFirst := fake.searches.Load()

	// capitalization and spacing variants share the memo entry
	_, err = s.Resolve(context.Background(), KindTrack, "  BOHEMIAN rhapsody ", "queen")
	require.NoError(t, err)
	assert.Equal(t, searchesAfterFirst, fake.searches.Load())
}
