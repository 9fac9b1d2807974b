// Spotify Web API implementation of [Provider].
//
// Response types based on https://developer.spotify.com/documentation/web-api/reference/
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sahilm/fuzzy"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/posterbeat/posterbeat/internal/config"
)

const (
	spotifyAPIURL   = "https://api.spotify.com/v1"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"

	searchLimit = 10

	// maxLabelLength mirrors the upstream poster convention: unwieldy label
	// strings are replaced by the artist name.
	maxLabelLength = 35
)

type spotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type spotifyArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type spotifyAlbum struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Artists              []spotifyArtist `json:"artists"`
	ReleaseDate          string          `json:"release_date"`
	ReleaseDatePrecision string          `json:"release_date_precision"`
	Images               []spotifyImage  `json:"images"`
	Label                string          `json:"label"`
	Tracks               struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
	} `json:"tracks"`
}

type spotifyTrack struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Artists    []spotifyArtist `json:"artists"`
	Album      spotifyAlbum    `json:"album"`
	DurationMS int             `json:"duration_ms"`
}

type searchResponse struct {
	Tracks struct {
		Items []spotifyTrack `json:"items"`
	} `json:"tracks"`
	Albums struct {
		Items []spotifyAlbum `json:"items"`
	} `json:"albums"`
}

// Spotify implements Provider against the Spotify Web API using the client
// credentials flow. Outbound calls are throttled and carry a bounded
// timeout; retryable upstream failures are re-attempted with exponential
// backoff before surfacing as ErrUnavailable.
type Spotify struct {
	apiURL      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	minScore    int
	memo        MemoCache
}

// NewSpotify builds the provider. The memo cache may be nil, disabling
// memoization (used in tests).
func NewSpotify(cfg config.CatalogConfig, memo MemoCache) (*Spotify, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("catalog: client credentials must be configured")
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = spotifyTokenURL
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = spotifyAPIURL
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}

	return &Spotify{
		apiURL:      apiURL,
		httpClient:  creds.Client(context.Background()),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxAttempts: cfg.MaxAttempts,
		minScore:    cfg.MinMatchScore,
		memo:        memo,
	}, nil
}

// Resolve looks up canonical metadata, consulting the memo cache first.
func (s *Spotify) Resolve(ctx context.Context, kind Kind, title, artist string) (Metadata, error) {
	memoKey := MemoKey(kind, title, artist)

	if s.memo != nil {
		if meta, ok, err := s.memo.Get(ctx, memoKey); err == nil && ok {
			return meta, nil
		} else if err != nil {
			log.Ctx(ctx).Info().Err(err).Msg("metadata memo read failed, continuing to provider")
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	meta, err := backoff.Retry(ctx, func() (Metadata, error) {
		m, err := s.resolveOnce(ctx, kind, title, artist)
		if errors.Is(err, ErrNotFound) {
			return Metadata{}, backoff.Permanent(err)
		}
		return m, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.maxAttempts)))

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Metadata{}, err
		}
		return Metadata{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if s.memo != nil {
		if err := s.memo.Set(ctx, memoKey, meta); err != nil {
			log.Ctx(ctx).Info().Err(err).Msg("metadata memo write failed, continuing")
		}
	}

	return meta, nil
}

func (s *Spotify) resolveOnce(ctx context.Context, kind Kind, title, artist string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch kind {
	case KindAlbum:
		return s.resolveAlbum(ctx, title, artist)
	default:
		return s.resolveTrack(ctx, title, artist)
	}
}

func (s *Spotify) resolveTrack(ctx context.Context, title, artist string) (Metadata, error) {
	query := fmt.Sprintf("track:%q artist:%q", title, artist)

	var result searchResponse
	if err := s.search(ctx, query, "track", &result); err != nil {
		return Metadata{}, err
	}

	// lenient second pass dropping the artist filter
	if len(result.Tracks.Items) == 0 {
		if err := s.search(ctx, fmt.Sprintf("track:%q", title), "track", &result); err != nil {
			return Metadata{}, err
		}
	}

	track, ok := bestTrack(result.Tracks.Items, title, artist, s.minScore)
	if !ok {
		return Metadata{}, ErrNotFound
	}

	// label and precise release info live on the full album resource
	album, err := s.album(ctx, track.Album.ID)
	if err != nil {
		return Metadata{}, err
	}

	return Metadata{
		Kind:       KindTrack,
		Title:      track.Name,
		Artist:     primaryArtist(track.Artists),
		Album:      track.Album.Name,
		Released:   formatReleased(album.ReleaseDate, album.ReleaseDatePrecision),
		Duration:   formatDuration(track.DurationMS),
		Label:      labelOrArtist(album.Label, primaryArtist(track.Artists)),
		CoverURL:   coverURL(album.Images),
		ProviderID: track.ID,
	}, nil
}

func (s *Spotify) resolveAlbum(ctx context.Context, title, artist string) (Metadata, error) {
	query := fmt.Sprintf("album:%q artist:%q", title, artist)

	var result searchResponse
	if err := s.search(ctx, query, "album", &result); err != nil {
		return Metadata{}, err
	}

	if len(result.Albums.Items) == 0 {
		if err := s.search(ctx, fmt.Sprintf("album:%q", title), "album", &result); err != nil {
			return Metadata{}, err
		}
	}

	match, ok := bestAlbum(result.Albums.Items, title, artist, s.minScore)
	if !ok {
		return Metadata{}, ErrNotFound
	}

	album, err := s.album(ctx, match.ID)
	if err != nil {
		return Metadata{}, err
	}

	tracks := make([]string, 0, len(album.Tracks.Items))
	for _, t := range album.Tracks.Items {
		tracks = append(tracks, t.Name)
	}

	artistName := primaryArtist(album.Artists)

	return Metadata{
		Kind:       KindAlbum,
		Title:      album.Name,
		Artist:     artistName,
		Released:   formatReleased(album.ReleaseDate, album.ReleaseDatePrecision),
		Label:      labelOrArtist(album.Label, artistName),
		CoverURL:   coverURL(album.Images),
		ProviderID: album.ID,
		Tracks:     tracks,
	}, nil
}

func (s *Spotify) search(ctx context.Context, query, kind string, out *searchResponse) error {
	params := url.Values{}
	params.Set("q", query)
	params.Set("type", kind)
	params.Set("limit", fmt.Sprint(searchLimit))

	return s.get(ctx, "/search?"+params.Encode(), out)
}

func (s *Spotify) album(ctx context.Context, id string) (spotifyAlbum, error) {
	var album spotifyAlbum
	err := s.get(ctx, "/albums/"+url.PathEscape(id), &album)
	return album, err
}

func (s *Spotify) get(ctx context.Context, path string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("catalog throttle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("building catalog request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 4xx is terminal: the resource is gone or the request is malformed,
		// and re-sending it cannot change the answer. 429 and 5xx are worth
		// retrying.
		if terminalStatus(resp.StatusCode) {
			return fmt.Errorf("%w: catalog responded %d for %s", ErrNotFound, resp.StatusCode, path)
		}
		return fmt.Errorf("catalog responded %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding catalog response: %w", err)
	}

	return nil
}

func terminalStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// bestTrack selects the match: exact folded title+artist first, otherwise
// the highest fuzzy score at or above the threshold.
func bestTrack(items []spotifyTrack, title, artist string, minScore int) (spotifyTrack, bool) {
	for _, t := range items {
		if Fold(t.Name) == Fold(title) && Fold(primaryArtist(t.Artists)) == Fold(artist) {
			return t, true
		}
	}

	candidates := make([]string, len(items))
	for i, t := range items {
		candidates[i] = Fold(t.Name + " " + primaryArtist(t.Artists))
	}

	idx, ok := bestFuzzy(Fold(title+" "+artist), candidates, minScore)
	if !ok {
		return spotifyTrack{}, false
	}
	return items[idx], true
}

func bestAlbum(items []spotifyAlbum, title, artist string, minScore int) (spotifyAlbum, bool) {
	for _, a := range items {
		if Fold(a.Name) == Fold(title) && Fold(primaryArtist(a.Artists)) == Fold(artist) {
			return a, true
		}
	}

	candidates := make([]string, len(items))
	for i, a := range items {
		candidates[i] = Fold(a.Name + " " + primaryArtist(a.Artists))
	}

	idx, ok := bestFuzzy(Fold(title+" "+artist), candidates, minScore)
	if !ok {
		return spotifyAlbum{}, false
	}
	return items[idx], true
}

func bestFuzzy(pattern string, candidates []string, minScore int) (int, bool) {
	matches := fuzzy.Find(pattern, candidates)
	if len(matches) == 0 || matches[0].Score < minScore {
		return 0, false
	}
	return matches[0].Index, true
}

func primaryArtist(artists []spotifyArtist) string {
	if len(artists) == 0 {
		return ""
	}
	return artists[0].Name
}

func coverURL(images []spotifyImage) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}

func labelOrArtist(label, artist string) string {
	if label == "" || len(label) >= maxLabelLength {
		return artist
	}
	return label
}

// formatReleased renders the release date at the precision the catalog
// reports it.
func formatReleased(date, precision string) string {
	layout := map[string]string{
		"day":   "2006-01-02",
		"month": "2006-01",
		"year":  "2006",
	}[precision]
	if layout == "" {
		return date
	}

	t, err := time.Parse(layout, date)
	if err != nil {
		return date
	}

	return t.Format("January 02, 2006")
}

func formatDuration(ms int) string {
	minutes := ms / 60000
	seconds := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
