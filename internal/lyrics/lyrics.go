// Package lyrics fetches lyric text for resolved tracks. Lyrics are an
// enhancement, not a hard dependency: absence is a valid outcome, and
// upstream failures collapse to absence after a small retry budget so a
// flaky lyrics source can never fail poster generation.
package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/posterbeat/posterbeat/internal/catalog"
	"github.com/posterbeat/posterbeat/internal/config"
)

// Document is an ordered sequence of lyric lines for a track. Zero lines
// means the lyrics are absent.
type Document struct {
	TrackID string
	Lines   []string
}

// Absent reports whether the document carries no lyrics.
func (d Document) Absent() bool {
	return len(d.Lines) == 0
}

// Provider fetches lyrics for a resolved track.
type Provider interface {
	Fetch(ctx context.Context, meta catalog.Metadata) Document
}

// errNoLyrics marks a definitive "no lyrics recorded" response, which is not
// retried.
var errNoLyrics = errors.New("lyrics: none recorded")

// Client talks to an LRCLIB-compatible lyrics API.
type Client struct {
	apiURL      string
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
}

func NewClient(cfg config.LyricsConfig) *Client {
	return &Client{
		apiURL:      strings.TrimSuffix(cfg.APIURL, "/"),
		httpClient:  http.DefaultClient,
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxAttempts: cfg.MaxAttempts,
	}
}

type lyricsResponse struct {
	PlainLyrics  string `json:"plainLyrics"`
	Instrumental bool   `json:"instrumental"`
}

// Fetch returns the lyrics document for the track, or an absent document.
// All failure modes are absorbed here.
func (c *Client) Fetch(ctx context.Context, meta catalog.Metadata) Document {
	absent := Document{TrackID: meta.ProviderID}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 150 * time.Millisecond

	lines, err := backoff.Retry(ctx, func() ([]string, error) {
		lines, err := c.fetchOnce(ctx, meta)
		if errors.Is(err, errNoLyrics) {
			return nil, backoff.Permanent(err)
		}
		return lines, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.maxAttempts)))

	if err != nil {
		if !errors.Is(err, errNoLyrics) {
			log.Ctx(ctx).Info().Err(err).
				Str("track", meta.Title).
				Msg("lyrics unavailable, rendering without lyrics block")
		}
		return absent
	}

	return Document{TrackID: meta.ProviderID, Lines: lines}
}

func (c *Client) fetchOnce(ctx context.Context, meta catalog.Metadata) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("track_name", meta.Title)
	params.Set("artist_name", meta.Artist)
	if meta.Album != "" {
		params.Set("album_name", meta.Album)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/get?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building lyrics request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lyrics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNoLyrics
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lyrics API responded %d", resp.StatusCode)
	}

	var body lyricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding lyrics response: %w", err)
	}

	if body.Instrumental || strings.TrimSpace(body.PlainLyrics) == "" {
		return nil, errNoLyrics
	}

	return splitLines(body.PlainLyrics), nil
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, strings.TrimRight(line, " \t"))
	}

	// trim leading and trailing blank lines
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}
