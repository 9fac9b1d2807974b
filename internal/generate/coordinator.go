// Package generate orchestrates the poster pipeline: request normalization,
// cache-key derivation, single-flight generation and artifact storage.
// Provider and render failures are mapped to the API error taxonomy at this
// boundary.
package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/posterbeat/posterbeat/internal/apierr"
	"github.com/posterbeat/posterbeat/internal/artifact"
	"github.com/posterbeat/posterbeat/internal/audit"
	"github.com/posterbeat/posterbeat/internal/catalog"
	"github.com/posterbeat/posterbeat/internal/lyrics"
	"github.com/posterbeat/posterbeat/internal/poster"
)

// Request is a validated poster request. Construct with NewRequest so the
// normalization invariants hold.
type Request struct {
	Kind   catalog.Kind
	Title  string
	Artist string
	Theme  string
	Flags  poster.Flags
}

// NewRequest normalizes and validates request fields. Title and artist must
// be non-empty after trimming; an absent theme defaults to the canonical
// theme, while an unrecognized one is rejected at this boundary rather than
// failing deep in the pipeline.
func NewRequest(kind catalog.Kind, title, artist, theme string, flags poster.Flags, themes *poster.ThemeSet) (Request, error) {
	title = strings.TrimSpace(title)
	artist = strings.TrimSpace(artist)

	if title == "" {
		return Request{}, apierr.InvalidRequest("title is required")
	}
	if artist == "" {
		return Request{}, apierr.InvalidRequest("artist is required")
	}

	if theme == "" {
		theme = poster.DefaultTheme
	}
	if _, err := themes.Lookup(theme); err != nil {
		return Request{}, apierr.InvalidRequest(fmt.Sprintf("unknown theme %q", theme))
	}

	return Request{
		Kind:   kind,
		Title:  title,
		Artist: artist,
		Theme:  theme,
		Flags:  flags,
	}, nil
}

// CacheKey derives the deterministic fingerprint for the request: subject
// kind, folded title and artist, theme, flags, and a content hash of any
// custom cover. Requests differing only in casing or whitespace share a key.
func (r Request) CacheKey() string {
	h := sha256.New()

	parts := []string{
		"poster.v1",
		string(r.Kind),
		catalog.Fold(r.Title),
		catalog.Fold(r.Artist),
		r.Theme,
		flag(r.Flags.ShowIndex),
		flag(r.Flags.ShowAccent),
	}
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}

	if len(r.Flags.CustomCover) > 0 {
		sum := sha256.Sum256(r.Flags.CustomCover)
		h.Write(sum[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Result is the outcome of a generation request.
type Result struct {
	Artifact artifact.Artifact
	CacheHit bool
}

// Coordinator drives the pipeline. All shared mutable state (the artifact
// store and the in-flight registry) is owned here; claiming a key for
// generation goes exclusively through the singleflight group.
type Coordinator struct {
	store    *artifact.Store
	metadata catalog.Provider
	lyrics   lyrics.Provider
	renderer *poster.Renderer

	group singleflight.Group
}

func New(store *artifact.Store, metadata catalog.Provider, lyricsProvider lyrics.Provider, renderer *poster.Renderer) *Coordinator {
	return &Coordinator{
		store:    store,
		metadata: metadata,
		lyrics:   lyricsProvider,
		renderer: renderer,
	}
}

// Generate returns the artifact for the request, generating it when absent.
// For a given cache key at most one generation is in flight at a time:
// concurrent requests for the same key await the in-flight result instead of
// triggering duplicate provider calls or renders. A failed generation
// releases all waiters with the same error and leaves no cache entry behind,
// so the next request retries cleanly.
func (c *Coordinator) Generate(ctx context.Context, req Request) (Result, error) {
	key := req.CacheKey()

	entry := audit.Log(ctx)
	entry.CacheKey = key

	art, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Info().Err(err).Msg("artifact lookup failed, regenerating")
	}
	if ok {
		entry.CacheHit = true
		return Result{Artifact: art, CacheHit: true}, nil
	}

	// The winner of the singleflight claim generates; racers for the same
	// key become waiters. Generation is detached from the caller's
	// cancellation: a disconnecting client must not abort work other
	// waiters depend on.
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.generate(context.WithoutCancel(ctx), req, key)
	})
	if err != nil {
		return Result{}, err
	}

	// waiters share the winner's result as-is: a fresh generation reports
	// CacheHit false, a flight resolved by the double-check store read
	// reports true for everyone it served
	return v.(Result), nil
}

func (c *Coordinator) generate(ctx context.Context, req Request, key string) (Result, error) {
	// a racer may have completed between the store read and the claim
	if art, ok, err := c.store.Get(ctx, key); err == nil && ok {
		return Result{Artifact: art, CacheHit: true}, nil
	}

	meta, err := c.metadata.Resolve(ctx, req.Kind, req.Title, req.Artist)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			return Result{}, apierr.NotFound(fmt.Sprintf("no %s found for %q by %q", req.Kind, req.Title, req.Artist))
		case errors.Is(err, catalog.ErrUnavailable):
			return Result{}, apierr.ProviderUnavailable(err)
		default:
			return Result{}, apierr.ProviderUnavailable(err)
		}
	}

	var doc lyrics.Document
	if req.Kind == catalog.KindTrack {
		// absence is absorbed by the provider; never fails the request
		doc = c.lyrics.Fetch(ctx, meta)
	}

	image, err := c.renderer.Render(ctx, meta, doc, req.Theme, req.Flags)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("cacheKey", key).Msg("poster render failed")
		return Result{}, apierr.RenderFailure(err)
	}

	art, err := c.store.Put(ctx, key, req.Kind.Namespace(), image)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("cacheKey", key).Msg("artifact store failed")
		return Result{}, apierr.RenderFailure(err)
	}

	return Result{Artifact: art}, nil
}
