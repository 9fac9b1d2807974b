// Package catalog resolves a (title, artist) query to canonical track or
// album metadata via the Spotify Web API. Lookups are scored so an exact
// case-insensitive title+artist match always wins, with fuzzy matches
// accepted only above a similarity threshold. Results are memoized with a
// short TTL to bound repeated upstream calls for popular queries.
package catalog

import (
	"context"
	"errors"
	"strings"
)

// Kind is the subject of a metadata lookup.
type Kind string

const (
	KindTrack Kind = "track"
	KindAlbum Kind = "album"
)

// Namespace returns the artifact storage namespace for the kind.
func (k Kind) Namespace() string {
	if k == KindAlbum {
		return "albums"
	}
	return "tracks"
}

var (
	// ErrNotFound is terminal for a request: the catalog has no acceptable
	// match for the query.
	ErrNotFound = errors.New("catalog: no acceptable match")

	// ErrUnavailable indicates the upstream catalog could not be reached
	// after the retry budget was exhausted. Retryable by the caller.
	ErrUnavailable = errors.New("catalog: provider unavailable")
)

// Metadata is the canonical result of a catalog lookup. Immutable once
// returned.
type Metadata struct {
	Kind       Kind     `json:"kind"`
	Title      string   `json:"title"`
	Artist     string   `json:"artist"`
	Album      string   `json:"album,omitempty"`
	Released   string   `json:"released"`
	Duration   string   `json:"duration,omitempty"`
	Label      string   `json:"label"`
	CoverURL   string   `json:"coverUrl"`
	ProviderID string   `json:"providerId"`
	Tracks     []string `json:"tracks,omitempty"`
}

// Provider resolves queries to canonical metadata.
type Provider interface {
	Resolve(ctx context.Context, kind Kind, title, artist string) (Metadata, error)
}

// MemoCache memoizes resolved metadata. Satisfied by the artifact package's
// cache implementations.
type MemoCache interface {
	Get(ctx context.Context, key string) (Metadata, bool, error)
	Set(ctx context.Context, key string, value Metadata) error
}

// Fold normalizes a string for comparison and key derivation: trimmed,
// lower-cased, inner whitespace collapsed.
func Fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MemoKey derives the memoization key for a lookup.
func MemoKey(kind Kind, title, artist string) string {
	return "catalog:" + string(kind) + ":" + Fold(title) + ":" + Fold(artist)
}
