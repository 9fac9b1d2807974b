package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/galdor/go-thumbhash"
	"github.com/rs/zerolog/log"
)

// Namespaces segment stored posters by subject kind. References are built
// exclusively from these values plus a key-derived slug; raw user text never
// reaches the filesystem.
const (
	NamespaceAlbums = "albums"
	NamespaceTracks = "tracks"
)

// referencePattern is the only accepted shape for artifact references.
var referencePattern = regexp.MustCompile(`^(albums|tracks)/[a-f0-9]{16}\.png$`)

// Artifact describes a stored poster. Immutable after creation; regeneration
// under the same key overwrites the file atomically.
type Artifact struct {
	Key       string    `json:"key"`
	Reference string    `json:"reference"`
	Thumbhash string    `json:"thumbhash"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store maps cache keys to poster files. The index is a pluggable cache
// (memory or valkey); file writes are atomic rename operations so a reader
// can never observe a partial poster.
type Store struct {
	dir   string
	index Cache[Artifact]
}

func NewStore(dir string, index Cache[Artifact]) (*Store, error) {
	for _, ns := range []string{NamespaceAlbums, NamespaceTracks} {
		if err := os.MkdirAll(filepath.Join(dir, ns), 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory %s: %w", ns, err)
		}
	}

	return &Store{dir: dir, index: index}, nil
}

// Reference computes the stable reference for a key within a namespace. The
// slug is the first 16 hex characters of the cache key.
func Reference(namespace, key string) string {
	return namespace + "/" + key[:16] + ".png"
}

// ValidReference reports whether a client-supplied reference has the
// expected shape. Anything else is rejected before touching the filesystem.
func ValidReference(reference string) bool {
	return referencePattern.MatchString(reference)
}

// Get returns the stored artifact for a key, if present. An index entry
// whose backing file has disappeared is treated as a miss and dropped, so a
// wiped storage volume heals on the next generation.
func (s *Store) Get(ctx context.Context, key string) (Artifact, bool, error) {
	art, ok, err := s.index.Get(ctx, key)
	if err != nil || !ok {
		return Artifact{}, false, err
	}

	if _, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(art.Reference))); err != nil {
		log.Ctx(ctx).Info().
			Str("reference", art.Reference).
			Msg("artifact index entry without backing file, dropping")

		_ = s.index.Invalidate(ctx, key)
		return Artifact{}, false, nil
	}

	return art, true, nil
}

// Put stores poster bytes under the key's reference in the given namespace,
// computes the thumbhash, and records the artifact in the index. The write
// is atomic and last-write-wins: the bytes land in a temp file which is then
// renamed over the final path.
func (s *Store) Put(ctx context.Context, key, namespace string, image []byte) (Artifact, error) {
	reference := Reference(namespace, key)

	hash, err := computeThumbhash(image)
	if err != nil {
		return Artifact{}, fmt.Errorf("computing thumbhash: %w", err)
	}

	finalPath := filepath.Join(s.dir, filepath.FromSlash(reference))

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".poster-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("writing poster: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("closing poster file: %w", err)
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("publishing poster: %w", err)
	}

	art := Artifact{
		Key:       key,
		Reference: reference,
		Thumbhash: hash,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.index.Set(ctx, key, art); err != nil {
		return Artifact{}, fmt.Errorf("indexing poster: %w", err)
	}

	return art, nil
}

// Open reads the poster bytes for a previously returned reference. The
// reference is validated strictly; unknown or malformed references report
// not-found without filesystem access beyond the namespace roots.
func (s *Store) Open(reference string) ([]byte, bool, error) {
	if !ValidReference(reference) {
		return nil, false, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(reference)))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading poster: %w", err)
	}

	return data, true, nil
}

// Close releases the index.
func (s *Store) Close() error {
	return s.index.Close()
}

func computeThumbhash(imageBytes []byte) (string, error) {
	img, err := png.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return "", fmt.Errorf("decoding poster image: %w", err)
	}

	return base64.StdEncoding.EncodeToString(thumbhash.EncodeImage(img)), nil
}
