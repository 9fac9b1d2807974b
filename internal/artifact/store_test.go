package artifact

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testPoster(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 12, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 20), G: uint8(y * 15), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	index, err := NewMemory[Artifact](0, 100)
	require.NoError(t, err)

	store, err := NewStore(t.TempDir(), index)
	require.NoError(t, err)
	return store
}

func TestValidReference(t *testing.T) {
	cases := []struct {
		reference string
		valid     bool
	}{
		{"albums/0123456789abcdef.png", true},
		{"tracks/0123456789abcdef.png", true},
		{"posters/0123456789abcdef.png", false},
		{"albums/0123456789ABCDEF.png", false},
		{"albums/0123456789abcdef.jpg", false},
		{"albums/../../etc/passwd", false},
		{"albums/0123456789abcdef.png/extra", false},
		{"", false},
	}

	for _, tc := range cases {
		t.Run(tc.reference, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidReference(tc.reference))
		})
	}
}

func TestReference(t *testing.T) {
	ref := Reference(NamespaceTracks, testKey)
	assert.Equal(t, "tracks/0123456789abcdef.png", ref)
	assert.True(t, ValidReference(ref))
}

func TestStore_PutGetOpen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	poster := testPoster(t)

	art, err := store.Put(ctx, testKey, NamespaceAlbums, poster)
	require.NoError(t, err)

	assert.Equal(t, testKey, art.Key)
	assert.Equal(t, "albums/0123456789abcdef.png", art.Reference)
	assert.NotEmpty(t, art.Thumbhash)
	assert.WithinDuration(t, time.Now(), art.CreatedAt, time.Minute)

	got, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art, got)

	data, ok, err := store.Open(art.Reference)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, poster, data)
}

func TestStore_GetMiss(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GetHealsMissingFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	art, err := store.Put(ctx, testKey, NamespaceTracks, testPoster(t))
	require.NoError(t, err)

	// simulate a wiped storage volume behind a live index
	require.NoError(t, os.Remove(filepath.Join(store.dir, filepath.FromSlash(art.Reference))))

	_, ok, err := store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	// the stale entry is dropped, not retried forever
	_, ok, err = store.index.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := testPoster(t)
	_, err := store.Put(ctx, testKey, NamespaceAlbums, first)
	require.NoError(t, err)

	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	second := buf.Bytes()

	art, err := store.Put(ctx, testKey, NamespaceAlbums, second)
	require.NoError(t, err)

	data, ok, err := store.Open(art.Reference)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, data)
}

func TestStore_PutRejectsUndecodableImage(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put(context.Background(), testKey, NamespaceAlbums, []byte("not a png"))
	assert.Error(t, err)

	// nothing indexed for the failed write
	_, ok, err := store.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_OpenRejectsMalformedReference(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Open("albums/../../../etc/passwd")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()

	cache, err := NewMemory[string](10*time.Millisecond, 10)
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "k", "v"))

	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)

	time.Sleep(50 * time.Millisecond)

	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	ctx := context.Background()

	cache, err := NewMemory[int](0, 10)
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "k", 42))
	require.NoError(t, cache.Invalidate(ctx, "k"))

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
