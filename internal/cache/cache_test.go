package cache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(body string) *Entry {
	return &Entry{
		Status:      http.StatusOK,
		Header:      http.Header{"Content-Type": []string{"text/plain"}},
		Data:        []byte(body),
		ContentType: "text/plain",
	}
}

func TestMemoryStore_PutRequiresOpenNamespace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Put(ctx, "role-static-v1", "/", entry("home"))
	assert.ErrorIs(t, err, ErrNamespaceNotFound)

	require.NoError(t, store.Open(ctx, "role-static-v1"))
	require.NoError(t, store.Open(ctx, "role-static-v1"), "open should be idempotent")
	require.NoError(t, store.Put(ctx, "role-static-v1", "/", entry("home")))

	got, ok, err := store.Match(ctx, "role-static-v1", "/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home", string(got.Data))
	assert.False(t, got.StoredAt.IsZero())
}

func TestMemoryStore_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx, "a"))
	require.NoError(t, store.Open(ctx, "b"))
	require.NoError(t, store.Put(ctx, "a", "/x", entry("from a")))

	_, ok, err := store.Match(ctx, "b", "/x")
	require.NoError(t, err)
	assert.False(t, ok, "entry must only be readable from its own namespace")

	_, ok, err = store.Match(ctx, "missing", "/x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_OverwriteIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx, "ns"))
	require.NoError(t, store.Put(ctx, "ns", "/k", entry("old")))
	require.NoError(t, store.Put(ctx, "ns", "/k", entry("new")))

	got, ok, err := store.Match(ctx, "ns", "/k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Data))
}

func TestMemoryStore_MatchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx, "ns"))
	require.NoError(t, store.Put(ctx, "ns", "/k", entry("body")))

	got, _, _ := store.Match(ctx, "ns", "/k")
	got.Data[0] = 'X'
	got.Header.Set("Content-Type", "changed")

	again, _, _ := store.Match(ctx, "ns", "/k")
	assert.Equal(t, "body", string(again.Data))
	assert.Equal(t, "text/plain", again.Header.Get("Content-Type"))
}

func TestMemoryStore_NamesAndDrop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, name := range []string{"static-v2", "dynamic-v2", "image-v2"} {
		require.NoError(t, store.Open(ctx, name))
	}

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic-v2", "image-v2", "static-v2"}, names)

	dropped, err := store.Drop(ctx, "static-v2")
	require.NoError(t, err)
	assert.True(t, dropped)

	dropped, err = store.Drop(ctx, "static-v2")
	require.NoError(t, err)
	assert.False(t, dropped)

	names, _ = store.Names(ctx)
	assert.Equal(t, []string{"dynamic-v2", "image-v2"}, names)
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx, "empty"))
	require.NoError(t, store.Open(ctx, "pages"))

	large := strings.Repeat("<p>agenda</p>", 500)
	require.NoError(t, store.Put(ctx, "pages", "/agenda", &Entry{
		Status: http.StatusOK, Data: []byte(large), ContentType: "text/html",
	}))
	require.NoError(t, store.Put(ctx, "pages", "/robots.txt", entry("ok")))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntryCount)
	require.Len(t, stats.Namespaces, 2)
	assert.Equal(t, "empty", stats.Namespaces[0].Name)
	assert.Equal(t, 0, stats.Namespaces[0].EntryCount)
	assert.Equal(t, 2, stats.Namespaces[1].EntryCount)
	assert.Greater(t, stats.CompressionRatio, 0.0)
	assert.Less(t, stats.CompressionRatio, 1.0)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStore()
	assert.Error(t, store.Open(ctx, "ns"))
	_, _, err := store.Match(ctx, "ns", "/")
	assert.Error(t, err)
}

func TestKeyForURL(t *testing.T) {
	u, err := url.Parse("https://role.example/agenda?cidade=sp#top")
	require.NoError(t, err)
	assert.Equal(t, "/agenda?cidade=sp", KeyForURL(u))
	assert.Equal(t, "/", KeyForURL(nil))

	r, err := http.NewRequest(http.MethodGet, "http://localhost/locais", nil)
	require.NoError(t, err)
	assert.Equal(t, "/locais", Key(r))
}

func TestEntry_OK(t *testing.T) {
	assert.True(t, (&Entry{Status: 204}).OK())
	assert.False(t, (&Entry{Status: 304}).OK())
	assert.False(t, (&Entry{Status: 500}).OK())
	var nilEntry *Entry
	assert.False(t, nilEntry.OK())
}

func TestCompression(t *testing.T) {
	assert.False(t, ShouldCompress("text/html", 10))
	assert.True(t, ShouldCompress("text/html; charset=utf-8", 4096))
	assert.True(t, ShouldCompress("image/svg+xml", 4096))
	assert.False(t, ShouldCompress("image/png", 4096))

	data := []byte(strings.Repeat("role ", 1000))
	compressed, err := CompressData(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	decompressed, err := DecompressData(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)

	_, err = DecompressData([]byte("not gzip"))
	assert.Error(t, err)
}

func TestS3EntryObject(t *testing.T) {
	a := entryObject("role-static-v1", "/agenda")
	b := entryObject("role-static-v1", "/artistas")
	assert.True(t, strings.HasPrefix(a, "role-static-v1/"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, "role-static-v1/.namespace", markerObject("role-static-v1"))
}

func TestS3EntryEnvelope(t *testing.T) {
	lastModified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	storedAt := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	in := &Entry{
		Status:       http.StatusOK,
		Header:       http.Header{"X-Test": []string{"ok"}},
		Data:         []byte("<html></html>"),
		ContentType:  "text/html",
		ETag:         `"abc"`,
		LastModified: lastModified,
	}

	raw, err := encodeEntry("/agenda", in, storedAt)
	require.NoError(t, err)

	got, key, err := decodeEntry("text/html", raw)
	require.NoError(t, err)
	assert.Equal(t, "/agenda", key)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "ok", got.Header.Get("X-Test"))
	assert.Equal(t, "<html></html>", string(got.Data))
	assert.Equal(t, `"abc"`, got.ETag)
	assert.True(t, lastModified.Equal(got.LastModified))
	assert.True(t, storedAt.Equal(got.StoredAt))

	_, _, err = decodeEntry("text/html", raw[:2])
	assert.Error(t, err)
	_, _, err = decodeEntry("text/html", []byte{0, 0, 0xff, 0xff, '{'})
	assert.Error(t, err)
}

// Headers larger than the 2 KB S3 user metadata limit travel in the object
// body, so they survive a round trip intact.
func TestS3EntryEnvelope_LargeHeaders(t *testing.T) {
	csp := "default-src 'self'; script-src 'self' " + strings.Repeat("https://cdn.example.com/ ", 200)
	link := strings.Repeat("</assets/app.css>; rel=preload; as=style, ", 60)
	in := &Entry{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Security-Policy": []string{csp},
			"Link":                    []string{link},
		},
		Data:        []byte("<!DOCTYPE html>"),
		ContentType: "text/html",
	}

	raw, err := encodeEntry("/", in, time.Now())
	require.NoError(t, err)
	require.Greater(t, len(raw)-len(in.Data), 2048)

	got, key, err := decodeEntry("text/html", raw)
	require.NoError(t, err)
	assert.Equal(t, "/", key)
	assert.Equal(t, csp, got.Header.Get("Content-Security-Policy"))
	assert.Equal(t, link, got.Header.Get("Link"))
	assert.Equal(t, "<!DOCTYPE html>", string(got.Data))
}

func TestNewS3Store_Validates(t *testing.T) {
	_, err := NewS3Store(nil, "bucket")
	assert.Error(t, err)
}
