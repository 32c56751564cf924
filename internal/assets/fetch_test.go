package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayusman/handwave/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingServer(t *testing.T, cacheControl string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/model/labels.json":
			if cacheControl != "" {
				w.Header().Set("Cache-Control", cacheControl)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`["A","B","C"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetcher_HTTP(t *testing.T) {
	srv, _ := countingServer(t, "")
	f, err := NewFetcher(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	body, err := f.Fetch(context.Background(), "model/labels.json")
	require.NoError(t, err)
	assert.JSONEq(t, `["A","B","C"]`, string(body))

	var labels []string
	require.NoError(t, f.FetchJSON(context.Background(), "model/labels.json", &labels))
	assert.Equal(t, []string{"A", "B", "C"}, labels)
}

func TestFetcher_NotFoundIsLoadError(t *testing.T) {
	srv, _ := countingServer(t, "")
	f, err := NewFetcher(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "model/model.json")
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, srv.URL+"/model/model.json", le.URL)
}

func TestFetcher_LocalPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "model"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model", "labels.json"), []byte(`["X"]`), 0644))

	f, err := NewFetcher(Options{BaseURL: dir})
	require.NoError(t, err)

	body, err := f.Fetch(context.Background(), "model/labels.json")
	require.NoError(t, err)
	assert.Equal(t, `["X"]`, string(body))

	body, err = f.Fetch(context.Background(), filepath.Join(dir, "model", "labels.json"))
	require.NoError(t, err)
	assert.Equal(t, `["X"]`, string(body))

	_, err = f.Fetch(context.Background(), "model/missing.json")
	var le *LoadError
	assert.ErrorAs(t, err, &le)
}

func TestFetcher_Join(t *testing.T) {
	f, err := NewFetcher(Options{BaseURL: "https://example.com/app"})
	require.NoError(t, err)

	got, err := f.Join("model/model.json", "group1-shard1of1.bin")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/app/model/group1-shard1of1.bin", got)

	got, err = f.Join("https://cdn.example.com/v3/model.json", "w.bin")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v3/w.bin", got)
}

func TestFetcher_ChecksumPin(t *testing.T) {
	srv, _ := countingServer(t, "")
	f, err := NewFetcher(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`["A","B","C"]`))
	good := "model/labels.json#sha256=" + hex.EncodeToString(sum[:])

	_, err = f.Fetch(context.Background(), good)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "model/labels.json#sha256=00ff")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksum))
}

func TestFetcher_MemoryCache(t *testing.T) {
	srv, hits := countingServer(t, "public, max-age=3600")
	f, err := NewFetcher(Options{BaseURL: srv.URL, Cache: NewMemoryCache(1<<20, time.Hour)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), "model/labels.json")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestFetcher_SQLiteCacheSurvivesRestart(t *testing.T) {
	srv, hits := countingServer(t, "public, max-age=3600")
	dbPath := filepath.Join(t.TempDir(), "assets.db")

	s, err := store.New(dbPath)
	require.NoError(t, err)
	f, err := NewFetcher(Options{BaseURL: srv.URL, Cache: s.Assets()})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "model/labels.json")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.New(dbPath)
	require.NoError(t, err)
	defer s.Close()
	f, err = NewFetcher(Options{BaseURL: srv.URL, Cache: s.Assets()})
	require.NoError(t, err)
	body, err := f.Fetch(context.Background(), "model/labels.json")
	require.NoError(t, err)

	assert.JSONEq(t, `["A","B","C"]`, string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestFetcher_ContextCancelled(t *testing.T) {
	srv, _ := countingServer(t, "")
	f, err := NewFetcher(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "model/labels.json")
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, context.Canceled)
}
