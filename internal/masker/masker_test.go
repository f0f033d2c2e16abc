package masker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/photomesh/internal/masker"
	"github.com/slok/photomesh/internal/model"
)

func writeImages(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("image-bytes"), 0644))
	}
}

func newClient(t *testing.T, url string) *masker.Client {
	t.Helper()
	c, err := masker.NewClient(masker.ClientConfig{
		APIKey: "test-key",
		APIURL: url,
		Sleep:  func(time.Duration) {},
	})
	require.NoError(t, err)
	return c
}

func TestProcessDirectorySuccess(t *testing.T) {
	var gotKey, gotChannels string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotChannels = r.FormValue("channels")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	inDir, outDir := t.TempDir(), t.TempDir()
	writeImages(t, inDir, "image_000.jpg", "image_001.jpg")

	c := newClient(t, srv.URL)
	batch := c.ProcessDirectory(context.Background(), inDir, outDir, "*")

	assert.True(t, batch.Success)
	assert.False(t, batch.PartialSuccess)
	assert.Equal(t, 2, batch.Processed)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, 2, batch.Total)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "alpha", gotChannels)

	// Outputs are written as <stem>.png.
	for _, n := range []string{"image_000.png", "image_001.png"} {
		data, err := os.ReadFile(filepath.Join(outDir, n))
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), data)
	}
}

func TestProcessDirectoryAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	inDir, outDir := t.TempDir(), t.TempDir()
	writeImages(t, inDir, "a.jpg", "b.jpg", "c.jpg")

	c := newClient(t, srv.URL)
	batch := c.ProcessDirectory(context.Background(), inDir, outDir, "*")

	assert.False(t, batch.Success)
	assert.Equal(t, 0, batch.Processed)
	assert.Equal(t, 3, batch.Failed)
	assert.Equal(t, 3, batch.Total)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveOneRetriesRateLimit(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	inDir := t.TempDir()
	writeImages(t, inDir, "a.jpg")
	outPath := filepath.Join(t.TempDir(), "a.png")

	var waits []time.Duration
	c, err := masker.NewClient(masker.ClientConfig{
		APIKey: "test-key",
		APIURL: srv.URL,
		Sleep:  func(d time.Duration) { waits = append(waits, d) },
	})
	require.NoError(t, err)

	ok := c.RemoveOne(context.Background(), filepath.Join(inDir, "a.jpg"), outPath)

	assert.True(t, ok)
	assert.Equal(t, 3, attempts)
	// Rate limit backoff grows exponentially per attempt.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, waits)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestRemoveOneGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inDir := t.TempDir()
	writeImages(t, inDir, "a.jpg")
	outPath := filepath.Join(t.TempDir(), "a.png")

	c := newClient(t, srv.URL)
	ok := c.RemoveOne(context.Background(), filepath.Join(inDir, "a.jpg"), outPath)

	assert.False(t, ok)
	assert.Equal(t, 3, attempts)
	_, err := os.Stat(outPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveOneClientErrorIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	inDir := t.TempDir()
	writeImages(t, inDir, "a.jpg")

	c := newClient(t, srv.URL)
	ok := c.RemoveOne(context.Background(), filepath.Join(inDir, "a.jpg"), filepath.Join(t.TempDir(), "a.png"))

	assert.False(t, ok)
	// No retries on non-retryable client errors.
	assert.Equal(t, 1, attempts)
}

func TestRemoveOneEmptyBodyNeverLeavesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // 200 with no body.
	}))
	defer srv.Close()

	inDir := t.TempDir()
	writeImages(t, inDir, "a.jpg")
	outDir := t.TempDir()

	c := newClient(t, srv.URL)
	ok := c.RemoveOne(context.Background(), filepath.Join(inDir, "a.jpg"), filepath.Join(outDir, "a.png"))

	assert.False(t, ok)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no zero-byte mask may reach the output dir")
}

func TestProcessDirectoryPartialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		_, header, err := r.FormFile("image_file")
		require.NoError(t, err)
		if header.Filename == "b.jpg" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	inDir, outDir := t.TempDir(), t.TempDir()
	writeImages(t, inDir, "a.jpg", "b.jpg")

	c := newClient(t, srv.URL)
	batch := c.ProcessDirectory(context.Background(), inDir, outDir, "*")

	assert.True(t, batch.Success)
	assert.True(t, batch.PartialSuccess)
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 1, batch.Failed)
}

func TestProcessDirectoryEmptyDir(t *testing.T) {
	c := newClient(t, "http://unused.invalid")
	batch := c.ProcessDirectory(context.Background(), t.TempDir(), t.TempDir(), "*")

	assert.False(t, batch.Success)
	assert.NotEmpty(t, batch.Error)
	assert.Equal(t, model.MaskBatch{Error: batch.Error}, batch)
}
