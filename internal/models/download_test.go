package models

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialize(t *testing.T) {
	payload := strings.Repeat("w", 3*chunkSize+17)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	root := filepath.Join(t.TempDir(), "llm")
	r := NewRegistry(Options{
		Roots:     []string{root},
		Extension: ".gguf",
		Catalog:   []CatalogEntry{{Name: "tiny-1B.gguf", URL: srv.URL + "/tiny-1B.gguf"}},
		Logger:    zerolog.Nop(),
	})

	var fractions []float64
	dest, err := r.Materialize(context.Background(), "tiny-1B.gguf", func(f float64) {
		fractions = append(fractions, f)
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tiny-1B.gguf"), dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))

	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i, f := range fractions {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, f, fractions[i-1])
		}
	}

	loc, err := r.Resolve(context.Background(), "tiny-1B.gguf")
	require.NoError(t, err)
	assert.Equal(t, dest, loc)

	leftovers, _ := filepath.Glob(filepath.Join(root, ".*partial-*"))
	assert.Empty(t, leftovers)
}

func TestMaterialize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	root := t.TempDir()
	r := NewRegistry(Options{
		Roots:   []string{root},
		Catalog: []CatalogEntry{{Name: "m.gguf", URL: srv.URL}},
		Logger:  zerolog.Nop(),
	})

	_, err := r.Materialize(context.Background(), "m.gguf", nil)
	var dlErr *DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, "m.gguf", dlErr.Name)
	assert.Contains(t, err.Error(), "404")

	_, statErr := os.Stat(filepath.Join(root, "m.gguf"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMaterialize_UnknownName(t *testing.T) {
	r := newTestRegistry(t.TempDir())
	_, err := r.Materialize(context.Background(), "nope.gguf", nil)
	var dlErr *DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestFetch_SkipsExistingFile(t *testing.T) {
	dest := touch(t, t.TempDir(), "have.gguf")
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	var last float64
	err := NewDownloader(srv.Client()).Fetch(context.Background(), srv.URL, dest, func(f float64) { last = f })
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 1.0, last)
}
