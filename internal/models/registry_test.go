package models

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("gguf"), 0o644))
	return p
}

func newTestRegistry(roots ...string) *Registry {
	return NewRegistry(Options{Roots: roots, Extension: ".gguf", Logger: zerolog.Nop()})
}

func TestDiscover_FirstRootWins(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	b := filepath.Join(base, "b")
	wantX := touch(t, a, "x.gguf")
	touch(t, b, "x.gguf")
	wantY := touch(t, b, "y.gguf")

	found, err := newTestRegistry(a, b).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x.gguf": wantX, "y.gguf": wantY}, found)
}

func TestDiscover_EmptyAndMissingRoots(t *testing.T) {
	found, err := newTestRegistry().Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = newTestRegistry(filepath.Join(t.TempDir(), "nope")).Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscover_FiltersExtensionAndDirectories(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "model.gguf")
	touch(t, root, "MODEL2.GGUF")
	touch(t, root, "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir.gguf"), 0o755))
	touch(t, filepath.Join(root, "nested"), "deep.gguf")

	names, err := newTestRegistry(root).List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"model.gguf", "MODEL2.GGUF"}, names)
}

func TestDiscover_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestRegistry(t.TempDir()).Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_RescansOnMiss(t *testing.T) {
	root := t.TempDir()
	r := newTestRegistry(root)
	ctx := context.Background()

	_, err := r.Discover(ctx)
	require.NoError(t, err)

	want := touch(t, root, "late.gguf")
	got, err := r.Resolve(ctx, "late.gguf")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolve_NotFound(t *testing.T) {
	_, err := newTestRegistry(t.TempDir()).Resolve(context.Background(), "ghost.gguf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestResolve_ConcurrentMisses(t *testing.T) {
	root := t.TempDir()
	want := touch(t, root, "m.gguf")
	r := newTestRegistry(root)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(context.Background(), "m.gguf")
			if err == nil && got != want {
				err = errors.New("wrong location " + got)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestResolve_SharedRescanIgnoresCallerCancellation(t *testing.T) {
	root := t.TempDir()
	want := touch(t, root, "m.gguf")
	r := newTestRegistry(root)

	// Whichever caller starts the shared rescan, a cancelled one must not
	// fail the others.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		ctx := context.Background()
		if i%2 == 0 {
			ctx = cancelled
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Resolve(ctx, "m.gguf")
			if err == nil && got != want {
				err = errors.New("wrong location " + got)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestAugmentRoots(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	extra := filepath.Join(base, "extra")
	touch(t, a, "x.gguf")
	want := touch(t, extra, "z.gguf")

	r := newTestRegistry(a)
	assert.True(t, r.AugmentRoots(extra))
	assert.False(t, r.AugmentRoots(extra+string(filepath.Separator)))
	assert.Equal(t, []string{a, extra}, r.Roots())

	got, err := r.Resolve(context.Background(), "z.gguf")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDescribe(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "local.gguf")
	r := NewRegistry(Options{
		Roots:     []string{root},
		Extension: "gguf",
		Catalog:   []CatalogEntry{{Name: "remote.gguf", URL: "http://example.invalid/remote.gguf"}},
		Logger:    zerolog.Nop(),
	})
	_, err := r.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateOnDisk, r.Describe("local.gguf").State)
	remote := r.Describe("remote.gguf")
	assert.Equal(t, StateDownloadable, remote.State)
	assert.Equal(t, "http://example.invalid/remote.gguf", remote.SourceURL)
	assert.Equal(t, StateUnregistered, r.Describe("other.gguf").State)
	assert.Equal(t, "downloadable", StateDownloadable.String())
}

func TestDescriptor_JSONStateNames(t *testing.T) {
	d := Descriptor{Name: "a.gguf", Location: "/m/a.gguf", State: StateLoaded}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a.gguf","location":"/m/a.gguf","state":"loaded"}`, string(data))

	var back Descriptor
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)
}
