// Package models discovers local model artifacts across ordered search roots,
// exposes the downloadable catalog, and materializes remote artifacts into
// the primary root.
package models

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrModelNotFound is returned when no root holds the requested artifact.
var ErrModelNotFound = errors.New("model not found")

// State is the materialization state of a model descriptor.
type State int

const (
	StateUnregistered State = iota
	StateDownloadable
	StateOnDisk
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateDownloadable:
		return "downloadable"
	case StateOnDisk:
		return "on_disk"
	case StateLoaded:
		return "loaded"
	default:
		return "unregistered"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name; unknown names are unregistered.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "downloadable":
		*s = StateDownloadable
	case "on_disk":
		*s = StateOnDisk
	case "loaded":
		*s = StateLoaded
	default:
		*s = StateUnregistered
	}
	return nil
}

// Descriptor identifies a model artifact and its state.
type Descriptor struct {
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	State     State  `json:"state"`
	SourceURL string `json:"source_url,omitempty"`
}

// Options configures a Registry.
type Options struct {
	// Roots are scanned in order; the first root is where downloads land.
	Roots []string
	// Extension selects artifacts, e.g. ".gguf".
	Extension string
	// Catalog lists downloadable artifacts; nil means DefaultCatalog.
	Catalog []CatalogEntry
	// Downloader fetches catalog entries; nil uses an http.Client with DefaultDownloadTimeout.
	Downloader *Downloader
	Logger     zerolog.Logger
}

// Registry maps artifact names to filesystem locations. It never moves or
// deletes files.
type Registry struct {
	ext        string
	catalog    []CatalogEntry
	downloader *Downloader
	log        zerolog.Logger

	mu    sync.RWMutex
	roots []string
	found map[string]string
	order []string

	rescan singleflight.Group
}

// NewRegistry creates a Registry. No scan happens until the first lookup.
func NewRegistry(opts Options) *Registry {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	dl := opts.Downloader
	if dl == nil {
		dl = NewDownloader(nil)
	}
	ext := opts.Extension
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Registry{
		ext:        strings.ToLower(ext),
		catalog:    catalog,
		downloader: dl,
		log:        opts.Logger.With().Str("component", "registry").Logger(),
		roots:      slices.Clone(opts.Roots),
		found:      map[string]string{},
	}
}

// Roots returns the current search roots in order.
func (r *Registry) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.roots)
}

// AugmentRoots appends a root for later discoveries. Already loaded models
// are untouched. It reports whether the root was new.
func (r *Registry) AugmentRoots(path string) bool {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.roots, path) {
		return false
	}
	r.roots = append(r.roots, path)
	r.log.Info().Str("root", path).Msg("search root added")
	return true
}

// Discover rescans every root and returns name -> location. The first root
// holding a name wins. Missing or unreadable roots contribute nothing.
func (r *Registry) Discover(ctx context.Context) (map[string]string, error) {
	roots := r.Roots()

	perRoot := make([][]string, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perRoot[i] = r.scanRoot(root)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := make(map[string]string)
	var order []string
	for _, paths := range perRoot {
		for _, p := range paths {
			name := filepath.Base(p)
			if _, dup := found[name]; dup {
				continue
			}
			found[name] = p
			order = append(order, name)
		}
	}

	r.mu.Lock()
	r.found = found
	r.order = order
	r.mu.Unlock()

	r.log.Debug().Int("roots", len(roots)).Int("models", len(found)).Msg("discovery complete")

	out := make(map[string]string, len(found))
	for k, v := range found {
		out[k] = v
	}
	return out, nil
}

// scanRoot lists matching regular files directly inside root, sorted by name.
func (r *Registry) scanRoot(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn().Err(err).Str("root", root).Msg("cannot scan root")
		}
		return nil
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), r.ext) {
			continue
		}
		if e.Type()&fs.ModeSymlink != 0 {
			if info, err := os.Stat(filepath.Join(root, e.Name())); err != nil || info.IsDir() {
				continue
			}
		}
		paths = append(paths, filepath.Join(root, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

// List rescans and returns installed names in discovery order.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	if _, err := r.Discover(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order), nil
}

// Resolve returns the location of name from the last discovery, rescanning
// once on a miss. Concurrent misses share one rescan, which runs detached
// from the cancellation of whichever caller started it.
func (r *Registry) Resolve(ctx context.Context, name string) (string, error) {
	if loc, ok := r.lookup(name); ok {
		return loc, nil
	}

	shared := context.WithoutCancel(ctx)
	_, err, _ := r.rescan.Do("discover", func() (any, error) {
		return r.Discover(shared)
	})
	if err != nil {
		return "", fmt.Errorf("rescan for %s: %w", name, err)
	}

	if loc, ok := r.lookup(name); ok {
		return loc, nil
	}
	return "", fmt.Errorf("%w: %s", ErrModelNotFound, name)
}

func (r *Registry) lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.found[name]
	return loc, ok
}

// Catalog returns the downloadable catalog.
func (r *Registry) Catalog() []CatalogEntry {
	return slices.Clone(r.catalog)
}

// Describe returns the descriptor for name using the last discovery.
func (r *Registry) Describe(name string) Descriptor {
	if loc, ok := r.lookup(name); ok {
		return Descriptor{Name: name, Location: loc, State: StateOnDisk}
	}
	if e, ok := lookupCatalog(r.catalog, name); ok {
		return Descriptor{Name: name, State: StateDownloadable, SourceURL: e.URL}
	}
	return Descriptor{Name: name, State: StateUnregistered}
}

// Materialize downloads a catalog entry into the primary root and refreshes
// discovery. progress receives fractions in [0,1]; it may be nil.
func (r *Registry) Materialize(ctx context.Context, name string, progress func(float64)) (string, error) {
	entry, ok := lookupCatalog(r.catalog, name)
	if !ok {
		return "", &DownloadError{Name: name, Err: fmt.Errorf("%w: not in catalog", ErrModelNotFound)}
	}

	roots := r.Roots()
	if len(roots) == 0 {
		return "", &DownloadError{Name: name, Err: errors.New("no primary search root configured")}
	}

	dest := filepath.Join(roots[0], entry.Name)
	r.log.Info().Str("model", name).Str("dest", dest).Msg("materializing model")

	if err := r.downloader.Fetch(ctx, entry.URL, dest, progress); err != nil {
		return "", &DownloadError{Name: name, Err: err}
	}

	if _, err := r.Discover(ctx); err != nil {
		return "", &DownloadError{Name: name, Err: err}
	}
	return dest, nil
}
