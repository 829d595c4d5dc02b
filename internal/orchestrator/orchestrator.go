// Package orchestrator runs chat turns: it classifies each user message,
// dispatches it to the text or image backend, streams partial history
// snapshots to the caller, persists the finished turn, and triggers
// auto-titling and voice synthesis. It also exposes the model-management
// and voice-catalog operations the front ends call.
package orchestrator

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/session"
)

// TextBackend is the streaming text generator.
type TextBackend interface {
	Load(ctx context.Context, name string) (backend.LoadedInfo, error)
	Loaded() (backend.LoadedInfo, bool)
	Generate(ctx context.Context, prompt string, history []session.Turn, system string) iter.Seq2[string, error]
	Complete(ctx context.Context, prompt string, history []session.Turn, system string) (string, error)
}

// ImageBackend renders images.
type ImageBackend interface {
	GenerateImage(ctx context.Context, req backend.ImageRequest) (backend.ImageResult, error)
}

// SpeechBackend synthesizes the voice side effect and lists voices.
type SpeechBackend interface {
	Synthesize(ctx context.Context, text, voiceID string) (backend.AudioHandle, error)
	Voices() []string
}

// ModelRegistry is the slice of models.Registry the orchestrator uses.
type ModelRegistry interface {
	List(ctx context.Context) ([]string, error)
	Catalog() []models.CatalogEntry
	AugmentRoots(path string) bool
	Describe(name string) models.Descriptor
	Materialize(ctx context.Context, name string, progress func(float64)) (string, error)
}

// Deps holds the collaborators of an Orchestrator. Text and Store are
// required; a nil Image or Speech backend makes those paths report the
// backend as unavailable.
type Deps struct {
	Text     TextBackend
	Image    ImageBackend
	Speech   SpeechBackend
	Registry ModelRegistry
	Store    session.Store

	// Classifier defaults to NewPhraseClassifier.
	Classifier Classifier
	// Capacity reports the memory budget in GB used for recommendations.
	Capacity func(ctx context.Context) float64
	// OnRootAdded persists a search root added at runtime.
	OnRootAdded func(path string) error

	Metrics *Metrics
	Logger  zerolog.Logger
}

// Orchestrator coordinates turns across backends and the session store.
type Orchestrator struct {
	text        TextBackend
	image       ImageBackend
	speech      SpeechBackend
	registry    ModelRegistry
	store       session.Store
	classifier  Classifier
	capacity    func(ctx context.Context) float64
	onRootAdded func(path string) error
	metrics     *Metrics
	log         zerolog.Logger

	locks *keyedMutex
}

// New validates deps and builds an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Text == nil {
		return nil, errors.New("orchestrator: text backend is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: session store is required")
	}
	if deps.Classifier == nil {
		deps.Classifier = NewPhraseClassifier()
	}
	if deps.Capacity == nil {
		deps.Capacity = func(context.Context) float64 { return 0 }
	}
	return &Orchestrator{
		text:        deps.Text,
		image:       deps.Image,
		speech:      deps.Speech,
		registry:    deps.Registry,
		store:       deps.Store,
		classifier:  deps.Classifier,
		capacity:    deps.Capacity,
		onRootAdded: deps.OnRootAdded,
		metrics:     deps.Metrics,
		log:         deps.Logger.With().Str("component", "orchestrator").Logger(),
		locks:       newKeyedMutex(),
	}, nil
}

// healthChecker is implemented by collaborators that can probe their
// underlying service.
type healthChecker interface {
	Health(ctx context.Context) error
}

// Health probes the text backend and the session store. Components that
// cannot report health are omitted; a nil error means healthy.
func (o *Orchestrator) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, 2)
	if hc, ok := o.text.(healthChecker); ok {
		out["text"] = hc.Health(ctx)
	}
	if hc, ok := o.store.(healthChecker); ok {
		out["store"] = hc.Health(ctx)
	}
	return out
}

// Store returns the session store turns are persisted to.
func (o *Orchestrator) Store() session.Store { return o.store }

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: map[string]*keyedEntry{}}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
