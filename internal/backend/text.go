package backend

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/antigravity/internal/engine"
	"github.com/normanking/antigravity/internal/session"
)

// NoModelMessage is the single fragment produced when nothing is loaded.
const NoModelMessage = "Please load a model first."

const (
	DefaultMaxTokens   = 2048
	DefaultContextSize = 4096
)

// TextEngine is the inference server behind the Text backend.
type TextEngine interface {
	Health(ctx context.Context) error
	LoadModel(ctx context.Context, path string) error
	UnloadModel(ctx context.Context, path string) error
	Complete(ctx context.Context, req engine.CompletionRequest) iter.Seq2[string, error]
}

// TextOptions configures a Text backend.
type TextOptions struct {
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
}

// Text generates chat replies from one loaded GGUF model.
type Text struct {
	mu       sync.Mutex
	engine   TextEngine
	resolver Resolver
	opts     TextOptions
	log      zerolog.Logger
	loaded   *LoadedInfo
}

// NewText creates an unloaded Text backend.
func NewText(eng TextEngine, resolver Resolver, opts TextOptions) *Text {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Text{
		engine:   eng,
		resolver: resolver,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "text-backend").Logger(),
	}
}

// Load resolves name and swaps it in once the engine accepts it.
func (t *Text) Load(ctx context.Context, name string) (LoadedInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.resolver.Resolve(ctx, name)
	if err != nil {
		return LoadedInfo{}, &LoadError{Backend: "text", Model: name, Err: err}
	}

	start := time.Now()
	if err := t.engine.LoadModel(ctx, path); err != nil {
		t.log.Warn().Err(err).Str("model", name).Msg("load failed, keeping previous model")
		return LoadedInfo{}, &LoadError{Backend: "text", Model: name, Err: err}
	}

	previous := t.loaded
	info := LoadedInfo{Name: name, Location: path, LoadedAt: time.Now()}
	t.loaded = &info
	t.log.Info().Str("model", name).Dur("took", time.Since(start)).Msg("model loaded")

	if previous != nil && previous.Location != path {
		if err := t.engine.UnloadModel(ctx, previous.Location); err != nil {
			t.log.Warn().Err(err).Str("model", previous.Name).Msg("failed to release previous model")
		}
	}
	return info, nil
}

// Health reports whether the inference server is reachable.
func (t *Text) Health(ctx context.Context) error {
	if err := t.engine.Health(ctx); err != nil {
		return fmt.Errorf("text engine: %w", err)
	}
	return nil
}

// Loaded returns the current model, if any.
func (t *Text) Loaded() (LoadedInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded == nil {
		return LoadedInfo{}, false
	}
	return *t.loaded, true
}

// Generate streams the reply to prompt. The sequence is lazy and finite;
// the backend lock is held while it is consumed. With no model loaded it
// yields NoModelMessage once. Engine failures arrive as *GenerationError;
// cancellation arrives as ctx.Err().
func (t *Text) Generate(ctx context.Context, prompt string, history []session.Turn, system string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.loaded == nil {
			yield(NoModelMessage, nil)
			return
		}

		req := engine.CompletionRequest{
			Model:       t.loaded.Location,
			Prompt:      BuildPrompt(system, history, prompt),
			NPredict:    t.opts.MaxTokens,
			Stop:        StopMarkers,
			Temperature: t.opts.Temperature,
		}

		cutter := newStopCutter(StopMarkers)
		for frag, err := range t.engine.Complete(ctx, req) {
			if err != nil {
				if cerr := ctxErr(ctx, err); cerr != nil {
					yield("", cerr)
					return
				}
				yield("", &GenerationError{Backend: "text", Err: err})
				return
			}
			out, stopped := cutter.push(frag)
			if out != "" && !yield(out, nil) {
				return
			}
			if stopped {
				return
			}
		}
		if rest := cutter.flush(); rest != "" {
			yield(rest, nil)
		}
	}
}

// Complete is the one-shot form of Generate. The reply is trimmed. It
// returns ErrNoModelLoaded instead of the fallback fragment.
func (t *Text) Complete(ctx context.Context, prompt string, history []session.Turn, system string) (string, error) {
	if _, ok := t.Loaded(); !ok {
		return "", ErrNoModelLoaded
	}

	var b strings.Builder
	for frag, err := range t.Generate(ctx, prompt, history, system) {
		if err != nil {
			return "", fmt.Errorf("complete: %w", err)
		}
		b.WriteString(frag)
	}
	return strings.TrimSpace(b.String()), nil
}
