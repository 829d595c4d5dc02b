package backend

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/normanking/antigravity/internal/engine"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, name string) (string, error) {
	if p, ok := m[name]; ok {
		return p, nil
	}
	return "", errors.New("model not found: " + name)
}

// fakeTextEngine streams fragments and refuses to load paths listed in failLoad.
type fakeTextEngine struct {
	mu        sync.Mutex
	current   string
	failLoad  map[string]error
	unloaded  []string
	unloadErr error
	healthErr error
	fragments []string
	streamErr error
	lastReq   engine.CompletionRequest
}

func (f *fakeTextEngine) LoadModel(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLoad[path]; err != nil {
		return err
	}
	f.current = path
	return nil
}

func (f *fakeTextEngine) UnloadModel(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, path)
	return f.unloadErr
}

func (f *fakeTextEngine) Health(context.Context) error { return f.healthErr }

func (f *fakeTextEngine) Complete(ctx context.Context, req engine.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.mu.Lock()
		f.lastReq = req
		frags := f.fragments
		streamErr := f.streamErr
		f.mu.Unlock()

		for _, frag := range frags {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
		if streamErr != nil {
			yield("", streamErr)
		}
	}
}

type fakeImageEngine struct {
	model     string
	setErr    error
	renderErr error
	prompts   []string
	last      engine.Txt2ImgRequest
}

func (f *fakeImageEngine) SetModel(_ context.Context, id string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.model = id
	return nil
}

func (f *fakeImageEngine) Txt2Img(_ context.Context, req engine.Txt2ImgRequest) ([]byte, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	f.prompts = append(f.prompts, req.Prompt)
	f.last = req
	return []byte("\x89PNG"), nil
}

type fakeSTTEngine struct {
	loads []string
	text  string
	err   error
}

func (f *fakeSTTEngine) LoadModel(_ context.Context, model string) error {
	f.loads = append(f.loads, model)
	return nil
}

func (f *fakeSTTEngine) Inference(_ context.Context, _ string) (string, error) {
	return f.text, f.err
}

type fakeSpeechEngine struct {
	calls []engine.SpeechRequest
	err   error
}

func (f *fakeSpeechEngine) Synthesize(_ context.Context, req engine.SpeechRequest) ([]byte, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("RIFF" + req.Voice + req.Input), nil
}
