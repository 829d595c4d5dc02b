package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSTTModel is the transcription model size loaded on first use.
const DefaultSTTModel = "tiny"

// STTEngine is the transcription server behind the STT backend.
type STTEngine interface {
	LoadModel(ctx context.Context, model string) error
	Inference(ctx context.Context, audioPath string) (string, error)
}

// STT transcribes recorded audio.
type STT struct {
	mu           sync.Mutex
	engine       STTEngine
	defaultModel string
	log          zerolog.Logger
	loaded       *LoadedInfo
}

// NewSTT creates an unloaded STT backend; model "" means DefaultSTTModel.
func NewSTT(eng STTEngine, model string, log zerolog.Logger) *STT {
	if model == "" {
		model = DefaultSTTModel
	}
	return &STT{
		engine:       eng,
		defaultModel: model,
		log:          log.With().Str("component", "stt-backend").Logger(),
	}
}

// Load switches the engine to model.
func (s *STT) Load(ctx context.Context, model string) (LoadedInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, model)
}

func (s *STT) loadLocked(ctx context.Context, model string) (LoadedInfo, error) {
	if model == "" {
		model = s.defaultModel
	}
	if err := s.engine.LoadModel(ctx, model); err != nil {
		return LoadedInfo{}, &LoadError{Backend: "stt", Model: model, Err: err}
	}
	info := LoadedInfo{Name: model, LoadedAt: time.Now()}
	s.loaded = &info
	s.log.Info().Str("model", model).Msg("model loaded")
	return info, nil
}

// Transcribe returns the trimmed transcript of the audio at audioPath.
// An empty path yields an empty transcript.
func (s *STT) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if audioPath == "" {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded == nil {
		if _, err := s.loadLocked(ctx, ""); err != nil {
			return "", err
		}
	}

	text, err := s.engine.Inference(ctx, audioPath)
	if err != nil {
		if cerr := ctxErr(ctx, err); cerr != nil {
			return "", cerr
		}
		return "", &GenerationError{Backend: "stt", Err: err}
	}
	return strings.TrimSpace(text), nil
}
