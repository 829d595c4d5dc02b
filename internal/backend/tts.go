package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/normanking/antigravity/internal/engine"
)

// LocalVoicePrefix marks voices synthesized on this machine.
const LocalVoicePrefix = "lokal-"

const (
	DefaultLocalVoiceModel  = "kokoro-v0_19.onnx"
	DefaultRemoteVoiceModel = "tts-1"
	DefaultTTSCacheSize     = 64
)

// ErrVoiceUnavailable is returned for a voice whose engine is not installed.
var ErrVoiceUnavailable = errors.New("voice unavailable")

// RemoteVoices are the neural voices offered by the remote engine.
var RemoteVoices = []string{
	"en-US-AriaNeural",
	"en-US-GuyNeural",
	"en-US-ChristopherNeural",
	"en-US-JennyNeural",
	"en-GB-SoniaNeural",
	"en-GB-RyanNeural",
	"en-AU-NatashaNeural",
	"en-AU-WilliamNeural",
}

// LocalVoices are offered when the local voice model is installed.
var LocalVoices = []string{
	"lokal-af_bella",
	"lokal-af_sarah",
	"lokal-am_adam",
	"lokal-am_michael",
}

// SpeechEngine synthesizes audio bytes.
type SpeechEngine interface {
	Synthesize(ctx context.Context, req engine.SpeechRequest) ([]byte, error)
}

// AudioHandle references synthesized audio on disk.
type AudioHandle struct {
	Path      string    `json:"path"`
	Voice     string    `json:"voice"`
	Format    string    `json:"format"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// TTSOptions configures a TTS backend.
type TTSOptions struct {
	Local  SpeechEngine
	Remote SpeechEngine
	// VoiceDir holds the local voice model file.
	VoiceDir       string
	LocalModelFile string
	// CacheDir receives audio files; entries evicted from the cache are removed.
	CacheDir  string
	CacheSize int
	Logger    zerolog.Logger
}

// TTS synthesizes speech through the local or remote engine and caches
// results by (voice, text).
type TTS struct {
	mu          sync.Mutex
	opts        TTSOptions
	log         zerolog.Logger
	remoteModel string
	cache       *lru.Cache[string, AudioHandle]
}

// NewTTS creates a TTS backend.
func NewTTS(opts TTSOptions) (*TTS, error) {
	if opts.LocalModelFile == "" {
		opts.LocalModelFile = DefaultLocalVoiceModel
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultTTSCacheSize
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(os.TempDir(), "antigravity-tts")
	}

	log := opts.Logger.With().Str("component", "tts-backend").Logger()
	cache, err := lru.NewWithEvict(opts.CacheSize, func(_ string, h AudioHandle) {
		if err := os.Remove(h.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Debug().Err(err).Str("path", h.Path).Msg("remove evicted audio")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create audio cache: %w", err)
	}

	return &TTS{
		opts:        opts,
		log:         log,
		remoteModel: DefaultRemoteVoiceModel,
		cache:       cache,
	}, nil
}

// Load selects the model id sent to the remote engine.
func (t *TTS) Load(_ context.Context, model string) (LoadedInfo, error) {
	if strings.TrimSpace(model) == "" {
		return LoadedInfo{}, &LoadError{Backend: "tts", Model: model, Err: errors.New("empty model id")}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteModel = model
	return LoadedInfo{Name: model, LoadedAt: time.Now()}, nil
}

// LocalAvailable reports whether the local voice model is installed.
func (t *TTS) LocalAvailable() bool {
	if t.opts.Local == nil {
		return false
	}
	info, err := os.Stat(filepath.Join(t.opts.VoiceDir, t.opts.LocalModelFile))
	return err == nil && info.Mode().IsRegular()
}

// Voices lists remote voices followed by local ones when installed.
func (t *TTS) Voices() []string {
	voices := slices.Clone(RemoteVoices)
	if t.LocalAvailable() {
		voices = append(voices, LocalVoices...)
	}
	return voices
}

// cacheKey hashes voice and text into a stable file-safe key.
func cacheKey(voiceID, text string) string {
	sum := sha256.Sum256([]byte("voice:" + voiceID + "|text:" + text))
	return hex.EncodeToString(sum[:16])
}

// Synthesize returns audio for text spoken by voiceID. Voices prefixed
// with LocalVoicePrefix use the local engine; all others the remote one.
func (t *TTS) Synthesize(ctx context.Context, text, voiceID string) (AudioHandle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return AudioHandle{}, &GenerationError{Backend: "tts", Err: errors.New("empty text")}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := cacheKey(voiceID, text)
	if h, ok := t.cache.Get(key); ok {
		if _, err := os.Stat(h.Path); err == nil {
			return h, nil
		}
		t.cache.Remove(key)
	}

	var (
		eng SpeechEngine
		req = engine.SpeechRequest{Input: text, Voice: voiceID, ResponseFormat: "wav", Speed: 1.0}
	)
	if strings.HasPrefix(voiceID, LocalVoicePrefix) {
		if !t.LocalAvailable() {
			return AudioHandle{}, fmt.Errorf("%w: %s (local voice model not installed)", ErrVoiceUnavailable, voiceID)
		}
		eng = t.opts.Local
		req.Model = "kokoro"
		req.Voice = strings.TrimPrefix(voiceID, LocalVoicePrefix)
	} else {
		if t.opts.Remote == nil {
			return AudioHandle{}, fmt.Errorf("%w: %s (no remote engine)", ErrVoiceUnavailable, voiceID)
		}
		eng = t.opts.Remote
		req.Model = t.remoteModel
	}

	audio, err := eng.Synthesize(ctx, req)
	if err != nil {
		if cerr := ctxErr(ctx, err); cerr != nil {
			return AudioHandle{}, cerr
		}
		return AudioHandle{}, &GenerationError{Backend: "tts", Err: err}
	}

	if err := os.MkdirAll(t.opts.CacheDir, 0o755); err != nil {
		return AudioHandle{}, fmt.Errorf("create audio dir: %w", err)
	}
	path := filepath.Join(t.opts.CacheDir, key+".wav")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return AudioHandle{}, fmt.Errorf("write audio: %w", err)
	}

	h := AudioHandle{
		Path:      path,
		Voice:     voiceID,
		Format:    "wav",
		SizeBytes: int64(len(audio)),
		CreatedAt: time.Now(),
	}
	t.cache.Add(key, h)
	t.log.Debug().Str("voice", voiceID).Int("bytes", len(audio)).Msg("speech synthesized")
	return h, nil
}

// CacheLen returns the number of cached clips.
func (t *TTS) CacheLen() int {
	return t.cache.Len()
}
