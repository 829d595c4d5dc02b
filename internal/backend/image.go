package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/antigravity/internal/engine"
)

const (
	DefaultImageModel = "runwayml/stable-diffusion-v1-5"
	DefaultSteps      = 25
	DefaultGuidance   = 7.5
)

// ImageEngine is the diffusion server behind the Image backend.
type ImageEngine interface {
	SetModel(ctx context.Context, modelID string) error
	Txt2Img(ctx context.Context, req engine.Txt2ImgRequest) ([]byte, error)
}

// ImageOptions configures an Image backend.
type ImageOptions struct {
	// OutputDir receives generated PNGs.
	OutputDir    string
	DefaultModel string
	Steps        int
	Guidance     float64
	Logger       zerolog.Logger
}

// ImageRequest describes one generation. Zero Steps and Guidance take the
// backend defaults; zero Width and Height leave the size to the engine; an
// empty FileName gets a timestamped one. A non-empty Model switches the
// checkpoint before rendering.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	Guidance       float64
	Width          int
	Height         int
	Model          string
	FileName       string
}

// ImageResult references the written image.
type ImageResult struct {
	Path  string
	Model string
}

// Image generates pictures from one loaded diffusion checkpoint.
type Image struct {
	mu     sync.Mutex
	engine ImageEngine
	opts   ImageOptions
	log    zerolog.Logger
	loaded *LoadedInfo
}

// NewImage creates an unloaded Image backend.
func NewImage(eng ImageEngine, opts ImageOptions) *Image {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultImageModel
	}
	if opts.Steps <= 0 {
		opts.Steps = DefaultSteps
	}
	if opts.Guidance <= 0 {
		opts.Guidance = DefaultGuidance
	}
	return &Image{
		engine: eng,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "image-backend").Logger(),
	}
}

// Load switches to modelID, a checkpoint id understood by the engine.
func (im *Image) Load(ctx context.Context, modelID string) (LoadedInfo, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.loadLocked(ctx, modelID)
}

func (im *Image) loadLocked(ctx context.Context, modelID string) (LoadedInfo, error) {
	if modelID == "" {
		modelID = im.opts.DefaultModel
	}
	if err := im.engine.SetModel(ctx, modelID); err != nil {
		return LoadedInfo{}, &LoadError{Backend: "image", Model: modelID, Err: err}
	}
	info := LoadedInfo{Name: modelID, LoadedAt: time.Now()}
	im.loaded = &info
	im.log.Info().Str("model", modelID).Msg("model loaded")
	return info, nil
}

// Loaded returns the current checkpoint, if any.
func (im *Image) Loaded() (LoadedInfo, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.loaded == nil {
		return LoadedInfo{}, false
	}
	return *im.loaded, true
}

// GenerateImage renders req and writes a PNG under the output directory.
// A backend that was never loaded loads the default checkpoint first.
func (im *Image) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if strings.TrimSpace(req.Prompt) == "" {
		return ImageResult{}, &GenerationError{Backend: "image", Err: errors.New("empty prompt")}
	}

	if im.loaded == nil || (req.Model != "" && req.Model != im.loaded.Name) {
		if _, err := im.loadLocked(ctx, req.Model); err != nil {
			return ImageResult{}, &GenerationError{Backend: "image", Err: err}
		}
	}

	steps := req.Steps
	if steps <= 0 {
		steps = im.opts.Steps
	}
	guidance := req.Guidance
	if guidance <= 0 {
		guidance = im.opts.Guidance
	}

	png, err := im.engine.Txt2Img(ctx, engine.Txt2ImgRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          steps,
		CFGScale:       guidance,
		Width:          req.Width,
		Height:         req.Height,
	})
	if err != nil {
		if cerr := ctxErr(ctx, err); cerr != nil {
			return ImageResult{}, cerr
		}
		return ImageResult{}, &GenerationError{Backend: "image", Err: err}
	}

	name := req.FileName
	if name == "" {
		name = fmt.Sprintf("gen_%d.png", time.Now().UnixNano())
	}
	if err := os.MkdirAll(im.opts.OutputDir, 0o755); err != nil {
		return ImageResult{}, &GenerationError{Backend: "image", Err: fmt.Errorf("create output dir: %w", err)}
	}
	path := filepath.Join(im.opts.OutputDir, filepath.Base(name))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return ImageResult{}, &GenerationError{Backend: "image", Err: fmt.Errorf("save image: %w", err)}
	}

	im.log.Debug().Str("path", path).Int("steps", steps).Msg("image generated")
	return ImageResult{Path: path, Model: im.loaded.Name}, nil
}
