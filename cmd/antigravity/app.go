package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/config"
	"github.com/normanking/antigravity/internal/data"
	"github.com/normanking/antigravity/internal/engine"
	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/orchestrator"
	"github.com/normanking/antigravity/internal/platform"
	"github.com/normanking/antigravity/internal/session"
)

// ═══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// app holds every long-lived component built from the configuration.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	detector *platform.Detector
	registry *models.Registry
	watcher  *models.Watcher
	text     *backend.Text
	image    *backend.Image
	stt      *backend.STT
	tts      *backend.TTS
	store    session.Store
	promReg  *prometheus.Registry
	metrics  *orchestrator.Metrics
	orch     *orchestrator.Orchestrator

	closers []func() error
}

func engineConfig(ec config.EngineConfig) engine.Config {
	return engine.Config{
		Endpoint: ec.Endpoint,
		APIKey:   ec.APIKey,
		Timeout:  time.Duration(ec.TimeoutSec) * time.Second,
	}
}

// newApp builds the component graph. Nothing contacts an engine here.
func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		detector: platform.NewDetector(),
		promReg:  prometheus.NewRegistry(),
	}
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = orchestrator.MustNewMetrics(a.promReg)

	a.registry = models.NewRegistry(models.Options{
		Roots:     cfg.ModelRoots(),
		Extension: ".gguf",
		Logger:    log,
	})

	a.text = backend.NewText(
		engine.NewLlamaCpp(engineConfig(cfg.Engines.Text)),
		a.registry,
		backend.TextOptions{Logger: log},
	)
	a.image = backend.NewImage(engine.NewDiffusion(engineConfig(cfg.Engines.Image)), backend.ImageOptions{
		OutputDir:    cfg.ImageDir(),
		DefaultModel: cfg.Image.DefaultModel,
		Steps:        cfg.Image.Steps,
		Guidance:     cfg.Image.Guidance,
		Logger:       log,
	})
	a.stt = backend.NewSTT(engine.NewWhisper(engineConfig(cfg.Engines.STT)), cfg.STT.ModelSize, log)

	tts, err := backend.NewTTS(backend.TTSOptions{
		Local:          engine.NewSpeech("kokoro", engineConfig(cfg.Engines.TTSLocal)),
		Remote:         engine.NewSpeech("edge-tts", engineConfig(cfg.Engines.TTSRemote)),
		VoiceDir:       cfg.VoiceDir(),
		LocalModelFile: cfg.TTS.LocalModelFile,
		CacheDir:       filepath.Join(cfg.VoiceDir(), "cache"),
		CacheSize:      cfg.TTS.CacheSize,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	a.tts = tts

	if err := a.openStore(); err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Text:        a.text,
		Image:       a.image,
		Speech:      a.tts,
		Registry:    a.registry,
		Store:       a.store,
		Capacity:    a.capacity,
		OnRootAdded: a.persistRoot,
		Metrics:     a.metrics,
		Logger:      log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Sessions.Backend {
	case "sqlite":
		db, err := data.NewDB(a.cfg.Sessions.DBPath, a.log)
		if err != nil {
			return fmt.Errorf("open session database: %w", err)
		}
		a.store = data.NewSessionStore(db)
		a.closers = append(a.closers, db.Close)
	default:
		fs, err := session.NewFileStore(a.cfg.Sessions.Dir, a.log)
		if err != nil {
			return err
		}
		a.store = fs
	}
	a.log.Debug().Str("backend", a.cfg.Sessions.Backend).Msg("session store ready")
	return nil
}

func (a *app) capacity(ctx context.Context) float64 {
	return a.detector.Detect(ctx).CapacityGB()
}

// persistRoot records a search root added at runtime in the config file and
// starts watching it.
func (a *app) persistRoot(path string) error {
	if a.watcher != nil {
		a.watcher.Sync()
	}
	if !a.cfg.AddCustomModelPath(path) {
		return nil
	}
	return a.cfg.Save()
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
