package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/models"
)

// The model-management operations below report outcomes as status strings
// for display; they never return errors.

// ListModels returns installed model names followed by tagged download
// candidates that fit the host.
func (o *Orchestrator) ListModels(ctx context.Context) []string {
	installed := o.installed(ctx)
	out := append([]string{}, installed...)
	for _, c := range o.recommend(ctx, installed) {
		out = append(out, c.Label())
	}
	return out
}

// DescribeModels returns a descriptor per installed model, marking the one
// the text backend holds as loaded, followed by downloadable candidates.
func (o *Orchestrator) DescribeModels(ctx context.Context) []models.Descriptor {
	installed := o.installed(ctx)
	loaded, hasLoaded := o.text.Loaded()

	out := make([]models.Descriptor, 0, len(installed))
	for _, name := range installed {
		d := o.registry.Describe(name)
		if hasLoaded && loaded.Name == name {
			d.State = models.StateLoaded
		}
		out = append(out, d)
	}
	for _, c := range o.recommend(ctx, installed) {
		out = append(out, models.Descriptor{Name: c.Name, State: models.StateDownloadable, SourceURL: c.URL})
	}
	return out
}

// ErrImageUnavailable is returned by GenerateImage when no image backend is configured.
var ErrImageUnavailable = errors.New("image backend unavailable")

// GenerateImage renders req outside any session.
func (o *Orchestrator) GenerateImage(ctx context.Context, req backend.ImageRequest) (backend.ImageResult, error) {
	if o.image == nil {
		return backend.ImageResult{}, ErrImageUnavailable
	}
	res, err := o.image.GenerateImage(ctx, req)
	if err != nil {
		o.log.Warn().Err(err).Msg("standalone image generation failed")
		return backend.ImageResult{}, err
	}
	return res, nil
}

// ListDownloadable returns catalog entries that fit the host and are not
// installed yet.
func (o *Orchestrator) ListDownloadable(ctx context.Context) []models.Candidate {
	return o.recommend(ctx, o.installed(ctx))
}

func (o *Orchestrator) installed(ctx context.Context) []string {
	if o.registry == nil {
		return nil
	}
	names, err := o.registry.List(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("list models")
		return nil
	}
	return names
}

func (o *Orchestrator) recommend(ctx context.Context, installed []string) []models.Candidate {
	if o.registry == nil {
		return nil
	}
	return models.Recommend(o.registry.Catalog(), installed, o.capacity(ctx))
}

// LoadModel loads selection into the text backend. A download-tagged
// selection is materialized first.
func (o *Orchestrator) LoadModel(ctx context.Context, selection string) string {
	name, tagged := models.ParseTagged(strings.TrimSpace(selection))
	if name == "" {
		return "Invalid"
	}

	if tagged {
		if status, ok := o.materialize(ctx, name, nil); !ok {
			return status
		}
	}

	info, err := o.text.Load(ctx, name)
	if err != nil {
		o.log.Warn().Err(err).Str("model", name).Msg("load model")
		return loadStatus(name, err)
	}
	return "Loaded " + info.Name
}

func loadStatus(name string, err error) string {
	if errors.Is(err, models.ErrModelNotFound) {
		return fmt.Sprintf("Error: Model %s not found in any directory.", name)
	}
	var loadErr *backend.LoadError
	if errors.As(err, &loadErr) {
		return fmt.Sprintf("Failed to load model: %v", loadErr.Err)
	}
	return "Error: " + err.Error()
}

// Materialize downloads a catalog model into the primary root.
func (o *Orchestrator) Materialize(ctx context.Context, name string, progress func(float64)) string {
	name, _ = models.ParseTagged(strings.TrimSpace(name))
	status, _ := o.materialize(ctx, name, progress)
	return status
}

func (o *Orchestrator) materialize(ctx context.Context, name string, progress func(float64)) (string, bool) {
	if o.registry == nil {
		return "Error: no model registry configured", false
	}
	o.log.Info().Str("model", name).Msg("downloading model")
	path, err := o.registry.Materialize(ctx, name, progress)
	if err != nil {
		o.log.Warn().Err(err).Str("model", name).Msg("download failed")
		return "Error: " + err.Error(), false
	}
	return "Downloaded " + name + " to " + path, true
}

// AddSearchRoot adds a directory to the model search path and persists it.
func (o *Orchestrator) AddSearchRoot(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "Error: empty path"
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Error: %s is not a directory", path)
	}
	if o.registry == nil {
		return "Error: no model registry configured"
	}
	if !o.registry.AugmentRoots(path) {
		return "Already searching " + path
	}
	if o.onRootAdded != nil {
		if err := o.onRootAdded(path); err != nil {
			o.log.Warn().Err(err).Str("root", path).Msg("persist search root")
			return fmt.Sprintf("Added %s (not saved: %v)", path, err)
		}
	}
	return "Added " + path
}

// ListVoices returns remote voice ids followed by local ones.
func (o *Orchestrator) ListVoices() []string {
	if o.speech == nil {
		return nil
	}
	return o.speech.Voices()
}

// StartupReport summarizes the startup hygiene pass.
type StartupReport struct {
	Removed   int
	SessionID string
	Model     string
	Status    string
}

// Startup removes empty sessions, opens a fresh one and, when autoLoad is
// set, loads a small installed model (one named 1B, 3B or Phi), else the
// first installed.
func (o *Orchestrator) Startup(ctx context.Context, autoLoad bool) (StartupReport, error) {
	var report StartupReport

	removed, err := o.store.CleanupEmpty(ctx)
	if err != nil {
		return report, fmt.Errorf("cleanup empty sessions: %w", err)
	}
	report.Removed = removed

	sess, err := o.store.Create(ctx, "")
	if err != nil {
		return report, fmt.Errorf("create session: %w", err)
	}
	report.SessionID = sess.ID

	if !autoLoad {
		return report, nil
	}
	if name := defaultModel(o.installed(ctx)); name != "" {
		report.Model = name
		report.Status = o.LoadModel(ctx, name)
	}

	o.log.Info().
		Int("removed", report.Removed).
		Str("session", report.SessionID).
		Str("model", report.Model).
		Str("status", report.Status).
		Msg("startup complete")
	return report, nil
}

func defaultModel(installed []string) string {
	for _, name := range installed {
		if strings.Contains(name, "1B") || strings.Contains(name, "3B") || strings.Contains(name, "Phi") {
			return name
		}
	}
	if len(installed) > 0 {
		return installed[0]
	}
	return ""
}
