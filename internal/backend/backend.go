// Package backend wraps the inference engines behind the four generation
// capabilities: text, image, speech-to-text and text-to-speech. Each
// backend holds at most one loaded model and serializes load against
// generation with its own mutex.
//
// Loads follow load-then-swap: the new model is initialized first and only
// replaces the current one on success, so a failed load leaves the previous
// model serving.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoModelLoaded is returned by one-shot calls when nothing is loaded.
var ErrNoModelLoaded = errors.New("no model loaded")

// LoadedInfo describes the model a backend currently holds.
type LoadedInfo struct {
	Name     string    `json:"name"`
	Location string    `json:"location,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// LoadError reports a failed model load. The backend keeps whatever it held
// before the attempt.
type LoadError struct {
	Backend string
	Model   string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: failed to load %s: %v", e.Backend, e.Model, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// GenerationError reports a failure while producing output.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Resolver maps a model name to a loadable location.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ctxErr returns ctx's error when err was caused by cancellation, so callers
// can tell an abandoned turn from a failing engine.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return cerr
	}
	return nil
}
