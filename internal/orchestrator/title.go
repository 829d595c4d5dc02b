package orchestrator

import (
	"context"
	"strings"
	"time"
)

const (
	titleMaxRunes      = 30
	titleFallbackRunes = 20
	titleSystem        = "Title gen"
	titleTimeout       = 30 * time.Second
)

// autoTitle asks the text backend for a short title. Any failure, or an
// empty answer, falls back to the start of the message.
func (o *Orchestrator) autoTitle(ctx context.Context, message string) string {
	if ctx.Err() != nil {
		o.metrics.incTitleFallback()
		return fallbackTitle(message)
	}

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	raw, err := o.text.Complete(ctx, "Title for: "+message, nil, titleSystem)
	if err != nil {
		o.log.Debug().Err(err).Msg("title generation failed, using message prefix")
		o.metrics.incTitleFallback()
		return fallbackTitle(message)
	}

	title := truncateRunes(strings.TrimSpace(strings.ReplaceAll(raw, `"`, "")), titleMaxRunes)
	title = strings.TrimSpace(title)
	if title == "" {
		o.metrics.incTitleFallback()
		return fallbackTitle(message)
	}
	return title
}

func fallbackTitle(message string) string {
	return strings.TrimSpace(truncateRunes(strings.TrimSpace(message), titleFallbackRunes))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
