package orchestrator

import (
	"slices"
	"strings"
)

// DefaultPersonality is used for unknown or empty personality names.
const DefaultPersonality = "helpful"

var personalities = map[string]string{
	"helpful":   "You are a helpful, polite, and accurate AI assistant.",
	"friendly":  "You are a friendly and warm AI assistant.",
	"technical": "You are an expert software engineer.",
	"humorous":  "You are a humorous and entertaining AI assistant.",
	"socratic":  "You are a Socratic teacher who asks thoughtful questions.",
}

// SystemPrompt returns the system instruction for a personality name.
func SystemPrompt(personality string) string {
	if p, ok := personalities[strings.ToLower(strings.TrimSpace(personality))]; ok {
		return p
	}
	return personalities[DefaultPersonality]
}

// Personalities lists the known personality names, sorted.
func Personalities() []string {
	names := make([]string, 0, len(personalities))
	for name := range personalities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
