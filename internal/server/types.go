// Package server exposes the orchestrator over HTTP: model management,
// voices, non-streamed chat, transcription, session CRUD, a websocket that
// streams turn snapshots, and Prometheus metrics.
package server

import (
	"time"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/session"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8000)
	Addr string

	// Version is reported by /health
	Version string

	// Personality is used when a chat request names none
	Personality string

	// VoiceID is used when a chat request sets voice_enabled without naming a voice
	VoiceID string

	// MaxUploadBytes bounds transcription uploads (default: 32 MiB)
	MaxUploadBytes int64

	// ShutdownTimeout is the graceful shutdown timeout (default: 5s)
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the server.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8000",
		Version:         "dev",
		Personality:     "helpful",
		VoiceID:         "en-US-AriaNeural",
		MaxUploadBytes:  32 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Personality == "" {
		c.Personality = d.Personality
	}
	if c.VoiceID == "" {
		c.VoiceID = d.VoiceID
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// ═══════════════════════════════════════════════════════════════════════════════
// API REQUEST / RESPONSE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// HealthResponse is returned by GET /health.
// Status is "ok" when every component is healthy and "degraded" otherwise.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
}

// ChatRequest is the body of POST /api/chat and each websocket message.
type ChatRequest struct {
	Text        string `json:"text"`
	SessionID   string `json:"session_id,omitempty"`
	Personality string `json:"personality,omitempty"`
	// Voice enables synthesis of the reply with the named voice.
	Voice string `json:"voice,omitempty"`
	// VoiceEnabled enables synthesis with the configured voice when Voice is empty.
	VoiceEnabled bool `json:"voice_enabled,omitempty"`
}

// ChatResponse is returned by POST /api/chat.
type ChatResponse struct {
	Markdown   string `json:"markdown"`
	SessionID  string `json:"session_id"`
	Title      string `json:"title"`
	Audio      string `json:"audio,omitempty"`
	VoiceError string `json:"voice_error,omitempty"`
}

// StatusResponse carries a model-management status string.
type StatusResponse struct {
	Status string `json:"status"`
}

// LoadModelRequest is the body of POST /api/models/load.
type LoadModelRequest struct {
	Model string `json:"model"`
}

// AddRootRequest is the body of POST /api/models/roots.
type AddRootRequest struct {
	Path string `json:"path"`
}

// ModelsResponse is returned by GET /api/models.
// Models holds display names; Details holds one descriptor per entry.
type ModelsResponse struct {
	Models  []string            `json:"models"`
	Details []models.Descriptor `json:"details"`
}

// ImageRequest is the body of POST /api/image.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	// Size is "WIDTHxHEIGHT" (default 768x768).
	Size string `json:"size,omitempty"`
	// Style is appended to the prompt (default photorealistic).
	Style string `json:"style,omitempty"`
	// Model selects a diffusion checkpoint; empty keeps the current one.
	Model string `json:"model,omitempty"`
}

// DownloadableModel is one entry of GET /api/models/downloadable.
type DownloadableModel struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

// DownloadableResponse is returned by GET /api/models/downloadable.
type DownloadableResponse struct {
	Models []DownloadableModel `json:"models"`
}

// VoicesResponse is returned by GET /api/voices.
type VoicesResponse struct {
	Voices []string `json:"voices"`
}

// TranscribeResponse is returned by POST /api/transcribe.
type TranscribeResponse struct {
	Text string `json:"text"`
}

// SessionCreatedResponse is returned by POST /api/session.
type SessionCreatedResponse struct {
	SessionID string `json:"session_id"`
}

// SessionsResponse is returned by GET /api/sessions.
type SessionsResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET FRAMES
// ═══════════════════════════════════════════════════════════════════════════════

// Frame types sent on /api/ws/chat.
const (
	FrameUpdate = "update"
	FrameDone   = "done"
	FrameError  = "error"
)

// Frame is one server-to-client websocket message.
type Frame struct {
	Type       string               `json:"type"`
	SessionID  string               `json:"session_id,omitempty"`
	Title      string               `json:"title,omitempty"`
	State      string               `json:"state,omitempty"`
	History    []session.Turn       `json:"history,omitempty"`
	Audio      *backend.AudioHandle `json:"audio,omitempty"`
	VoiceError string               `json:"voice_error,omitempty"`
	Error      string               `json:"error,omitempty"`
}
