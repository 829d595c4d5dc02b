package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Speech talks to an OpenAI-compatible /v1/audio/speech endpoint. Both the
// local voice server and the remote neural voice proxy speak this API.
type Speech struct {
	name   string
	config Config
	client *http.Client
}

// SpeechRequest is the body of POST /v1/audio/speech.
type SpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// NewSpeech creates a client identified by name in errors and logs.
func NewSpeech(name string, cfg Config) *Speech {
	cfg = cfg.withDefaults("http://127.0.0.1:8880", 60*time.Second)
	return &Speech{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the engine identifier.
func (s *Speech) Name() string { return s.name }

// Synthesize returns encoded audio for sreq.
func (s *Speech) Synthesize(ctx context.Context, sreq SpeechRequest) ([]byte, error) {
	if sreq.ResponseFormat == "" {
		sreq.ResponseFormat = "wav"
	}
	body, err := json.Marshal(sreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(s.Name(), resp); err != nil {
		return nil, err
	}

	audio, err := readLimitedBody(resp.Body, MaxArtifactSize+1)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) > MaxArtifactSize {
		return nil, fmt.Errorf("audio exceeded limit (%d bytes)", MaxArtifactSize)
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio response")
	}
	return audio, nil
}
