package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// LlamaCpp talks to a llama.cpp server (llama-server) running in router
// mode, which can swap the GGUF file it serves.
type LlamaCpp struct {
	config Config
	client *http.Client
}

// CompletionRequest is the body of POST /completion.
type CompletionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stream      bool     `json:"stream"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// NewLlamaCpp creates a client. Default endpoint is http://127.0.0.1:8080.
func NewLlamaCpp(cfg Config) *LlamaCpp {
	cfg = cfg.withDefaults("http://127.0.0.1:8080", 120*time.Second)
	return &LlamaCpp{
		config: cfg,
		client: &http.Client{
			// Streaming bodies outlive any whole-request timeout, so only
			// the header phase is bounded here.
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.Timeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Name returns the engine identifier.
func (l *LlamaCpp) Name() string { return "llama.cpp" }

// Health returns nil when the server reports ready.
func (l *LlamaCpp) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(l.Name(), resp)
}

// LoadModel asks the server to load the GGUF file at path.
func (l *LlamaCpp) LoadModel(ctx context.Context, path string) error {
	return l.modelRequest(ctx, "/models/load", path)
}

// UnloadModel asks the server to release the model loaded from path.
func (l *LlamaCpp) UnloadModel(ctx context.Context, path string) error {
	return l.modelRequest(ctx, "/models/unload", path)
}

func (l *LlamaCpp) modelRequest(ctx context.Context, endpoint, path string) error {
	body, err := json.Marshal(map[string]string{"model": path})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.config.Endpoint+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, l.config.APIKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(l.Name(), resp)
}

// Complete streams completion fragments. The sequence ends when the server
// reports stop or closes the stream; it cannot be restarted.
func (l *LlamaCpp) Complete(ctx context.Context, creq CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		creq.Stream = true
		body, err := json.Marshal(creq)
		if err != nil {
			yield("", fmt.Errorf("marshal request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.config.Endpoint+"/completion", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("create request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		setAuth(req, l.config.APIKey)

		resp, err := l.client.Do(req)
		if err != nil {
			yield("", fmt.Errorf("execute request: %w", err))
			return
		}
		defer resp.Body.Close()

		if err := checkStatus(l.Name(), resp); err != nil {
			yield("", err)
			return
		}

		var total int64
		reader := bufio.NewReader(resp.Body)
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			line, err := reader.ReadBytes('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				yield("", fmt.Errorf("read stream: %w", err))
				return
			}

			data, ok := sseData(line)
			if ok && data != "[DONE]" {
				var chunk completionChunk
				if jerr := json.Unmarshal([]byte(data), &chunk); jerr == nil {
					if chunk.Content != "" {
						total += int64(len(chunk.Content))
						if total > MaxStreamedResponseSize {
							yield("", fmt.Errorf("response size exceeded limit (%d bytes)", MaxStreamedResponseSize))
							return
						}
						if !yield(chunk.Content, nil) {
							return
						}
					}
					if chunk.Stop {
						return
					}
				}
			}
			if ok && data == "[DONE]" {
				return
			}

			if errors.Is(err, io.EOF) {
				return
			}
		}
	}
}

// sseData extracts the payload of a "data:" line.
func sseData(line []byte) (string, bool) {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "data:")), true
}
