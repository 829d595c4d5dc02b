package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Whisper talks to a whisper.cpp server.
type Whisper struct {
	config Config
	client *http.Client
}

// NewWhisper creates a client. Default endpoint is http://127.0.0.1:8081.
func NewWhisper(cfg Config) *Whisper {
	cfg = cfg.withDefaults("http://127.0.0.1:8081", 120*time.Second)
	return &Whisper{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the engine identifier.
func (w *Whisper) Name() string { return "whisper.cpp" }

// LoadModel switches the server to the given model (e.g. "tiny").
func (w *Whisper) LoadModel(ctx context.Context, model string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", model); err != nil {
		return fmt.Errorf("write field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	resp, err := w.post(ctx, "/load", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(w.Name(), resp)
}

// Inference transcribes the audio file at path.
func (w *Whisper) Inference(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	for k, v := range map[string]string{"response_format": "json", "beam_size": "5"} {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	resp, err := w.post(ctx, "/inference", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(w.Name(), resp); err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Text, nil
}

func (w *Whisper) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.Endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	setAuth(req, w.config.APIKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}
