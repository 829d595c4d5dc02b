// Package engine provides HTTP clients for the local inference servers the
// generation backends drive: llama.cpp for text, an AUTOMATIC1111-style API
// for images, whisper.cpp for transcription, and OpenAI-compatible speech
// endpoints for synthesis.
package engine

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much of an error response body is read.
	MaxErrorBodySize = 64 * 1024

	// MaxStreamedResponseSize limits the total size of a streamed completion.
	MaxStreamedResponseSize = 50 * 1024 * 1024

	// MaxArtifactSize limits decoded image and audio payloads.
	MaxArtifactSize = 64 * 1024 * 1024
)

// Config is the connection setting shared by every engine client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

func (c Config) withDefaults(endpoint string, timeout time.Duration) Config {
	if c.Endpoint == "" {
		c.Endpoint = endpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
	return c
}

// StatusError is a non-2xx response from an engine.
type StatusError struct {
	Engine string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s error (status %d)", e.Engine, e.Code)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Engine, e.Code, e.Body)
}

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

func checkStatus(engine string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
	return &StatusError{Engine: engine, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func setAuth(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
