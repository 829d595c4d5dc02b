package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Diffusion talks to an AUTOMATIC1111-compatible image API.
type Diffusion struct {
	config Config
	client *http.Client
}

// Txt2ImgRequest is the body of POST /sdapi/v1/txt2img.
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	SamplerName    string  `json:"sampler_name,omitempty"`
}

type txt2ImgResponse struct {
	Images []string `json:"images"`
}

// NewDiffusion creates a client. Default endpoint is http://127.0.0.1:7860.
func NewDiffusion(cfg Config) *Diffusion {
	cfg = cfg.withDefaults("http://127.0.0.1:7860", 300*time.Second)
	return &Diffusion{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the engine identifier.
func (d *Diffusion) Name() string { return "diffusion" }

// SetModel switches the active checkpoint.
func (d *Diffusion) SetModel(ctx context.Context, modelID string) error {
	body, err := json.Marshal(map[string]string{"sd_model_checkpoint": modelID})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := d.post(ctx, "/sdapi/v1/options", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(d.Name(), resp)
}

// Txt2Img renders one image and returns its encoded bytes (PNG).
func (d *Diffusion) Txt2Img(ctx context.Context, treq Txt2ImgRequest) ([]byte, error) {
	if treq.SamplerName == "" {
		treq.SamplerName = "DPM++ 2M"
	}
	body, err := json.Marshal(treq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := d.post(ctx, "/sdapi/v1/txt2img", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(d.Name(), resp); err != nil {
		return nil, err
	}

	var out txt2ImgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxArtifactSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Images) == 0 {
		return nil, errors.New("diffusion returned no images")
	}
	img, err := base64.StdEncoding.DecodeString(out.Images[0])
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (d *Diffusion) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, d.config.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}
