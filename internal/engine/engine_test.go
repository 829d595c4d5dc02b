package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, seq func(func(string, error) bool)) ([]string, error) {
	t.Helper()
	var out []string
	for frag, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
	return out, nil
}

func TestLlamaCpp_CompleteStreamsFragments(t *testing.T) {
	var got CompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completion", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"content\":%q,\"stop\":false}\n\n", c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
		fmt.Fprint(w, "data: {\"content\":\"ignored\",\"stop\":false}\n\n")
	}))
	defer server.Close()

	client := NewLlamaCpp(Config{Endpoint: server.URL})
	frags, err := collect(t, client.Complete(context.Background(), CompletionRequest{
		Model:    "/models/a.gguf",
		Prompt:   "hi",
		NPredict: 2048,
		Stop:     []string{"</s>"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", "!"}, frags)
	assert.True(t, got.Stream)
	assert.Equal(t, "/models/a.gguf", got.Model)
	assert.Equal(t, []string{"</s>"}, got.Stop)
}

func TestLlamaCpp_CompleteWithoutTrailingNewline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\":\"only\"}")
	}))
	defer server.Close()

	frags, err := collect(t, NewLlamaCpp(Config{Endpoint: server.URL}).Complete(context.Background(), CompletionRequest{Prompt: "x"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, frags)
}

func TestLlamaCpp_CompleteErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := collect(t, NewLlamaCpp(Config{Endpoint: server.URL}).Complete(context.Background(), CompletionRequest{Prompt: "x"}))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Contains(t, se.Error(), "model not loaded")
}

func TestLlamaCpp_CompleteStopsWhenConsumerBreaks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: {\"content\":\"t%d\"}\n\n", i)
		}
	}))
	defer server.Close()

	var n int
	for _, err := range NewLlamaCpp(Config{Endpoint: server.URL}).Complete(context.Background(), CompletionRequest{Prompt: "x"}) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestLlamaCpp_LoadModelAndHealth(t *testing.T) {
	var loaded, unloaded string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/models/load":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if strings.Contains(body["model"], "broken") {
				http.Error(w, "failed to load", http.StatusInternalServerError)
				return
			}
			loaded = body["model"]
		case "/models/unload":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			unloaded = body["model"]
		}
	}))
	defer server.Close()

	client := NewLlamaCpp(Config{Endpoint: server.URL + "/"})
	ctx := context.Background()
	require.NoError(t, client.Health(ctx))
	require.NoError(t, client.LoadModel(ctx, "/m/a.gguf"))
	assert.Equal(t, "/m/a.gguf", loaded)
	assert.Error(t, client.LoadModel(ctx, "/m/broken.gguf"))

	require.NoError(t, client.UnloadModel(ctx, "/m/a.gguf"))
	assert.Equal(t, "/m/a.gguf", unloaded)
}

func TestDiffusion(t *testing.T) {
	png := []byte("\x89PNG fake")
	var checkpoint string
	var got Txt2ImgRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sdapi/v1/options":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			checkpoint = body["sd_model_checkpoint"]
		case "/sdapi/v1/txt2img":
			_ = json.NewDecoder(r.Body).Decode(&got)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"images": []string{base64.StdEncoding.EncodeToString(png)},
			})
		}
	}))
	defer server.Close()

	d := NewDiffusion(Config{Endpoint: server.URL})
	ctx := context.Background()
	require.NoError(t, d.SetModel(ctx, "runwayml/stable-diffusion-v1-5"))
	assert.Equal(t, "runwayml/stable-diffusion-v1-5", checkpoint)

	img, err := d.Txt2Img(ctx, Txt2ImgRequest{Prompt: "a sunset", Steps: 25, CFGScale: 7.5})
	require.NoError(t, err)
	assert.Equal(t, png, img)
	assert.Equal(t, 25, got.Steps)
	assert.Equal(t, 7.5, got.CFGScale)
	assert.Equal(t, "DPM++ 2M", got.SamplerName)
}

func TestDiffusion_NoImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"images":[]}`)
	}))
	defer server.Close()

	_, err := NewDiffusion(Config{Endpoint: server.URL}).Txt2Img(context.Background(), Txt2ImgRequest{Prompt: "x"})
	assert.ErrorContains(t, err, "no images")
}

func TestWhisper(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF...."), 0o644))

	var model, fileName string
	var fileBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		switch r.URL.Path {
		case "/load":
			model = r.FormValue("model")
		case "/inference":
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			fileName = hdr.Filename
			fileBody, _ = io.ReadAll(f)
			_, _ = io.WriteString(w, `{"text":"  hello there "}`)
		}
	}))
	defer server.Close()

	wc := NewWhisper(Config{Endpoint: server.URL})
	ctx := context.Background()
	require.NoError(t, wc.LoadModel(ctx, "tiny"))
	assert.Equal(t, "tiny", model)

	text, err := wc.Inference(ctx, audio)
	require.NoError(t, err)
	assert.Equal(t, "  hello there ", text)
	assert.Equal(t, "clip.wav", fileName)
	assert.Equal(t, []byte("RIFF...."), fileBody)

	_, err = wc.Inference(ctx, filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

func TestSpeech(t *testing.T) {
	var got SpeechRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/speech", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("WAVDATA"))
	}))
	defer server.Close()

	s := NewSpeech("tts-remote", Config{Endpoint: server.URL, APIKey: "k"})
	audio, err := s.Synthesize(context.Background(), SpeechRequest{Model: "tts-1", Input: "hi", Voice: "en-US-AriaNeural"})
	require.NoError(t, err)
	assert.Equal(t, []byte("WAVDATA"), audio)
	assert.Equal(t, "wav", got.ResponseFormat)
	assert.Equal(t, "en-US-AriaNeural", got.Voice)
	assert.Equal(t, "Bearer k", auth)
}

func TestSpeech_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	_, err := NewSpeech("tts-local", Config{Endpoint: server.URL}).Synthesize(context.Background(), SpeechRequest{Input: "x"})
	assert.ErrorContains(t, err, "empty audio")
}
