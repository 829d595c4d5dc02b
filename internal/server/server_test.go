package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/engine"
	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/orchestrator"
	"github.com/normanking/antigravity/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// scriptedEngine stands in for llama.cpp and replies with fixed fragments.
type scriptedEngine struct {
	fragments []string
	healthErr error
}

func (e *scriptedEngine) LoadModel(context.Context, string) error { return nil }

func (e *scriptedEngine) UnloadModel(context.Context, string) error { return nil }

func (e *scriptedEngine) Health(context.Context) error { return e.healthErr }

func (e *scriptedEngine) Complete(_ context.Context, _ engine.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range e.fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}

type fakeSTT struct {
	text  string
	err   error
	paths []string
}

func (f *fakeSTT) Transcribe(_ context.Context, path string) (string, error) {
	f.paths = append(f.paths, path)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text + " (" + string(data) + ")", nil
}

type testEnv struct {
	srv      *Server
	store    *session.FileStore
	metrics  *orchestrator.Metrics
	stt      *fakeSTT
	engine   *scriptedEngine
	modelDir string
}

// paintEngine stands in for the diffusion server.
type paintEngine struct {
	model string
	reqs  []engine.Txt2ImgRequest
	err   error
}

func (p *paintEngine) SetModel(_ context.Context, id string) error {
	p.model = id
	return nil
}

func (p *paintEngine) Txt2Img(_ context.Context, req engine.Txt2ImgRequest) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.reqs = append(p.reqs, req)
	return []byte("\x89PNG " + req.Prompt), nil
}

type fakeVoice struct {
	voices []string
}

func (f *fakeVoice) Synthesize(_ context.Context, text, voiceID string) (backend.AudioHandle, error) {
	f.voices = append(f.voices, voiceID)
	return backend.AudioHandle{Path: "/tmp/" + voiceID + ".mp3", Voice: voiceID, Format: "mp3"}, nil
}

func (f *fakeVoice) Voices() []string { return []string{"en-US-AriaNeural"} }

func newTestEnv(t *testing.T, withSTT bool, mutate ...func(*orchestrator.Deps)) *testEnv {
	t.Helper()
	log := zerolog.Nop()

	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "tiny-1B.gguf"), []byte("gguf"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "notes.txt"), []byte("x"), 0644))

	reg := models.NewRegistry(models.Options{Roots: []string{modelDir}, Extension: ".gguf", Logger: log})
	eng := &scriptedEngine{fragments: []string{"Hello", " world"}}
	text := backend.NewText(eng, reg, backend.TextOptions{Logger: log})

	store, err := session.NewFileStore(t.TempDir(), log)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	metrics := orchestrator.MustNewMetrics(promReg)

	deps := orchestrator.Deps{
		Text:     text,
		Registry: reg,
		Store:    store,
		Metrics:  metrics,
		Logger:   log,
	}
	for _, m := range mutate {
		m(&deps)
	}
	orch, err := orchestrator.New(deps)
	require.NoError(t, err)

	env := &testEnv{store: store, metrics: metrics, engine: eng, modelDir: modelDir}
	var stt Transcriber
	if withSTT {
		env.stt = &fakeSTT{text: "transcribed"}
		stt = env.stt
	}
	env.srv = New(Config{Version: "test"}, orch, stt, promReg, log)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, map[string]string{"text": "ok", "store": "ok"}, resp.Components)
}

func TestHealth_DegradedWhenEngineIsDown(t *testing.T) {
	env := newTestEnv(t, false)
	env.engine.healthErr = errors.New("connection refused")

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["text"], "connection refused")
	assert.Equal(t, "ok", resp.Components["store"])
}

func TestModelsEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ModelsResponse](t, rec)
	require.NotEmpty(t, list.Models)
	assert.Equal(t, "tiny-1B.gguf", list.Models[0])
	assert.NotContains(t, list.Models, "notes.txt")
	for _, name := range list.Models[1:] {
		assert.True(t, strings.HasPrefix(name, models.DownloadTag), name)
	}
	require.Len(t, list.Details, len(list.Models))
	assert.Equal(t, models.Descriptor{
		Name:     "tiny-1B.gguf",
		Location: filepath.Join(env.modelDir, "tiny-1B.gguf"),
		State:    models.StateOnDisk,
	}, list.Details[0])
	for _, d := range list.Details[1:] {
		assert.Equal(t, models.StateDownloadable, d.State, d.Name)
		assert.NotEmpty(t, d.SourceURL)
	}

	rec = env.do(t, http.MethodPost, "/api/models/load", LoadModelRequest{Model: "tiny-1B.gguf"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Loaded tiny-1B.gguf", decode[StatusResponse](t, rec).Status)

	list = decode[ModelsResponse](t, env.do(t, http.MethodGet, "/api/models", nil))
	assert.Equal(t, models.StateLoaded, list.Details[0].State)
	assert.Equal(t, "tiny-1B.gguf", list.Models[0])

	rec = env.do(t, http.MethodPost, "/api/models/load", LoadModelRequest{Model: "missing.gguf"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Error: Model missing.gguf not found in any directory.", decode[StatusResponse](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/api/models/load", LoadModelRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/models/load", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/models/downloadable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dl := decode[DownloadableResponse](t, rec)
	require.NotEmpty(t, dl.Models)
	for _, m := range dl.Models {
		assert.True(t, models.IsSmall(m.Name), m.Name)
		assert.Equal(t, models.Tag(m.Name), m.Label)
		assert.NotEmpty(t, m.URL)
	}
}

func TestAddRoot(t *testing.T) {
	env := newTestEnv(t, false)
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "extra-3B.gguf"), []byte("gguf"), 0644))

	rec := env.do(t, http.MethodPost, "/api/models/roots", AddRootRequest{Path: extra})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Added "+extra, decode[StatusResponse](t, rec).Status)

	list := decode[ModelsResponse](t, env.do(t, http.MethodGet, "/api/models", nil))
	assert.Equal(t, []string{"tiny-1B.gguf", "extra-3B.gguf"}, list.Models[:2])
}

func TestVoicesWithoutSpeech(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/voices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"voices":[]}`, rec.Body.String())
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "Hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[ChatResponse](t, rec)
	assert.Equal(t, backend.NoModelMessage, first.Markdown)
	assert.Equal(t, "Hello", first.Title)
	require.NotEmpty(t, first.SessionID)

	env.do(t, http.MethodPost, "/api/models/load", LoadModelRequest{Model: "tiny-1B.gguf"})

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "Hi again", SessionID: first.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ChatResponse](t, rec)
	assert.Equal(t, "Hello world", second.Markdown)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "Hello", second.Title)

	stored, err := env.store.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Len(t, stored.History, 2)
}

func TestChat_ImageWithoutBackend(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "draw a lighthouse"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "❌ image backend unavailable", decode[ChatResponse](t, rec).Markdown)
}

func TestChat_VoiceSelection(t *testing.T) {
	voice := &fakeVoice{}
	env := newTestEnv(t, false, func(d *orchestrator.Deps) { d.Speech = voice })

	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "Hello", VoiceEnabled: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/tmp/en-US-AriaNeural.mp3", decode[ChatResponse](t, rec).Audio)

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "Hello", Voice: "lokal-af_bella", VoiceEnabled: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/tmp/lokal-af_bella.mp3", decode[ChatResponse](t, rec).Audio)

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "Hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ChatResponse](t, rec).Audio)

	assert.Equal(t, []string{"en-US-AriaNeural", "lokal-af_bella"}, voice.voices)
}

func withPainter(t *testing.T, p *paintEngine) func(*orchestrator.Deps) {
	return func(d *orchestrator.Deps) {
		d.Image = backend.NewImage(p, backend.ImageOptions{OutputDir: t.TempDir(), Logger: zerolog.Nop()})
	}
}

func TestImage(t *testing.T) {
	painter := &paintEngine{}
	env := newTestEnv(t, false, withPainter(t, painter))

	rec := env.do(t, http.MethodPost, "/api/image", ImageRequest{Prompt: "a boat", Size: "512x640", Style: "watercolor", Model: "sdxl"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="generated-`)
	assert.Equal(t, "\x89PNG a boat, watercolor", rec.Body.String())

	assert.Equal(t, "sdxl", painter.model)
	require.Len(t, painter.reqs, 1)
	assert.Equal(t, 512, painter.reqs[0].Width)
	assert.Equal(t, 640, painter.reqs[0].Height)

	rec = env.do(t, http.MethodPost, "/api/image", ImageRequest{Prompt: "a fox"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\x89PNG a fox, photorealistic", rec.Body.String())
	assert.Equal(t, 768, painter.reqs[1].Width)
	assert.Equal(t, 768, painter.reqs[1].Height)
}

func TestImage_Errors(t *testing.T) {
	t.Run("bad requests", func(t *testing.T) {
		env := newTestEnv(t, false, withPainter(t, &paintEngine{}))
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/image", ImageRequest{Prompt: " "}).Code)
		for _, size := range []string{"big", "0x512", "512x", "4096x4096"} {
			rec := env.do(t, http.MethodPost, "/api/image", ImageRequest{Prompt: "x", Size: size})
			assert.Equal(t, http.StatusBadRequest, rec.Code, size)
		}
	})

	t.Run("no backend", func(t *testing.T) {
		env := newTestEnv(t, false)
		rec := env.do(t, http.MethodPost, "/api/image", ImageRequest{Prompt: "a boat"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("engine failure", func(t *testing.T) {
		env := newTestEnv(t, false, withPainter(t, &paintEngine{err: errors.New("timeout")}))
		rec := env.do(t, http.MethodPost, "/api/image", ImageRequest{Prompt: "a boat"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "Image generation failed")
		assert.Contains(t, rec.Body.String(), "timeout")
	})
}

func TestChat_RejectsEmptyText(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	recent, err := env.store.ListRecent(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func multipartAudio(t *testing.T, field, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestTranscribe(t *testing.T) {
	env := newTestEnv(t, true)

	body, ct := multipartAudio(t, "audio", "clip.wav", []byte("pcm"))
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "transcribed (pcm)", decode[TranscribeResponse](t, rec).Text)

	require.Len(t, env.stt.paths, 1)
	assert.Equal(t, ".wav", filepath.Ext(env.stt.paths[0]))
	_, err := os.Stat(env.stt.paths[0])
	assert.True(t, errors.Is(err, os.ErrNotExist), "upload should be removed")
}

func TestTranscribe_Errors(t *testing.T) {
	t.Run("no backend", func(t *testing.T) {
		env := newTestEnv(t, false)
		body, ct := multipartAudio(t, "audio", "clip.wav", []byte("pcm"))
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing field", func(t *testing.T) {
		env := newTestEnv(t, true)
		body, ct := multipartAudio(t, "file", "clip.wav", []byte("pcm"))
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("engine failure", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.stt.err = errors.New("whisper down")
		body, ct := multipartAudio(t, "audio", "clip.webm", []byte("pcm"))
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "whisper down")
	})
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[SessionCreatedResponse](t, rec).SessionID
	require.NotEmpty(t, id)

	rec = env.do(t, http.MethodGet, "/api/session/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[session.Session](t, rec)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, session.DefaultTitle, got.Title)
	assert.Empty(t, got.History)

	rec = env.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[SessionsResponse](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].ID)

	rec = env.do(t, http.MethodDelete, "/api/session/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decode[StatusResponse](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/api/session/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/session/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionHistoryWireFormat(t *testing.T) {
	env := newTestEnv(t, false)
	chat := decode[ChatResponse](t, env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "draw a cat"}))

	rec := env.do(t, http.MethodGet, "/api/session/"+chat.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw struct {
		History [][]json.RawMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw.History, 1)
	require.Len(t, raw.History[0], 2)
	assert.JSONEq(t, `"draw a cat"`, string(raw.History[0][0]))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPost, "/api/chat", ChatRequest{Text: "Hello"})

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `antigravity_orchestrator_turns_total{modality="text",outcome="ok"} 1`)
	assert.Contains(t, body, "antigravity_orchestrator_title_fallbacks_total 1")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/nope", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/api/chat", nil).Code)
}
