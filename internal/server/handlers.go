package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/orchestrator"
	"github.com/normanking/antigravity/internal/session"
)

// ─── models and voices ──────────────────────────────────────────────────────

func (s *Server) listModelsHandler(w http.ResponseWriter, r *http.Request) {
	details := s.orch.DescribeModels(r.Context())
	resp := ModelsResponse{
		Models:  make([]string, 0, len(details)),
		Details: details,
	}
	if resp.Details == nil {
		resp.Details = []models.Descriptor{}
	}
	for _, d := range details {
		if d.State == models.StateDownloadable {
			resp.Models = append(resp.Models, models.Tag(d.Name))
			continue
		}
		resp.Models = append(resp.Models, d.Name)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadModelHandler(w http.ResponseWriter, r *http.Request) {
	var req LoadModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: s.orch.LoadModel(r.Context(), req.Model)})
}

func (s *Server) addRootHandler(w http.ResponseWriter, r *http.Request) {
	var req AddRootRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: s.orch.AddSearchRoot(req.Path)})
}

func (s *Server) downloadableHandler(w http.ResponseWriter, r *http.Request) {
	out := []DownloadableModel{}
	for _, c := range s.orch.ListDownloadable(r.Context()) {
		out = append(out, DownloadableModel{Name: c.Name, URL: c.URL, Label: c.Label()})
	}
	writeJSON(w, http.StatusOK, DownloadableResponse{Models: out})
}

func (s *Server) voicesHandler(w http.ResponseWriter, r *http.Request) {
	voices := s.orch.ListVoices()
	if voices == nil {
		voices = []string{}
	}
	writeJSON(w, http.StatusOK, VoicesResponse{Voices: voices})
}

// ─── chat ───────────────────────────────────────────────────────────────────

func (s *Server) turnRequest(req ChatRequest) orchestrator.TurnRequest {
	personality := req.Personality
	if personality == "" {
		personality = s.cfg.Personality
	}
	voice := req.Voice
	if voice == "" && req.VoiceEnabled {
		voice = s.cfg.VoiceID
	}
	return orchestrator.TurnRequest{
		Text:         req.Text,
		SessionID:    req.SessionID,
		Personality:  personality,
		VoiceEnabled: voice != "",
		VoiceID:      voice,
	}
}

// chatHandler runs a whole turn and returns only the final reply.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var final orchestrator.Update
	for u, err := range s.orch.SubmitTurn(r.Context(), s.turnRequest(req)) {
		if err != nil {
			s.log.Error().Err(err).Str("session", u.SessionID).Msg("chat turn failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		final = u
	}
	if len(final.History) == 0 {
		writeError(w, http.StatusInternalServerError, "turn produced no reply")
		return
	}

	resp := ChatResponse{
		Markdown:   final.History[len(final.History)-1].Assistant.Markdown(),
		SessionID:  final.SessionID,
		Title:      final.Title,
		VoiceError: final.VoiceError,
	}
	if final.Audio != nil {
		resp.Audio = final.Audio.Path
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── images ─────────────────────────────────────────────────────────────────

const (
	defaultImageSize  = "768x768"
	defaultImageStyle = "photorealistic"
	maxImageSide      = 2048
)

// parseImageSize parses "WIDTHxHEIGHT".
func parseImageSize(size string) (int, int, error) {
	if size == "" {
		size = defaultImageSize
	}
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(size)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q must look like 768x768", size)
	}
	width, werr := strconv.Atoi(ws)
	height, herr := strconv.Atoi(hs)
	if werr != nil || herr != nil || width <= 0 || height <= 0 || width > maxImageSide || height > maxImageSide {
		return 0, 0, fmt.Errorf("size %q must be two positive integers up to %d", size, maxImageSide)
	}
	return width, height, nil
}

// imageHandler renders a standalone image and returns the PNG.
func (s *Server) imageHandler(w http.ResponseWriter, r *http.Request) {
	var req ImageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	width, height, err := parseImageSize(req.Size)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	style := strings.TrimSpace(req.Style)
	if style == "" {
		style = defaultImageStyle
	}

	res, err := s.orch.GenerateImage(r.Context(), backend.ImageRequest{
		Prompt: prompt + ", " + style,
		Width:  width,
		Height: height,
		Model:  strings.TrimSpace(req.Model),
	})
	if errors.Is(err, orchestrator.ErrImageUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Image generation failed: "+err.Error())
		return
	}

	f, err := os.Open(res.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open generated image: "+err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat generated image: "+err.Error())
		return
	}

	name := "generated-" + uuid.NewString()[:8] + ".png"
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// transcribeHandler accepts a multipart upload in the "audio" field.
func (s *Server) transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if s.stt == nil {
		writeError(w, http.StatusServiceUnavailable, "speech recognition unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required: "+err.Error())
		return
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".webm"
	}
	tmp, err := os.CreateTemp("", "antigravity-upload-*"+ext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create temp file: "+err.Error())
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if err := tmp.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, "write upload: "+err.Error())
		return
	}

	text, err := s.stt.Transcribe(r.Context(), tmp.Name())
	if err != nil {
		s.log.Warn().Err(err).Msg("transcription failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TranscribeResponse{Text: text})
}

// ─── sessions ───────────────────────────────────────────────────────────────

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Store().Create(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SessionCreatedResponse{SessionID: sess.ID})
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Store().Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Store().Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.orch.Store().ListRecent(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: list})
}
