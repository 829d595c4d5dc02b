package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/antigravity/internal/orchestrator"
)

const wsWriteTimeout = 10 * time.Second

// wsChatHandler streams turn snapshots. Each client message is a ChatRequest;
// the server answers with update frames and one done or error frame. Turns
// on one connection run one at a time. A failed write abandons the turn,
// which the orchestrator still persists.
func (s *Server) wsChatHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("websocket connected")

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		if strings.TrimSpace(req.Text) == "" {
			if !s.writeFrame(conn, Frame{Type: FrameError, SessionID: req.SessionID, Error: "text is required"}) {
				return
			}
			continue
		}

		if !s.streamTurn(ctx, conn, req) {
			return
		}
	}
}

// streamTurn relays one turn. It reports false when the connection is gone.
func (s *Server) streamTurn(ctx context.Context, conn *websocket.Conn, req ChatRequest) bool {
	var last orchestrator.Update
	for u, err := range s.orch.SubmitTurn(ctx, s.turnRequest(req)) {
		if err != nil {
			return s.writeFrame(conn, Frame{Type: FrameError, SessionID: u.SessionID, Error: err.Error()})
		}
		last = u
		frame := Frame{
			Type:       FrameUpdate,
			SessionID:  u.SessionID,
			Title:      u.Title,
			State:      u.State.String(),
			History:    u.History,
			Audio:      u.Audio,
			VoiceError: u.VoiceError,
		}
		if !s.writeFrame(conn, frame) {
			return false
		}
	}
	return s.writeFrame(conn, Frame{Type: FrameDone, SessionID: last.SessionID, Title: last.Title})
}

func (s *Server) writeFrame(conn *websocket.Conn, f Frame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		s.log.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}
