package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/visualcore/backend/internal/control"
	"github.com/visualcore/backend/internal/core"
	"github.com/visualcore/backend/internal/session"
	"github.com/visualcore/backend/internal/stream"
	"github.com/visualcore/backend/internal/ws"
)

// controlWriteQueue sizes the control socket's outbox. Replies are one
// small frame per command, so this never needs stream-sized queues.
const controlWriteQueue = 64

// resolveSession maps the path id onto a live session, rejecting the
// upgrade with the wire close codes when it cannot.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) *session.Session {
	id, err := core.NormalizeSessionID(mux.Vars(r)["session_id"])
	if err != nil {
		ws.RejectWithClose(w, r, ws.CloseInvalidSession, "invalid_message")
		return nil
	}
	sess := s.manager.Lookup(id)
	if sess == nil {
		ws.RejectWithClose(w, r, ws.CloseSessionNotFound, "session_not_found")
		return nil
	}
	return sess
}

// handleStreamSocket attaches a viewer. Frames flow out through the
// streamer-owned outbox; the inbound side only carries the small control
// vocabulary (client_ready, ping, sequence_reset_request).
func (s *Server) handleStreamSocket(w http.ResponseWriter, r *http.Request) {
	sess := s.resolveSession(w, r)
	if sess == nil {
		return
	}

	wsConn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "session_id", sess.ID, "error", err)
		return
	}

	logger := s.logger.With("channel", "stream", "session_id", sess.ID.String())
	client := sess.Streamer.NewClient()
	conn := ws.NewConn(wsConn, client.Outbox(), logger)
	client.OnClose(conn.CloseWith)

	conn.Start(
		func(data []byte) { s.handleStreamMessage(sess, client, conn, data) },
		func() {
			sess.Streamer.Unregister(client)
			if s.metrics != nil {
				s.metrics.ConnectionClosed("stream")
			}
		},
	)

	conn.Push(stream.ConnectionEstablishedFrame(sess.ID.String()))
	if err := sess.Streamer.Register(client); err != nil {
		// Streamer already stopped: the session ended under us.
		conn.CloseWith(ws.CloseSessionNotFound, "session_not_found")
		return
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened("stream")
	}
	logger.Info("viewer connected", "client_id", client.ID)
}

type streamClientMessage struct {
	Type string `json:"type"`
}

// handleStreamMessage services the viewer-side vocabulary. Unknown or
// malformed messages get an error frame but never close the channel.
func (s *Server) handleStreamMessage(sess *session.Session, client *stream.Client, conn *ws.Conn, data []byte) {
	var msg streamClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.Push(stream.ErrorFrame("invalid_message", "message is not valid JSON"))
		return
	}
	switch msg.Type {
	case "client_ready":
		sess.Streamer.ClientReady(client)
	case "ping":
		conn.Push(stream.PongFrame())
	case "sequence_reset_request":
		sess.Streamer.RequestReset(client)
	default:
		conn.Push(stream.ErrorFrame("invalid_message", "unknown message type"))
	}
}

// handleControlSocket attaches the remote-input channel. Holding it open
// pauses any running workflow at its next input step; the gate releases
// when the socket closes.
func (s *Server) handleControlSocket(w http.ResponseWriter, r *http.Request) {
	sess := s.resolveSession(w, r)
	if sess == nil {
		return
	}
	browserSess := sess.Browser()
	if browserSess == nil {
		ws.RejectWithClose(w, r, ws.CloseBrowserNotReady, "browser_not_ready")
		return
	}

	wsConn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control upgrade failed", "session_id", sess.ID, "error", err)
		return
	}

	logger := s.logger.With("channel", "control", "session_id", sess.ID.String())
	ch := control.NewChannel(sess.ID.String(), browserSess, s.cfg.Control, sess.Gate, logger, s.metrics)
	ch.Run(ws.NewConn(wsConn, ws.NewOutbox(controlWriteQueue), logger))
}
