package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local control surface only; the daemon binds loopback.
		return true
	},
}

// StreamMessage is the WS envelope for the chunk ingest stream.
type StreamMessage struct {
	Type  string `json:"type"`
	Data  string `json:"data,omitempty"` // base64 audio bytes
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// StreamHandler ingests audio chunks for an active session. The
// platform recording primitive pushes `audio_chunk` messages while the
// engine is recording; state is echoed back after each message.
func (h *Handlers) StreamHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if sess.Engine == nil {
		http.Error(w, "capture unsupported for this session", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session", sess.ID))
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "audio_chunk":
			chunk, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				h.sendStream(conn, logger, StreamMessage{Type: "error", Error: "invalid audio data encoding"})
				continue
			}
			if err := sess.Engine.Append(chunk); err != nil {
				h.sendStream(conn, logger, StreamMessage{
					Type:  "error",
					State: string(sess.Engine.State()),
					Error: err.Error(),
				})
				continue
			}
			h.sendStream(conn, logger, StreamMessage{
				Type:  "chunk_received",
				State: string(sess.Engine.State()),
			})
		case "ping":
			h.sendStream(conn, logger, StreamMessage{Type: "pong", State: string(sess.Engine.State())})
		default:
			h.sendStream(conn, logger, StreamMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handlers) sendStream(conn *websocket.Conn, logger *zap.Logger, msg StreamMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		logger.Debug("stream write failed", zap.Error(err))
	}
}
