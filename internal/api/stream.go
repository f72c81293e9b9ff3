package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/session"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamCommand is a client message on the session stream
type StreamCommand struct {
	Type  string       `json:"type"` // select | deselect | acknowledge | advance | expire
	Item  string       `json:"item,omitempty"`
	Phase models.Phase `json:"phase,omitempty"`
	Index int          `json:"index,omitempty"`
}

// StreamMessage is a server message on the session stream
type StreamMessage struct {
	Type    string            `json:"type"` // snapshot | error | closed
	Session *session.Snapshot `json:"session,omitempty"`
	Applied *bool             `json:"applied,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondServiceError(w, err, "open stream")
		return
	}

	// Subscribe before upgrading so no change between snapshot and stream is lost
	updates, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("session stream connected", "session_id", sessionID)

	// The request context is bound to the HTTP handler; the stream outlives it
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan StreamMessage, 8)

	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read error", "session_id", sessionID, "error", err)
				}
				return
			}

			reply := applyCommand(sess, data)
			if reply == nil {
				continue
			}
			select {
			case replies <- *reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	snap := sess.Snapshot()
	if err := writeStream(conn, StreamMessage{Type: "snapshot", Session: &snap}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("session stream disconnected", "session_id", sessionID)
			return
		case snap, ok := <-updates:
			if !ok {
				_ = writeStream(conn, StreamMessage{Type: "closed"})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if err := writeStream(conn, StreamMessage{Type: "snapshot", Session: &snap}); err != nil {
				return
			}
		case msg := <-replies:
			if err := writeStream(conn, msg); err != nil {
				return
			}
		}
	}
}

// applyCommand runs one client command. Only errors and no-ops produce a reply;
// state changes reach the client through the hub.
func applyCommand(sess *session.Session, data []byte) *StreamMessage {
	var cmd StreamCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return &StreamMessage{Type: "error", Error: "invalid message format"}
	}

	var applied bool
	switch cmd.Type {
	case "select":
		applied = sess.SelectItem(cmd.Item)
	case "deselect":
		applied = sess.DeselectItem(cmd.Item)
	case "acknowledge":
		applied = sess.Acknowledge()
	case "advance":
		applied = sess.ForceAdvance()
	case "expire":
		applied = sess.ExpireTrial(cmd.Phase, cmd.Index)
	default:
		return &StreamMessage{Type: "error", Error: "unknown message type " + cmd.Type}
	}

	if applied {
		return nil
	}
	snap := sess.Snapshot()
	return &StreamMessage{Type: "snapshot", Session: &snap, Applied: &applied}
}

func writeStream(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
