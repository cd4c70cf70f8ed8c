package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luminara-labs/deskflow/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // configure CORS for production
	},
}

// wsMessage is the JSON protocol over the socket. Clients send type "turn";
// the server answers with "result", "status", or "error".
type wsMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	TurnID    string        `json:"turn_id,omitempty"`
	Text      string        `json:"text,omitempty"`
	Error     string        `json:"error,omitempty"`
	Result    *turnResponse `json:"result,omitempty"`
}

// handleWebSocket runs one conversation per connection. The session id from
// the query pins every turn on the socket to the same session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	s.logger.Info("websocket client connected", zap.String("session_id", sessionID))
	s.wsSend(conn, wsMessage{Type: "status", SessionID: sessionID, Text: "connected"})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.wsSend(conn, wsMessage{Type: "error", Error: "invalid message"})
			continue
		}
		if msg.Type != "turn" {
			continue
		}

		result, err := s.orch.SubmitTurn(r.Context(), &core.TurnRequest{
			SessionID: sessionID,
			TurnID:    msg.TurnID,
			UserID:    msg.UserID,
			Text:      msg.Text,
		})
		if err != nil {
			s.wsSend(conn, wsMessage{Type: "error", SessionID: sessionID, Error: err.Error()})
			continue
		}
		resp := toTurnResponse(result)
		s.wsSend(conn, wsMessage{Type: "result", SessionID: sessionID, Result: &resp})
	}
}

func (s *Server) wsSend(conn *websocket.Conn, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
	}
}
