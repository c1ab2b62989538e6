package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Frame types sent on the stream.
const (
	FrameEvent  = "event"
	FrameResult = "result"
	FrameError  = "error"
)

type streamFrame struct {
	Type   string            `json:"type"`
	Event  *types.Event      `json:"event,omitempty"`
	Result *types.TurnResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frame streamFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// handleStream runs one turn per client message on the session and streams
// every turn event, then the result or the error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}
	log := s.log.WithField("session_id", sessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("stream closed")
			}
			return
		}

		var req turnRequest
		if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Content) == "" {
			if err == nil {
				err = errors.New("content is required")
			}
			if sendErr := ws.send(streamFrame{Type: FrameError, Error: err.Error()}); sendErr != nil {
				return
			}
			continue
		}

		res, err := s.runTurn(r.Context(), sessionID, req.Content, func(ev types.Event) {
			if sendErr := ws.send(streamFrame{Type: FrameEvent, Event: &ev}); sendErr != nil {
				log.WithError(sendErr).Debug("dropping stream event")
			}
		})
		// Events were already streamed one by one.
		res.Events = nil
		frame := streamFrame{Type: FrameResult, Result: &res}
		if err != nil {
			frame = streamFrame{Type: FrameError, Error: err.Error()}
		}
		if err := ws.send(frame); err != nil {
			return
		}
	}
}
