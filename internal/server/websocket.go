package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsSink adapts a *websocket.Conn to eventbus.Sink. The bus already
// frames every message as JSON before calling WriteText, so this type
// carries no buffering or encoding logic of its own.
type wsSink struct {
	conn *websocket.Conn
}

func (w wsSink) WriteText(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w wsSink) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// wsClientMsg is the envelope for messages arriving from the browser:
// terminal input and resize requests. Everything outbound (terminal
// output, lifecycle events) flows through eventbus.Bus instead, so this
// struct only needs to cover the inbound half of the protocol.
type wsClientMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing session parameter")
		return
	}

	if _, ok := s.sup.GetSession(sessionID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+sessionID)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subID := uuid.NewString()
	if _, err := s.sup.Bus().Subscribe(subID, sessionID, wsSink{conn: conn}); err != nil {
		s.logger.Warn("websocket subscribe rejected", "session", sessionID, "err", err)
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer s.sup.Bus().Unsubscribe(subID)

	s.logger.Info("websocket connected", "session", sessionID)

	go s.wsPingLoop(ctx, cancel, conn)
	s.wsReadLoop(ctx, cancel, conn, sessionID)
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "input":
			if err := s.sup.WriteSession(sessionID, []byte(msg.Data)); err != nil {
				s.logger.Debug("pty write error", "err", err)
			}
		case "resize":
			if err := s.sup.ResizeSession(sessionID, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
				s.logger.Debug("pty resize error", "err", err)
			}
		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}
