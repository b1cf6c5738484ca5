package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/smsflow/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket streams batch lifecycle events to a connected client.
// Each connection gets its own bus subscription, torn down on close.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws.upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	subID := uuid.NewString()
	slog.Info("ws.connected", "subscriber", subID, "remote", r.RemoteAddr)

	var writeMu sync.Mutex
	s.events.Subscribe(subID, func(event bus.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			slog.Debug("ws.write_failed", "subscriber", subID, "error", err)
		}
	})
	defer s.events.Unsubscribe(subID)

	// Drain the read side to detect disconnects and honor close frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	slog.Info("ws.disconnected", "subscriber", subID)
}
