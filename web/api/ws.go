package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait is time allowed to write a message to the peer
const writeWait = 10 * time.Second

// executionWebSocketHandler streams the same events as the SSE endpoint over
// a WebSocket, one JSON message per event
func (s *Server) executionWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := s.engine.StreamLog(ctx, r.PathValue("id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[api] websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// The client never sends anything useful; reading only detects close
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("[api] websocket read error: %v", err)
					}
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
					conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.Printf("[api] websocket write failed: %v", err)
					return
				}
			}
		}
	}
}
