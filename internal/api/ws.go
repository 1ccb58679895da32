package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"maestro/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth already ran; the bridge is same-trust as the REST surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 128
)

// handleEvents upgrades the connection and re-broadcasts every bus event as
// a JSON frame until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan events.Event, wsSendBuffer)
	unsubscribe := s.bus.Subscribe(events.TopicWildcard, func(ev events.Event) {
		select {
		case send <- ev:
		default:
			// Slow consumer; drop rather than stall the bus handler.
		}
	})

	done := make(chan struct{})

	// Reader exists only to observe the close handshake.
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if werr := conn.WriteJSON(ev); werr != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		case <-done:
			return
		}
	}
}
