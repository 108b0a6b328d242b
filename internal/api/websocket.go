package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"terminal-core/internal/events"
	"terminal-core/internal/feed"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// websocket streams live ticks to the client. An optional ?symbol= query
// parameter (any spelling) narrows the stream to one instrument. A reader
// pump detects client close so dead peers drop before the next tick write.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	var filter string
	if q := c.Query("symbol"); q != "" {
		filter = feed.CanonicalSymbol(q)
	}

	stream, unsub := s.Bus.Subscribe(events.TopicTick, 100)
	defer unsub()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-stream:
			if !ok {
				return
			}
			tick, ok := msg.(feed.Price)
			if !ok {
				continue
			}
			if filter != "" && tick.Symbol != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(tick); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
