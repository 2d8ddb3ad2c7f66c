package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"papertrade-core/internal/events"
	"papertrade-core/internal/monitor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the push format the UI consumes.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsTopics are the event streams fanned out to every connected client.
var wsTopics = []events.Event{
	events.EventPriceUpdate,
	events.EventBalanceUpdate,
	events.EventOrderUpdate,
	events.EventPositionChange,
	events.EventSettingsUpdated,
	events.EventViperTradeUpdate,
	events.EventViperStatus,
}

// websocket is the market-data sink: a passive subscriber receiving
// every core mutation as {type, data}.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	monitor.WSClients.Inc()
	defer monitor.WSClients.Dec()

	var writeMu sync.Mutex
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	var wg sync.WaitGroup
	for _, topic := range wsTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		wg.Add(1)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer wg.Done()
			defer unsub()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					writeMu.Lock()
					err := conn.WriteJSON(wsEnvelope{Type: string(topic), Data: msg})
					writeMu.Unlock()
					if err != nil {
						closeDone()
						return
					}
				}
			}
		}(topic, stream, unsub)
	}

	// Reads only serve to detect the client hanging up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	closeDone()
	wg.Wait()
}
