package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/internal/mixer"
	"github.com/terminal-bench/coinmix/pkg/messaging"
)

// StatusHub fans lifecycle events out to websocket subscribers. One NATS
// subscription feeds all connections.
type StatusHub struct {
	subscribers map[uuid.UUID]map[chan messaging.MixEvent]struct{}
	mu          sync.RWMutex
	log         *zap.Logger
}

func NewStatusHub(log *zap.Logger) *StatusHub {
	return &StatusHub{
		subscribers: make(map[uuid.UUID]map[chan messaging.MixEvent]struct{}),
		log:         log,
	}
}

// Start begins receiving lifecycle events.
func (h *StatusHub) Start(msg *messaging.Client) error {
	return msg.Subscribe("mix.>", h.dispatch)
}

func (h *StatusHub) dispatch(m *nats.Msg) {
	var event messaging.MixEvent
	if err := json.Unmarshal(m.Data, &event); err != nil {
		h.log.Warn("malformed mix event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[event.TransactionID] {
		select {
		case ch <- event:
		default:
			// slow consumer; drop rather than block the dispatcher
		}
	}
}

func (h *StatusHub) subscribe(id uuid.UUID) chan messaging.MixEvent {
	ch := make(chan messaging.MixEvent, 8)
	h.mu.Lock()
	if h.subscribers[id] == nil {
		h.subscribers[id] = make(map[chan messaging.MixEvent]struct{})
	}
	h.subscribers[id][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *StatusHub) unsubscribe(id uuid.UUID, ch chan messaging.MixEvent) {
	h.mu.Lock()
	if subs := h.subscribers[id]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.subscribers, id)
		}
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamStatus upgrades to a websocket and pushes status updates for one
// transaction until it reaches a terminal state or the client goes away.
func (g *Gateway) streamStatus(c *gin.Context) {
	view, ok := g.loadOwned(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// initial snapshot so the client does not wait for the next transition
	if err := conn.WriteJSON(view); err != nil {
		return
	}

	if g.hub == nil {
		// no event feed wired; the snapshot is all this connection gets
		return
	}
	events := g.hub.subscribe(view.ID)
	defer g.hub.unsubscribe(view.ID, events)

	// drain client frames so pings and close messages are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case event := <-events:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Status == string(mixer.StatusFailed) ||
				event.TxID != "" && event.Status == string(mixer.StatusCompleted) {
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
