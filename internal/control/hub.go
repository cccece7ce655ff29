package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/marketwatch/anomaly-engine/pkg/marketevent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedMessage is the single envelope broadcast over the live feed: either
// a raw market event or a fired anomaly, discriminated by Kind.
type feedMessage struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type subscription struct {
	exchange string
	base     string
	quote    string
}

type feedClient struct {
	conn          *websocket.Conn
	send          chan feedMessage
	subscriptions map[subscription]bool
	mu            sync.Mutex
}

// Hub fans live market events and anomaly detections out to connected
// websocket clients, filtered by each client's instrument subscriptions.
// One goroutine (run) owns clients; everything else talks to it over
// channels, the same shape as the teacher's WebSocketHandler.
type Hub struct {
	clients    map[*feedClient]bool
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan feedMessage
	logger     Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	clientCount atomic.Int64
}

// Logger is the narrow logging interface the control plane needs.
type Logger interface {
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// NewHub constructs a Hub and starts its actor loop. Call Stop to shut it
// down.
func NewHub(logger Logger) *Hub {
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*feedClient]bool),
		register:   make(chan *feedClient, 256),
		unregister: make(chan *feedClient, 256),
		broadcast:  make(chan feedMessage, 1024),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.clientCount.Store(int64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.clientCount.Store(int64(len(h.clients)))
			}
		case msg := <-h.broadcast:
			var dead []*feedClient
			for c := range h.clients {
				if !h.clientWants(c, msg) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					close(c.send)
					dead = append(dead, c)
				}
			}
			if len(dead) > 0 {
				for _, c := range dead {
					delete(h.clients, c)
				}
				h.clientCount.Store(int64(len(h.clients)))
			}
		}
	}
}

func (h *Hub) clientWants(c *feedClient, msg feedMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	var env struct {
		Instrument marketevent.InstrumentKey `json:"instrument_key"`
	}
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return false
	}
	return c.subscriptions[subscription{exchange: env.Instrument.Exchange, base: env.Instrument.Base, quote: env.Instrument.Quote}]
}

// Stop cancels the actor loop and closes every connected client's send
// channel, bounded by a short grace period.
func (h *Hub) Stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(200 * time.Millisecond):
	}
}

// BroadcastEvent forwards a market event onto the feed, dropping it if the
// broadcast channel is saturated rather than blocking the pipeline.
func (h *Hub) BroadcastEvent(e marketevent.MarketEvent) {
	h.publish("event", e)
}

// BroadcastAnomaly forwards a fired anomaly detection onto the feed.
func (h *Hub) BroadcastAnomaly(a marketevent.AnomalyDetection) {
	h.publish("anomaly", a)
}

func (h *Hub) publish(kind string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("feed marshal failed", "kind", kind, "error", err)
		return
	}
	msg := feedMessage{Kind: kind, Payload: payload, Timestamp: time.Now().UnixMilli()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("feed broadcast channel full, dropping message", "kind", kind)
	}
}

// ClientCount returns the number of currently connected websocket clients.
func (h *Hub) ClientCount() int { return int(h.clientCount.Load()) }

// ServeWebSocket upgrades the HTTP connection and registers a new client,
// honoring an optional initial subscription filter via query parameters
// exchange/base/quote. An absent filter receives every message.
func (h *Hub) ServeWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &feedClient{
		conn:          conn,
		send:          make(chan feedMessage, 256),
		subscriptions: make(map[subscription]bool),
	}
	if ex := c.Query("exchange"); ex != "" {
		client.subscriptions[subscription{exchange: ex, base: c.Query("base"), quote: c.Query("quote")}] = true
	}

	h.register <- client
	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(c *feedClient) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *feedClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
