// Package hub fans ticks out of the broadcast core to WebSocket clients.
// Each connection is one downstream subscriber with its own demand window,
// so a slow client stalls only itself inside the ring bound.
package hub

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/streamcore/internal/marketfeeds/metrics"
	"github.com/Aidin1998/streamcore/pkg/models"
	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
)

// Hub upgrades HTTP connections and subscribes each to the processor.
type Hub struct {
	feed     reactive.Publisher[models.Tick]
	window   int64
	logger   *zap.Logger
	upgrader websocket.Upgrader
	clients  sync.Map // uuid.UUID -> *client
}

// New builds a hub over the given tick publisher. window is the demand a
// client keeps outstanding.
func New(feed reactive.Publisher[models.Tick], window int64, logger *zap.Logger) *Hub {
	return &Hub{
		feed:   feed,
		window: window,
		logger: logger.Named("ws-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and attaches it to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New(),
		conn:   conn,
		window: h.window,
		hub:    h,
		logger: h.logger,
	}
	h.clients.Store(c.id, c)
	metrics.ClientsConnected.Inc()
	h.logger.Debug("client connected", zap.String("client", c.id.String()))

	peek := reactive.NewPeek[models.Tick](c)
	peek.OnNextHook = func(models.Tick) { metrics.TicksDelivered.Inc() }
	h.feed.Subscribe(peek)
}

// ClientCount returns the number of attached connections.
func (h *Hub) ClientCount() int64 {
	var n int64
	h.clients.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// client adapts one WebSocket connection to the subscriber contract. All
// writes happen on the consumer loop goroutine.
type client struct {
	id        uuid.UUID
	conn      *websocket.Conn
	window    int64
	hub       *Hub
	logger    *zap.Logger
	sub       reactive.Subscription
	delivered int64
	closed    atomic.Bool
}

func (c *client) OnSubscribe(s reactive.Subscription) {
	c.sub = s
	go c.readLoop()
	s.Request(c.window)
}

func (c *client) OnNext(t models.Tick) {
	data, err := t.Encode()
	if err != nil {
		c.logger.Warn("encode failed", zap.String("client", c.id.String()), zap.Error(err))
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed, cancelling",
			zap.String("client", c.id.String()), zap.Error(err))
		c.detach()
		c.sub.Cancel()
		return
	}
	// replenish demand at half-window boundaries
	c.delivered++
	half := c.window / 2
	if half < 1 {
		half = 1
	}
	if c.delivered%half == 0 {
		c.sub.Request(half)
	}
}

func (c *client) OnError(err error) {
	c.logger.Debug("feed error", zap.String("client", c.id.String()), zap.Error(err))
	c.close(websocket.CloseInternalServerErr, err.Error())
}

func (c *client) OnComplete() {
	c.close(websocket.CloseNormalClosure, "feed complete")
}

// readLoop drains inbound frames to surface disconnects promptly.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !c.closed.Load() {
				c.logger.Debug("client disconnected", zap.String("client", c.id.String()))
				c.detach()
				c.sub.Cancel()
				c.conn.Close()
			}
			return
		}
	}
}

func (c *client) close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.detach()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.conn.Close()
}

func (c *client) detach() {
	if _, loaded := c.hub.clients.LoadAndDelete(c.id); loaded {
		metrics.ClientsConnected.Dec()
	}
}
