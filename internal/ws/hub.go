// Package ws streams security events (incidents, lockdown changes, denials)
// to connected websocket clients. The feed is one-way: clients subscribe,
// the hub pushes.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clients never send payloads; anything larger than a control frame
	// is treated as a protocol violation
	maxMessageSize = 512

	sendBuffer      = 64
	broadcastBuffer = 256
)

// Event is one security happening pushed to feed subscribers.
type Event struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Wallet   string                 `json:"wallet,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	At       time.Time              `json:"at"`
}

// Hub fans events out to every connected client. A single goroutine owns
// the client set; registration, unregistration and broadcast all go
// through its channels.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan Event

	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger

	connected int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates the hub and starts its run loop.
func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, broadcastBuffer),
		clients:    make(map[*client]struct{}),
		logger:     logger,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			atomic.AddInt64(&h.connected, 1)
			metrics.WSClients.Inc()
			h.logger.Debug("security feed client connected", zap.String("remote", c.remote))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				atomic.AddInt64(&h.connected, -1)
				metrics.WSClients.Dec()
				h.logger.Debug("security feed client disconnected", zap.String("remote", c.remote))
			}
		case evt := <-h.broadcast:
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error("marshal security event", zap.Error(err), zap.String("type", evt.Type))
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// drop slow clients rather than stall the feed
					delete(h.clients, c)
					close(c.send)
					atomic.AddInt64(&h.connected, -1)
					metrics.WSClients.Dec()
				}
			}
		}
	}
}

// Broadcast queues an event for delivery to every connected client. It
// never blocks; when the queue is full the event is dropped and logged.
func (h *Hub) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
		h.logger.Warn("security feed backlog full, dropping event", zap.String("type", event.Type))
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	return int(atomic.LoadInt64(&h.connected))
}

// Serve upgrades an HTTP request to a websocket subscription.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: r.RemoteAddr,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// Close stops the run loop and disconnects all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// readPump drains the connection so pongs are processed and disconnects
// are noticed. Inbound payloads are discarded.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump sends events and heartbeats to the client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
