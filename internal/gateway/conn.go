package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/austindbirch/nexus/internal/event"
)

// conn is the state of one websocket client. Only its own read loop
// mutates subs; the hub reads it under mu when broadcasting.
type conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send chan []byte
	quit chan struct{}
	once sync.Once

	alive atomic.Bool

	mu   sync.RWMutex
	subs map[event.Type]struct{}

	// rate window, read loop only
	windowStart time.Time
	windowCount int
}

func newConn(h *Hub, ws *websocket.Conn) *conn {
	c := &conn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
		subs: make(map[event.Type]struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *conn) subscribed(t event.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[t]
	return ok
}

// enqueue queues msg without blocking. It reports false if the buffer is
// full or the connection is closing.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown sends a close frame when possible and tears the socket down.
func (c *conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.quit)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.hub.unregister(c)
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Plain().WithConn(c.id).WithError(err).Warn("websocket write failed")
				c.shutdown(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			// No pong since the last ping: the peer is gone.
			if !c.alive.Swap(false) {
				c.hub.logger.Plain().WithConn(c.id).Warn("heartbeat missed, terminating connection")
				c.shutdown(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

type inbound struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

type rejection struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

type reply struct {
	Status        string       `json:"status,omitempty"`
	Events        []event.Type `json:"events,omitempty"`
	Subscriptions []event.Type `json:"subscriptions"`
	Rejected      []rejection  `json:"rejected,omitempty"`
}

type errorReply struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
}

func (c *conn) readLoop() {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Plain().WithConn(c.id).WithError(err).Warn("websocket read failed")
			}
			return
		}
		// Any inbound frame proves the peer is there.
		c.alive.Store(true)

		if !c.allow(c.hub.now()) {
			c.enqueue(mustJSON(errorReply{Error: "rate limit exceeded"}))
			continue
		}
		c.handle(data)
	}
}

// allow applies the rolling one-second inbound limit.
func (c *conn) allow(now time.Time) bool {
	if now.Sub(c.windowStart) >= time.Second {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= c.hub.cfg.RateLimit
}

func (c *conn) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(mustJSON(errorReply{Error: "invalid message format"}))
		return
	}

	switch msg.Action {
	case "subscribe":
		accepted, rejected := c.subscribe(msg.Events)
		c.enqueue(mustJSON(reply{Status: "subscribed", Events: accepted, Subscriptions: c.subscriptions(), Rejected: rejected}))
	case "unsubscribe":
		removed := c.unsubscribe(msg.Events)
		c.enqueue(mustJSON(reply{Status: "unsubscribed", Events: removed, Subscriptions: c.subscriptions()}))
	default:
		c.enqueue(mustJSON(errorReply{Error: "unknown action", Action: msg.Action}))
	}
}

func (c *conn) subscribe(names []string) ([]event.Type, []rejection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := []event.Type{}
	var rejected []rejection
	for _, name := range names {
		t, ok := event.Parse(name)
		if !ok {
			rejected = append(rejected, rejection{Event: name, Reason: "unknown event type"})
			continue
		}
		if _, dup := c.subs[t]; !dup && len(c.subs) >= c.hub.cfg.MaxSubscriptions {
			rejected = append(rejected, rejection{Event: name, Reason: "subscription limit reached"})
			continue
		}
		c.subs[t] = struct{}{}
		accepted = append(accepted, t)
	}
	return accepted, rejected
}

func (c *conn) unsubscribe(names []string) []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := []event.Type{}
	for _, name := range names {
		if t, ok := event.Parse(name); ok {
			if _, present := c.subs[t]; present {
				delete(c.subs, t)
				removed = append(removed, t)
			}
		}
	}
	return removed
}

func (c *conn) subscriptions() []event.Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]event.Type, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
