// Package gateway is the authenticated websocket fan-out of bus events.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/signer"
)

const (
	DefaultHeartbeat        = 30 * time.Second
	DefaultMaxSubscriptions = 20
	DefaultRateLimit        = 10 // inbound messages per second
	DefaultMaxMessageSize   = 10 << 10
	sendBuffer              = 64
	writeWait               = 10 * time.Second

	bearerProtocol = "bearer"
)

type Config struct {
	// Secret is the shared token. Empty means every connection is accepted.
	Secret           string
	Heartbeat        time.Duration
	MaxSubscriptions int
	RateLimit        int
	MaxMessageSize   int64
}

func (c *Config) defaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Hub accepts connections and broadcasts events to their subscriptions.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *logging.Logger
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func New(cfg Config) *Hub {
	cfg.defaults()
	h := &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{bearerProtocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.New("gateway"),
		now:    time.Now,
		conns:  make(map[*conn]struct{}),
	}
	if cfg.Secret == "" {
		h.logger.Plain().Error("gateway running WITHOUT authentication: NEXUS_SECRET is not set")
	}
	return h
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Token extracts the bearer token from the "token" query parameter or from
// a "Sec-WebSocket-Protocol: bearer, <token>" header.
func Token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if strings.EqualFold(p, bearerProtocol) && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

func (h *Hub) authorize(r *http.Request) bool {
	if h.cfg.Secret == "" {
		return true
	}
	token := Token(r)
	return token != "" && signer.Equal(token, h.cfg.Secret)
}

// ServeHTTP authenticates and upgrades the request. Unauthenticated
// requests get a 401 and are never upgraded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authorize(r) {
		h.logger.WithContext(ctx).WithField("remote", r.RemoteAddr).Warn("rejected unauthenticated websocket connection")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","message":"invalid or missing token"}`))
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WithContext(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newConn(h, ws)
	if !h.register(c) {
		_ = ws.Close()
		return
	}

	log := h.logger.WithContext(ctx).WithConn(c.id).WithField("remote", r.RemoteAddr)
	if h.cfg.Secret == "" {
		log.Error("accepted websocket connection without authentication")
	} else {
		log.Info("websocket client connected")
	}

	c.enqueue(mustJSON(map[string]string{"status": "connected", "connectionId": c.id}))

	h.wg.Add(2)
	go func() { defer h.wg.Done(); c.writeLoop() }()
	go func() { defer h.wg.Done(); c.readLoop() }()
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	metrics.ConnectionOpened()
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		metrics.ConnectionClosed()
		h.logger.Plain().WithConn(c.id).Info("websocket client disconnected")
	}
}

type outbound struct {
	Event     event.Type      `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcast serializes ev once and queues it on every subscribed
// connection. Slow connections drop the message rather than block.
// It has the bus.Handler signature.
func (h *Hub) Broadcast(ctx context.Context, ev event.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = h.now()
	}
	msg, err := json.Marshal(outbound{Event: ev.Type, Payload: ev.Payload, Timestamp: ts.UnixMilli()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if !c.subscribed(ev.Type) {
			continue
		}
		if !c.enqueue(msg) {
			h.logger.WithContext(ctx).WithConn(c.id).WithEvent(string(ev.Type)).
				Warn("client send buffer full, dropping event")
		}
	}
	return nil
}

// Close terminates every connection and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
