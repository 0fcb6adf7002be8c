// Package health serves the liveness, readiness and detailed health
// endpoints and mirrors readiness into the gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/logging"
)

const (
	// DegradedPending marks the queue as degraded in detailed health.
	DegradedPending = 500
	// OverloadedPending fails readiness.
	OverloadedPending = 1000
	warningPending    = 100

	// ServiceName is the gRPC health service name for the bus.
	ServiceName = "nexus.Bus"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsSource interface {
	Stats(ctx context.Context) (delivery.Stats, error)
}

type RelayState interface {
	Driver() string
	Enabled() bool
}

type Checker struct {
	store      Pinger
	stats      StatsSource
	relay      RelayState
	secretSet  bool
	configured map[string]bool
	started    time.Time
	now        func() time.Time
	grpc       *grpc_health.Server
	logger     *logging.Logger
}

type Option func(*Checker)

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func WithRelay(r RelayState) Option {
	return func(c *Checker) { c.relay = r }
}

// New builds a Checker. configured is the presence map of required
// settings; its NEXUS_SECRET entry drives readiness.
func New(store Pinger, stats StatsSource, configured map[string]bool, opts ...Option) *Checker {
	c := &Checker{
		store:      store,
		stats:      stats,
		secretSet:  configured["NEXUS_SECRET"],
		configured: configured,
		now:        time.Now,
		grpc:       grpc_health.NewServer(),
		logger:     logging.New("health"),
	}
	for _, o := range opts {
		o(c)
	}
	c.started = c.now()
	return c
}

// GRPCServer is registered on the gRPC server by the caller.
func (c *Checker) GRPCServer() *grpc_health.Server { return c.grpc }

type Basic struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Timestamp int64   `json:"timestamp"`
}

type Uptime struct {
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"formatted"`
}

type Database struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type Queue struct {
	Pending     int     `json:"pending"`
	DeadLetters int     `json:"deadLetters"`
	OldestRetry *string `json:"oldestRetry"`
	Health      string  `json:"health"`
}

type Relay struct {
	Driver  string `json:"driver"`
	Enabled bool   `json:"enabled"`
}

type Memory struct {
	Alloc      string `json:"alloc"`
	Sys        string `json:"sys"`
	HeapInuse  string `json:"heapInuse"`
	Goroutines int    `json:"goroutines"`
}

type Environment struct {
	GoVersion      string          `json:"goVersion"`
	ConfiguredVars map[string]bool `json:"configuredVars"`
	AllConfigured  bool            `json:"allConfigured"`
}

type Detailed struct {
	Status      string      `json:"status"`
	Timestamp   string      `json:"timestamp"`
	Uptime      Uptime      `json:"uptime"`
	Database    Database    `json:"database"`
	RetryQueue  Queue       `json:"retryQueue"`
	Relay       *Relay      `json:"relay,omitempty"`
	Memory      Memory      `json:"memory"`
	Environment Environment `json:"environment"`
}

type Readiness struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

func (c *Checker) uptime() time.Duration { return c.now().Sub(c.started) }

// Detailed probes every subsystem.
func (c *Checker) Detailed(ctx context.Context) Detailed {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	now := c.now()
	up := c.uptime()
	d := Detailed{
		Status:    "healthy",
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    Uptime{Seconds: int64(up.Seconds()), Formatted: FormatUptime(up)},
	}

	d.Database.Connected = true
	if err := c.store.Ping(ctx); err != nil {
		d.Database = Database{Connected: false, Error: err.Error()}
	}

	if st, err := c.stats.Stats(ctx); err != nil {
		d.Database.Connected = false
		d.RetryQueue.Health = "unknown"
	} else {
		d.RetryQueue = Queue{Pending: st.Pending, DeadLetters: st.DeadLetters, Health: queueHealth(st.Pending)}
		if st.OldestRetry != nil {
			s := st.OldestRetry.UTC().Format(time.RFC3339)
			d.RetryQueue.OldestRetry = &s
		}
	}

	if c.relay != nil {
		d.Relay = &Relay{Driver: c.relay.Driver(), Enabled: c.relay.Enabled()}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	d.Memory = Memory{
		Alloc:      FormatBytes(ms.Alloc),
		Sys:        FormatBytes(ms.Sys),
		HeapInuse:  FormatBytes(ms.HeapInuse),
		Goroutines: runtime.NumGoroutine(),
	}

	all := true
	for _, ok := range c.configured {
		all = all && ok
	}
	d.Environment = Environment{GoVersion: runtime.Version(), ConfiguredVars: c.configured, AllConfigured: all}

	if !d.Database.Connected || d.RetryQueue.Pending > DegradedPending || !c.secretSet {
		d.Status = "degraded"
	}
	return d
}

// Ready reports whether the bus should receive traffic.
func (c *Checker) Ready(ctx context.Context) Readiness {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		return Readiness{Reason: "store_unavailable"}
	}
	st, err := c.stats.Stats(ctx)
	if err != nil {
		return Readiness{Reason: "store_unavailable"}
	}
	if st.Pending >= OverloadedPending {
		return Readiness{Reason: "retry_queue_overloaded"}
	}
	if !c.secretSet {
		return Readiness{Reason: "missing_config"}
	}
	return Readiness{Ready: true}
}

// Refresh copies readiness into the gRPC health service.
func (c *Checker) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if r := c.Ready(ctx); !r.Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.grpc.SetServingStatus("", status)
	c.grpc.SetServingStatus(ServiceName, status)
}

// Run refreshes the gRPC status every interval until ctx is done, then
// marks everything NOT_SERVING.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.grpc.Shutdown()
			return
		case <-t.C:
			c.Refresh(ctx)
		}
	}
}

// Register mounts the HTTP probes under /health.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", c.handleBasic)
	mux.HandleFunc("GET /health/detailed", c.handleDetailed)
	mux.HandleFunc("GET /health/ready", c.handleReady)
	mux.HandleFunc("GET /health/live", c.handleLive)
}

func (c *Checker) handleBasic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Basic{Status: "ok", Uptime: c.uptime().Seconds(), Timestamp: c.now().UnixMilli()})
}

func (c *Checker) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Detailed(r.Context()))
}

func (c *Checker) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := c.Ready(r.Context())
	code := http.StatusOK
	if !ready.Ready {
		code = http.StatusServiceUnavailable
		c.logger.WithContext(r.Context()).WithField("reason", ready.Reason).Warn("readiness check failed")
	}
	writeJSON(w, code, ready)
}

func (c *Checker) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"live": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queueHealth(pending int) string {
	switch {
	case pending < warningPending:
		return "healthy"
	case pending < DegradedPending:
		return "warning"
	default:
		return "critical"
	}
}

func FormatUptime(d time.Duration) string {
	s := int64(d.Seconds())
	days, hours, minutes := s/86400, (s%86400)/3600, (s%3600)/60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func FormatBytes(b uint64) string {
	if b == 0 {
		return "0 B"
	}
	sizes := []string{"B", "KB", "MB", "GB"}
	v := float64(b)
	i := 0
	for v >= 1024 && i < len(sizes)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, sizes[i])
}
