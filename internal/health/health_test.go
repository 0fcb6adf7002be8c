package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/nexus/internal/delivery"
)

type fakeStore struct {
	pingErr  error
	statsErr error
	stats    delivery.Stats
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }
func (f *fakeStore) Stats(context.Context) (delivery.Stats, error) {
	return f.stats, f.statsErr
}

type fakeRelay struct{}

func (fakeRelay) Driver() string { return "nats" }
func (fakeRelay) Enabled() bool  { return true }

var allSet = map[string]bool{"NEXUS_SECRET": true, "FACTORY_API_KEY": true}

func newChecker(st *fakeStore, configured map[string]bool) *Checker {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	c := New(st, st, configured, WithClock(func() time.Time { return now }), WithRelay(fakeRelay{}))
	now = start.Add(26*time.Hour + 3*time.Minute)
	return c
}

func serve(t *testing.T, c *Checker, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	c.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestBasicAndLive(t *testing.T) {
	c := newChecker(&fakeStore{}, allSet)

	w := serve(t, c, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var b Basic
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if b.Status != "ok" || b.Uptime != (26*time.Hour+3*time.Minute).Seconds() {
		t.Errorf("unexpected basic health %+v", b)
	}

	w = serve(t, c, "/health/live")
	if w.Code != http.StatusOK || w.Body.String() != "{\"live\":true}\n" {
		t.Errorf("live = %d %q", w.Code, w.Body.String())
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		store      *fakeStore
		configured map[string]bool
		wantCode   int
		wantReason string
	}{
		{"ready", &fakeStore{}, allSet, http.StatusOK, ""},
		{"store down", &fakeStore{pingErr: errors.New("closed")}, allSet, http.StatusServiceUnavailable, "store_unavailable"},
		{"overloaded", &fakeStore{stats: delivery.Stats{Pending: 1000}}, allSet, http.StatusServiceUnavailable, "retry_queue_overloaded"},
		{"just below limit", &fakeStore{stats: delivery.Stats{Pending: 999}}, allSet, http.StatusOK, ""},
		{"no secret", &fakeStore{}, map[string]bool{"NEXUS_SECRET": false}, http.StatusServiceUnavailable, "missing_config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, newChecker(tt.store, tt.configured), "/health/ready")
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var r Readiness
			if err := json.Unmarshal(w.Body.Bytes(), &r); err != nil {
				t.Fatal(err)
			}
			if r.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", r.Reason, tt.wantReason)
			}
		})
	}
}

func TestDetailed(t *testing.T) {
	oldest := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		store      *fakeStore
		configured map[string]bool
		wantStatus string
		wantQueue  string
	}{
		{"healthy", &fakeStore{stats: delivery.Stats{Pending: 3, DeadLetters: 1, OldestRetry: &oldest}}, allSet, "healthy", "healthy"},
		{"warning queue still healthy", &fakeStore{stats: delivery.Stats{Pending: 500}}, allSet, "healthy", "critical"},
		{"pending above 500", &fakeStore{stats: delivery.Stats{Pending: 501}}, allSet, "degraded", "critical"},
		{"store down", &fakeStore{pingErr: errors.New("closed")}, allSet, "degraded", "healthy"},
		{"no secret", &fakeStore{}, map[string]bool{"NEXUS_SECRET": false}, "degraded", "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newChecker(tt.store, tt.configured).Detailed(context.Background())
			if d.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", d.Status, tt.wantStatus)
			}
			if d.RetryQueue.Health != tt.wantQueue {
				t.Errorf("queue health = %q, want %q", d.RetryQueue.Health, tt.wantQueue)
			}
			if d.Uptime.Formatted != "1d 2h 3m" {
				t.Errorf("uptime = %q", d.Uptime.Formatted)
			}
			if d.Relay == nil || d.Relay.Driver != "nats" {
				t.Errorf("relay = %+v", d.Relay)
			}
		})
	}
}

func TestDetailedOldestRetryFormat(t *testing.T) {
	oldest := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := newChecker(&fakeStore{stats: delivery.Stats{Pending: 1, OldestRetry: &oldest}}, allSet).Detailed(context.Background())
	if d.RetryQueue.OldestRetry == nil || *d.RetryQueue.OldestRetry != "2026-01-01T12:00:00Z" {
		t.Errorf("oldestRetry = %v", d.RetryQueue.OldestRetry)
	}
}

func TestRefreshSetsGRPCStatus(t *testing.T) {
	st := &fakeStore{}
	c := newChecker(st, allSet)
	c.Refresh(context.Background())

	resp, err := c.GRPCServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.Status)
	}

	st.pingErr = errors.New("down")
	c.Refresh(context.Background())
	resp, err = c.GRPCServer().Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v", resp.Status)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{0: "0 B", 512: "512.00 B", 2048: "2.00 KB", 5 << 20: "5.00 MB"}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
