package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/nexus/internal/bus"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/retry"
	"github.com/austindbirch/nexus/internal/signer"
	"github.com/austindbirch/nexus/internal/store"
	"github.com/austindbirch/nexus/internal/store/sqlite"
)

const testSecret = "nexus-test-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type env struct {
	store  *sqlite.Store
	bus    *bus.Bus
	engine *retry.Engine
	clock  *fakeClock
	server *Server

	mu   sync.Mutex
	seen []event.Event
}

func quietLogs(t *testing.T) {
	t.Helper()
	var buf bytes.Buffer
	prev := logging.SetOutput(&buf)
	t.Cleanup(func() { logging.SetOutput(prev) })
}

func newEnv(t *testing.T, secret string, engineOpts ...retry.Option) *env {
	t.Helper()
	quietLogs(t)

	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := &env{store: s, clock: newFakeClock()}
	e.bus = bus.New(s, bus.WithClock(e.clock.Now))
	e.engine = retry.New(s, append([]retry.Option{retry.WithClock(e.clock.Now)}, engineOpts...)...)
	e.bus.OnAny("recorder", func(ctx context.Context, ev event.Event) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.seen = append(e.seen, ev)
		return nil
	})
	e.server = New(Deps{Bus: e.bus, Retry: e.engine, Signer: signer.New(secret)})
	e.server.now = e.clock.Now
	return e
}

func (e *env) dispatched() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.seen...)
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func signedPost(path, body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signer.Header, signer.Sign([]byte(secret), []byte(body)))
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestIngestRoundTrip(t *testing.T) {
	e := newEnv(t, testSecret)
	body := `{"type":"FLUXX:VOTE_CAST","payload":{"proposalId":"P-7","voter":"0xabc","weight":3}}`

	w := e.do(signedPost("/events", body, testSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ingestResponse
	decode(t, w, &resp)
	assert.Equal(t, "dispatched", resp.Status)
	assert.Equal(t, event.VoteCast, resp.Event)
	assert.NotZero(t, resp.EventID)
	assert.Equal(t, e.clock.Now().UnixMilli(), resp.Timestamp)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	records, err := e.store.ListEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1, "event appears exactly once")
	assert.Equal(t, resp.EventID, records[0].ID)
	assert.JSONEq(t, `{"proposalId":"P-7","voter":"0xabc","weight":3}`, string(records[0].Payload))

	got := e.dispatched()
	require.Len(t, got, 1)
	assert.Equal(t, event.VoteCast, got[0].Type)
}

func TestIngestAcceptsEventFieldAndShortName(t *testing.T) {
	e := newEnv(t, testSecret)
	w := e.do(signedPost("/events", `{"event":"VOTE_CAST","payload":{}}`, testSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestIngestSignature(t *testing.T) {
	e := newEnv(t, testSecret)
	body := `{"type":"VOTE_CAST","payload":{"a":1}}`
	good := signer.Sign([]byte(testSecret), []byte(body))

	tests := []struct {
		name    string
		body    string
		sig     string
		message string
	}{
		{"missing", body, "", "Missing X-Nexus-Signature header"},
		{"wrong secret", body, signer.Sign([]byte("other"), []byte(body)), "Invalid signature"},
		{"body byte flipped", strings.Replace(body, "1", "2", 1), good, "Invalid signature"},
		{"signature byte flipped", body, flip(good), "Invalid signature"},
		{"uppercase hex", body, strings.ToUpper(good), "Invalid signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(tt.body))
			if tt.sig != "" {
				req.Header.Set(signer.Header, tt.sig)
			}
			w := e.do(req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var eb errorBody
			decode(t, w, &eb)
			assert.Equal(t, "Unauthorized", eb.Error)
			assert.Equal(t, tt.message, eb.Message)
		})
	}
	assert.Empty(t, e.dispatched())
}

func flip(hex string) string {
	b := []byte(hex)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}

func TestIngestValidation(t *testing.T) {
	e := newEnv(t, testSecret)
	big := `{"type":"VOTE_CAST","payload":{"blob":"` + strings.Repeat("x", MaxPayloadBytes) + `"}}`

	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"malformed", `{"type":`, http.StatusBadRequest, "Malformed JSON body"},
		{"no type", `{"payload":{}}`, http.StatusBadRequest, `Missing or invalid "type" field`},
		{"unknown type", `{"type":"NOPE","payload":{}}`, http.StatusBadRequest, "Invalid event type: NOPE"},
		{"no payload", `{"type":"VOTE_CAST"}`, http.StatusBadRequest, `Missing "payload" field`},
		{"null payload", `{"type":"VOTE_CAST","payload":null}`, http.StatusBadRequest, `Missing "payload" field`},
		{"array payload", `{"type":"VOTE_CAST","payload":[1]}`, http.StatusBadRequest, "Payload must be an object"},
		{"string payload", `{"type":"VOTE_CAST","payload":"x"}`, http.StatusBadRequest, "Payload must be an object"},
		{"too large", big, http.StatusRequestEntityTooLarge, "Payload exceeds 50KB limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(signedPost("/events", tt.body, testSecret))
			assert.Equal(t, tt.code, w.Code)
			var eb errorBody
			decode(t, w, &eb)
			assert.Equal(t, tt.msg, eb.Message)
		})
	}
	assert.Empty(t, e.dispatched())
}

func TestIngestUnknownTypeListsValidEvents(t *testing.T) {
	e := newEnv(t, testSecret)
	w := e.do(signedPost("/events", `{"type":"NOPE","payload":{}}`, testSecret))
	var body invalidTypeBody
	decode(t, w, &body)
	assert.Equal(t, event.All(), body.ValidEvents)
}

type failingLog struct{}

func (failingLog) AppendEvent(context.Context, event.Type, json.RawMessage, string, time.Time) (int64, error) {
	return 0, faults.StorageError("append", errors.New("disk gone"))
}

func (failingLog) ListEvents(context.Context, store.EventFilter) ([]event.Record, error) {
	return nil, faults.StorageError("list", errors.New("disk gone"))
}

func TestIngestStorageFailureAfterDispatch(t *testing.T) {
	quietLogs(t)
	b := bus.New(failingLog{})
	var dispatched int
	b.OnAny("count", func(context.Context, event.Event) error { dispatched++; return nil })
	srv := New(Deps{Bus: b, Signer: signer.New(testSecret)})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, signedPost("/events", `{"type":"VOTE_CAST","payload":{}}`, testSecret))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 1, dispatched)
	assert.NotContains(t, w.Body.String(), "disk gone")

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events/log", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIngestInsecureMode(t *testing.T) {
	e := newEnv(t, "")
	w := e.do(signedPost("/events", `{"type":"VOTE_CAST","payload":{}}`, ""))
	assert.Equal(t, http.StatusOK, w.Code)
}

func signedGet(path, rawQuery, secret string) *http.Request {
	target := path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set(signer.Header, signer.Sign([]byte(secret), []byte(rawQuery)))
	return req
}

func TestEventLog(t *testing.T) {
	e := newEnv(t, testSecret)
	for i := 0; i < 3; i++ {
		e.do(signedPost("/events", `{"type":"VOTE_CAST","payload":{"n":`+string(rune('0'+i))+`}}`, testSecret))
	}
	e.do(signedPost("/events", `{"type":"MINT_FAILED","payload":{"orderId":"X"}}`, testSecret))

	w := e.do(signedGet("/events/log", "limit=2&type=VOTE_CAST", testSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp eventLogResponse
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Events, 2)
	assert.JSONEq(t, `{"n":2}`, string(resp.Events[0].Payload), "newest first")
	assert.Equal(t, event.VoteCast, resp.Events[1].Type)

	w = e.do(signedGet("/events/log", "event=FACTORY:MINT_FAILED", testSecret))
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, store.DefaultEventLimit, resp.Limit)

	w = e.do(signedGet("/events/log", "limit=5000", testSecret))
	decode(t, w, &resp)
	assert.Equal(t, store.MaxEventLimit, resp.Limit)
	assert.Equal(t, 4, resp.Count)

	w = e.do(signedGet("/events/log", "type=BOGUS", testSecret))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The signature covers the raw query, so a tampered query fails.
	req := signedGet("/events/log", "limit=2", testSecret)
	req.URL.RawQuery = "limit=3"
	w = e.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEventLogEmpty(t *testing.T) {
	e := newEnv(t, testSecret)
	w := e.do(signedGet("/events/log", "", testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":0,"limit":100,"events":[]}`, w.Body.String())
}

func TestRetryEndpoints(t *testing.T) {
	e := newEnv(t, testSecret)
	ctx := context.Background()

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/retry/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"stats":{"pending":0,"deadLetters":0,"oldestRetry":null}}`, w.Body.String())

	next := e.clock.Now().Add(time.Minute)
	require.NoError(t, e.engine.Requeue(ctx, delivery.Task{
		TaskID:      "ORDER-5",
		Kind:        delivery.KindMintRequest,
		TargetURL:   "http://factory/api/mint",
		Payload:     json.RawMessage(`{}`),
		NextRetryAt: next,
	}))
	require.NoError(t, e.store.DeadLetterTask(ctx, delivery.NewDeadLetter(delivery.Task{
		TaskID:    "ORDER-5",
		Kind:      delivery.KindMintRequest,
		TargetURL: "http://factory/api/mint",
		Payload:   json.RawMessage(`{"orderId":"ORDER-5"}`),
		Headers:   map[string]string{"Authorization": "Bearer secret-key"},
		Attempts:  5,
		CreatedAt: e.clock.Now(),
	}, "HTTP 503", e.clock.Now())))
	require.NoError(t, e.engine.Requeue(ctx, delivery.Task{
		TaskID: "ORDER-6", Kind: delivery.KindWebhookCall, TargetURL: "http://x", NextRetryAt: next,
	}))

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/retry/stats", nil))
	var stats statsResponse
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.Stats.Pending)
	assert.Equal(t, 1, stats.Stats.DeadLetters)
	require.NotNil(t, stats.Stats.OldestRetry)
	assert.Equal(t, next.Format(time.RFC3339), *stats.Stats.OldestRetry)

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/retry/dead-letters?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-key")
	var dls deadLettersResponse
	decode(t, w, &dls)
	assert.True(t, dls.Success)
	require.Equal(t, 1, dls.Count)
	assert.Equal(t, "ORDER-5", dls.DeadLetters[0].TaskID)
	assert.Equal(t, delivery.KindMintRequest, dls.DeadLetters[0].Kind)
	assert.Equal(t, 5, dls.DeadLetters[0].Attempts)
	assert.Equal(t, "HTTP 503", dls.DeadLetters[0].FinalError)
}

func TestBodyTooLarge(t *testing.T) {
	e := newEnv(t, "")
	body := `{"type":"VOTE_CAST","payload":{"x":"` + strings.Repeat("a", maxBodyBytes) + `"}}`
	w := e.do(signedPost("/events", body, ""))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestOptionalRoutes(t *testing.T) {
	quietLogs(t)
	srv := New(Deps{
		Bus:     bus.New(failingLog{}),
		Signer:  signer.New(testSecret),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "metrics") }),
		Gateway: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "ws") }),
		WSPath:  "/feed",
	})
	for path, want := range map[string]string{"/metrics": "metrics", "/feed": "ws"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Body.String())
	}
}
