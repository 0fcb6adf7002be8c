// Package api is the HTTP surface of the bus: signed ingress, provider
// webhooks, the event log, retry inspection, health, metrics and the
// websocket upgrade path.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/nexus/internal/auth"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/health"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/signer"
	"github.com/austindbirch/nexus/internal/store"
	"github.com/austindbirch/nexus/internal/tracing"
)

const (
	// MaxPayloadBytes caps the serialized payload of one event.
	MaxPayloadBytes = 50 << 10
	// maxBodyBytes caps any request body before JSON decoding.
	maxBodyBytes = 1 << 20

	RequestIDHeader = "X-Request-Id"
)

type Bus interface {
	Dispatch(ctx context.Context, t event.Type, payload json.RawMessage) event.Event
	Persist(ctx context.Context, t event.Type, payload json.RawMessage, source string) (int64, error)
	EventLog(ctx context.Context, filter store.EventFilter) ([]event.Record, error)
}

type RetryInspector interface {
	Stats(ctx context.Context) (delivery.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error)
}

// Deps wires the server. Health, Gateway, Metrics and Admin are optional.
type Deps struct {
	Bus     Bus
	Retry   RetryInspector
	Signer  *signer.Signer
	Admin   *auth.Validator
	Health  *health.Checker
	Gateway http.Handler
	WSPath  string
	Metrics http.Handler
}

type Server struct {
	bus     Bus
	retry   RetryInspector
	signer  *signer.Signer
	admin   *auth.Validator
	logger  *logging.Logger
	now     func() time.Time
	handler http.Handler
}

func New(d Deps) *Server {
	s := &Server{
		bus:    d.Bus,
		retry:  d.Retry,
		signer: d.Signer,
		admin:  d.Admin,
		logger: logging.New("api"),
		now:    time.Now,
	}
	if !s.signer.Enabled() {
		s.logger.Plain().Error("NEXUS_SECRET not set: signature validation is DISABLED")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleIngest)
	mux.HandleFunc("GET /events/log", s.handleEventLog)
	mux.HandleFunc("POST /api/webhooks/flowpay", s.handleFlowPay)
	mux.HandleFunc("POST /api/webhooks/factory", s.handleFactory)
	mux.Handle("GET /api/retry/stats", d.Admin.Middleware(http.HandlerFunc(s.handleRetryStats)))
	mux.Handle("GET /api/retry/dead-letters", d.Admin.Middleware(http.HandlerFunc(s.handleDeadLetters)))
	if d.Health != nil {
		d.Health.Register(mux)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	if d.Gateway != nil {
		path := d.WSPath
		if path == "" {
			path = "/ws"
		}
		mux.Handle(path, d.Gateway)
	}

	s.handler = s.middleware(mux)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach
// the underlying Hijacker.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// middleware continues the caller's trace, tags the request with an id
// and logs the outcome.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ctx, span := tracing.StartSpan(ctx, "http "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		entry := s.logger.WithContext(ctx).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  reqID,
			"remote":      clientIP(r),
		})
		switch {
		case strings.HasPrefix(r.URL.Path, "/health"), r.URL.Path == "/metrics":
			entry.Debug("request served")
		case rec.status >= 500:
			entry.Error("request failed")
		case rec.status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	})
}

// readBody reads at most maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, faults.TooLargeError("read body", err)
		}
		return nil, faults.ValidationError("read body", err)
	}
	return body, nil
}

// verify checks the signature over signed. With no secret configured every
// request passes and a warning is logged.
func (s *Server) verify(r *http.Request, signed []byte, headers ...string) error {
	if !s.signer.Enabled() {
		s.logger.WithContext(r.Context()).WithField("path", r.URL.Path).
			Warn("skipping signature validation (NEXUS_SECRET not set)")
		return nil
	}
	var sig string
	for _, h := range headers {
		if sig = r.Header.Get(h); sig != "" {
			break
		}
	}
	if err := s.signer.Verify(signed, sig); err != nil {
		s.logger.WithContext(r.Context()).WithField("remote", clientIP(r)).WithError(err).
			Warn("signature rejected")
		return err
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status for err's kind. Storage and unknown
// errors never leak their details.
func writeError(w http.ResponseWriter, err error, message string) {
	code := faults.HTTPStatus(err)
	if message == "" {
		switch faults.KindOf(err) {
		case faults.Auth:
			message = authMessage(err)
		case faults.Validation, faults.TooLarge:
			var fe *faults.Error
			if errors.As(err, &fe) && fe.Err != nil {
				message = fe.Err.Error()
			}
		}
	}
	writeJSON(w, code, errorBody{Error: http.StatusText(code), Message: message})
}

func authMessage(err error) string {
	if errors.Is(err, signer.ErrMissingSignature) {
		return "Missing " + signer.Header + " header"
	}
	return "Invalid signature"
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
