package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/tracing"
)

const (
	DefaultCallTimeout = 30 * time.Second
	maxResponseBody    = 64 << 10
	maxErrorBody       = 200
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is the outcome of a completed outbound call.
type Response struct {
	Status  int
	Body    []byte
	Latency time.Duration
}

// Post sends body to url with the given headers and a bounded timeout.
// target labels metrics. Non-2xx answers come back as Upstream faults,
// timeouts and network failures as Transport faults.
func Post(ctx context.Context, client Doer, target, url string, headers map[string]string, body []byte, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "http.post",
		attribute.String("http.target", target),
		attribute.String("http.url", url),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, faults.ValidationError("delivery.Post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	// The current span replaces any stored traceparent so the call nests
	// under whichever trace carried the task here.
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := client.Do(req)
	out := Response{Latency: time.Since(start)}
	if doErr == nil {
		out.Status = resp.StatusCode
		out.Body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()
	}

	metrics.RecordHTTPCall(target, http.MethodPost, out.Status, out.Latency)
	span.SetAttributes(
		attribute.Int("http.status_code", out.Status),
		attribute.Int64("http.latency_ms", out.Latency.Milliseconds()),
	)

	if err := faults.FromHTTP("POST "+target, out.Status, logging.Truncate(string(out.Body), maxErrorBody), doErr); err != nil {
		tracing.SetSpanError(ctx, err)
		span.SetAttributes(attribute.String("failure_reason", faults.Reason(err)))
		return out, err
	}
	return out, nil
}
