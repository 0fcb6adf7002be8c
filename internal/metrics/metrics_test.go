package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(reg)

	// Record some values so vector metrics appear in Gather()
	RecordEvent("FLOWPAY:PAYMENT_RECEIVED", "ingress")
	RecordReactor("payment-to-mint", "success", 100*time.Millisecond)
	RecordHTTPCall("factory", "POST", 200, 50*time.Millisecond)
	RecordRetryQueued("MINT_REQUEST", "timeout")
	RecordRetryAttempt("MINT_REQUEST", "rescheduled")
	RecordDeadLetter("MINT_REQUEST")
	RecordRelay("nexus_events", nil)
	ObservePersist(time.Millisecond)
	UpdateQueueSizes(1, 1)
	ConnectionOpened()

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
	}

	for _, expected := range []string{
		"nexus_events_total",
		"nexus_reactor_executions_total",
		"nexus_reactor_duration_seconds",
		"nexus_http_calls_total",
		"nexus_http_call_duration_seconds",
		"nexus_retry_queue_additions_total",
		"nexus_retry_attempts_total",
		"nexus_dead_letter_queue_additions_total",
		"nexus_relay_published_total",
		"nexus_event_persist_duration_seconds",
		"nexus_retry_queue_size",
		"nexus_dead_letter_queue_size",
		"nexus_websocket_connections",
	} {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordEvent(t *testing.T) {
	EventsTotal.Reset()

	tests := []struct {
		name      string
		eventType string
		source    string
		calls     int
	}{
		{name: "single event", eventType: "FACTORY:MINT_CONFIRMED", source: "webhook:factory", calls: 1},
		{name: "multiple events", eventType: "FLOWPAY:PAYMENT_RECEIVED", source: "ingress", calls: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordEvent(tt.eventType, tt.source)
			}
			value := testutil.ToFloat64(EventsTotal.WithLabelValues(tt.eventType, tt.source))
			if value != float64(tt.calls) {
				t.Errorf("RecordEvent() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordHTTPCall(t *testing.T) {
	HTTPCallsTotal.Reset()

	RecordHTTPCall("factory", "POST", 503, time.Second)
	RecordHTTPCall("factory", "POST", 0, 30*time.Second)
	RecordHTTPCall("factory", "POST", 0, 30*time.Second)

	if v := testutil.ToFloat64(HTTPCallsTotal.WithLabelValues("factory", "POST", "503")); v != 1 {
		t.Errorf("RecordHTTPCall() 503 counter = %f, want 1", v)
	}
	if v := testutil.ToFloat64(HTTPCallsTotal.WithLabelValues("factory", "POST", "error")); v != 2 {
		t.Errorf("RecordHTTPCall() error counter = %f, want 2", v)
	}
}

func TestRecordReactor(t *testing.T) {
	ReactorExecutionsTotal.Reset()

	RecordReactor("mint-to-notify", "success", time.Second)
	RecordReactor("mint-to-notify", "error", time.Second)
	RecordReactor("mint-to-notify", "success", time.Second)

	if v := testutil.ToFloat64(ReactorExecutionsTotal.WithLabelValues("mint-to-notify", "success")); v != 2 {
		t.Errorf("RecordReactor() success counter = %f, want 2", v)
	}
}

func TestRetryCounters(t *testing.T) {
	RetryQueueAdditionsTotal.Reset()
	DeadLetterAdditionsTotal.Reset()
	RetryAttemptsTotal.Reset()

	RecordRetryQueued("MINT_REQUEST", "timeout")
	RecordRetryQueued("MINT_REQUEST", "timeout")
	RecordRetryAttempt("MINT_REQUEST", "dead_lettered")
	RecordDeadLetter("MINT_REQUEST")

	if v := testutil.ToFloat64(RetryQueueAdditionsTotal.WithLabelValues("MINT_REQUEST", "timeout")); v != 2 {
		t.Errorf("RecordRetryQueued() counter = %f, want 2", v)
	}
	if v := testutil.ToFloat64(RetryAttemptsTotal.WithLabelValues("MINT_REQUEST", "dead_lettered")); v != 1 {
		t.Errorf("RecordRetryAttempt() counter = %f, want 1", v)
	}
	if v := testutil.ToFloat64(DeadLetterAdditionsTotal.WithLabelValues("MINT_REQUEST")); v != 1 {
		t.Errorf("RecordDeadLetter() counter = %f, want 1", v)
	}
}

func TestRecordRelay(t *testing.T) {
	RelayPublishedTotal.Reset()

	RecordRelay("nexus_events", nil)
	RecordRelay("nexus_events", errors.New("broker down"))
	RecordRelayDropped("nexus_events")

	if v := testutil.ToFloat64(RelayPublishedTotal.WithLabelValues("nexus_events", "ok")); v != 1 {
		t.Errorf("RecordRelay() ok counter = %f, want 1", v)
	}
	if v := testutil.ToFloat64(RelayPublishedTotal.WithLabelValues("nexus_events", "error")); v != 1 {
		t.Errorf("RecordRelay() error counter = %f, want 1", v)
	}
	if v := testutil.ToFloat64(RelayPublishedTotal.WithLabelValues("nexus_events", "dropped")); v != 1 {
		t.Errorf("RecordRelayDropped() counter = %f, want 1", v)
	}
}

func TestGauges(t *testing.T) {
	UpdateQueueSizes(7, 3)
	if v := testutil.ToFloat64(RetryQueueSize); v != 7 {
		t.Errorf("UpdateQueueSizes() pending gauge = %f, want 7", v)
	}
	if v := testutil.ToFloat64(DeadLetterQueueSize); v != 3 {
		t.Errorf("UpdateQueueSizes() dead letter gauge = %f, want 3", v)
	}

	WebsocketConnections.Set(0)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	if v := testutil.ToFloat64(WebsocketConnections); v != 1 {
		t.Errorf("websocket gauge = %f, want 1", v)
	}
}

func TestMetricsExposition(t *testing.T) {
	EventsTotal.Reset()
	RecordEvent("NEXUS:START", "internal")

	expected := `
# HELP nexus_events_total Total number of events accepted onto the bus.
# TYPE nexus_events_total counter
nexus_events_total{event_type="NEXUS:START",source="internal"} 1
`
	if err := testutil.CollectAndCompare(EventsTotal, strings.NewReader(expected), "nexus_events_total"); err != nil {
		t.Errorf("CollectAndCompare() error: %v", err)
	}
}
