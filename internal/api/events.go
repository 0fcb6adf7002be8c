package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/signer"
	"github.com/austindbirch/nexus/internal/store"
)

type ingestRequest struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ingestResponse struct {
	Status    string     `json:"status"`
	Event     event.Type `json:"event"`
	EventID   int64      `json:"eventId"`
	Timestamp int64      `json:"timestamp"`
}

type invalidTypeBody struct {
	errorBody
	ValidEvents []event.Type `json:"validEvents"`
}

type tooLargeBody struct {
	errorBody
	Size int `json:"size"`
}

// handleIngest accepts a signed {type|event, payload}, dispatches it and
// persists it before answering.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if err := s.verify(r, body, signer.Header); err != nil {
		writeError(w, err, "")
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, faults.ValidationError("decode event", err), "Malformed JSON body")
		return
	}

	name := req.Type
	if name == "" {
		name = req.Event
	}
	if name == "" {
		writeError(w, faults.Invalid("ingest", "missing type"), `Missing or invalid "type" field`)
		return
	}
	t, ok := event.Parse(name)
	if !ok {
		writeJSON(w, http.StatusBadRequest, invalidTypeBody{
			errorBody:   errorBody{Error: "Bad Request", Message: "Invalid event type: " + name},
			ValidEvents: event.All(),
		})
		return
	}

	payload, err := normalizePayload(req.Payload)
	if err != nil {
		if faults.Is(err, faults.TooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, tooLargeBody{
				errorBody: errorBody{Error: "Payload Too Large", Message: "Payload exceeds 50KB limit"},
				Size:      len(payload),
			})
			return
		}
		writeError(w, err, "")
		return
	}

	ev := s.bus.Dispatch(ctx, t, payload)
	id, err := s.bus.Persist(ctx, t, ev.Payload, clientIP(r))
	if err != nil {
		// Handlers already ran; the caller may resend.
		writeError(w, err, "Failed to persist event")
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Status:    "dispatched",
		Event:     t,
		EventID:   id,
		Timestamp: s.now().UnixMilli(),
	})
}

// normalizePayload requires a JSON object and returns it compacted. On a
// size violation the compacted payload is still returned for reporting.
func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, faults.Invalid("ingest", `Missing "payload" field`)
	}
	if trimmed[0] != '{' {
		return nil, faults.Invalid("ingest", "Payload must be an object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, faults.ValidationError("ingest", err)
	}
	if buf.Len() > MaxPayloadBytes {
		return buf.Bytes(), faults.TooLargeError("ingest", fmt.Errorf("payload is %d bytes", buf.Len()))
	}
	return buf.Bytes(), nil
}

type eventLogResponse struct {
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Events []event.Record `json:"events"`
}

// handleEventLog lists persisted events newest first. The signature covers
// the raw query string.
func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	if err := s.verify(r, []byte(r.URL.RawQuery), signer.Header); err != nil {
		writeError(w, err, "")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	limit = store.ClampLimit(limit, store.DefaultEventLimit, store.MaxEventLimit)

	filter := store.EventFilter{Limit: limit}
	name := q.Get("type")
	if name == "" {
		name = q.Get("event")
	}
	if name != "" {
		t, ok := event.Parse(name)
		if !ok {
			writeJSON(w, http.StatusBadRequest, invalidTypeBody{
				errorBody:   errorBody{Error: "Bad Request", Message: "Invalid event type: " + name},
				ValidEvents: event.All(),
			})
			return
		}
		filter.Type = t
	}

	records, err := s.bus.EventLog(r.Context(), filter)
	if err != nil {
		writeError(w, err, "Failed to retrieve event log")
		return
	}
	if records == nil {
		records = []event.Record{}
	}
	writeJSON(w, http.StatusOK, eventLogResponse{Count: len(records), Limit: limit, Events: records})
}
