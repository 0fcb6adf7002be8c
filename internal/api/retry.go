package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/store"
)

type statsView struct {
	Pending     int     `json:"pending"`
	DeadLetters int     `json:"deadLetters"`
	OldestRetry *string `json:"oldestRetry"`
}

type statsResponse struct {
	Success bool      `json:"success"`
	Stats   statsView `json:"stats"`
}

// deadLetterView omits the stored request headers, which hold credentials.
type deadLetterView struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"taskId"`
	Kind       string          `json:"type"`
	TargetURL  string          `json:"targetUrl"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	FinalError string          `json:"finalError"`
	CreatedAt  string          `json:"createdAt"`
	FailedAt   string          `json:"failedAt"`
}

type deadLettersResponse struct {
	Success     bool             `json:"success"`
	Count       int              `json:"count"`
	DeadLetters []deadLetterView `json:"deadLetters"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.retry.Stats(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("failed to read retry stats")
		writeJSON(w, http.StatusInternalServerError, failureResponse{Error: "Internal server error"})
		return
	}
	view := statsView{Pending: st.Pending, DeadLetters: st.DeadLetters}
	if st.OldestRetry != nil {
		v := rfc3339(*st.OldestRetry)
		view.OldestRetry = &v
	}
	writeJSON(w, http.StatusOK, statsResponse{Success: true, Stats: view})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	limit = store.ClampLimit(limit, store.DefaultDLQLimit, store.MaxDLQLimit)

	entries, err := s.retry.DeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("failed to read dead letters")
		writeJSON(w, http.StatusInternalServerError, failureResponse{Error: "Internal server error"})
		return
	}

	out := make([]deadLetterView, 0, len(entries))
	for _, dl := range entries {
		out = append(out, newDeadLetterView(dl))
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{Success: true, Count: len(out), DeadLetters: out})
}

func newDeadLetterView(dl delivery.DeadLetter) deadLetterView {
	return deadLetterView{
		ID:         dl.ID,
		TaskID:     dl.TaskID,
		Kind:       dl.Kind,
		TargetURL:  dl.TargetURL,
		Payload:    dl.Payload,
		Attempts:   dl.Attempts,
		FinalError: dl.FinalError,
		CreatedAt:  rfc3339(dl.CreatedAt),
		FailedAt:   rfc3339(dl.FailedAt),
	}
}
