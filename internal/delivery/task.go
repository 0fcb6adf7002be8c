package delivery

import (
	"encoding/json"
	"math"
	"time"
)

// Task kinds.
const (
	KindMintRequest = "MINT_REQUEST"
	KindWebhookCall = "WEBHOOK_CALL"
)

const (
	DefaultMaxRetries = 5
	DefaultFirstDelay = time.Second
)

// Task is a pending outbound call held in the retry queue.
// TaskID is unique across the live queue.
type Task struct {
	TaskID      string            `json:"taskId"`
	Kind        string            `json:"type"`
	TargetURL   string            `json:"targetUrl"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"maxRetries"`
	NextRetryAt time.Time         `json:"nextRetryAt"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Exhausted reports whether one more failure would dead-letter the task.
func (t Task) Exhausted() bool {
	return t.Attempts >= t.MaxRetries
}

// Backoff is the delay after the given number of failed attempts: 2^attempts seconds.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	return time.Duration(math.Pow(2, float64(attempts))) * time.Second
}

// Normalize fills defaults for a task that is about to be (re)queued and
// resets its attempt counter.
func (t *Task) Normalize(now time.Time) {
	t.Attempts = 0
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.NextRetryAt.IsZero() {
		t.NextRetryAt = now.Add(DefaultFirstDelay)
	}
	if t.Headers == nil {
		t.Headers = map[string]string{}
	}
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage("null")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// DeadLetter is the terminal snapshot of a task that ran out of retries.
type DeadLetter struct {
	ID         int64             `json:"id,omitempty"`
	TaskID     string            `json:"taskId"`
	Kind       string            `json:"type"`
	TargetURL  string            `json:"targetUrl"`
	Payload    json.RawMessage   `json:"payload"`
	Headers    map[string]string `json:"headers,omitempty"`
	Attempts   int               `json:"attempts"`
	FinalError string            `json:"finalError"`
	CreatedAt  time.Time         `json:"createdAt"`
	FailedAt   time.Time         `json:"failedAt"`
}

func NewDeadLetter(t Task, finalErr string, at time.Time) DeadLetter {
	return DeadLetter{
		TaskID:     t.TaskID,
		Kind:       t.Kind,
		TargetURL:  t.TargetURL,
		Payload:    t.Payload,
		Headers:    t.Headers,
		Attempts:   t.Attempts,
		FinalError: finalErr,
		CreatedAt:  t.CreatedAt,
		FailedAt:   at,
	}
}

// Stats summarises the retry queue.
type Stats struct {
	Pending     int        `json:"pending"`
	DeadLetters int        `json:"deadLetters"`
	OldestRetry *time.Time `json:"oldestRetry"`
}
