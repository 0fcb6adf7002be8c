package reactor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/tracing"
)

const maxErrorMessage = 500

type callError struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// mintOutcome is the MINT_REQUESTED payload: the request plus either the
// factory's answer or the failure.
type mintOutcome struct {
	event.MintRequest
	FactoryResponse json.RawMessage `json:"factoryResponse,omitempty"`
	Error           *callError      `json:"error,omitempty"`
}

// HandlePayment turns a confirmed payment into a mint request. Failed calls
// are recorded as failure-tagged MINT_REQUESTED events and queued for retry
// under the order id.
func (c *Chain) HandlePayment(ctx context.Context, ev event.Event) (err error) {
	var p event.Payment
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return faults.ValidationError("reactor.HandlePayment", err)
	}
	if p.OrderID == "" {
		return faults.Invalid("reactor.HandlePayment", "payment has no orderId")
	}

	log := c.logger.WithContext(ctx).WithReactor(PaymentToMint).WithTask(p.OrderID)
	log.WithFields(map[string]any{
		"amount":   p.Amount.String(),
		"currency": p.Currency,
		"payer":    p.PayerID,
	}).Info("payment confirmed")

	mint := event.NewMintRequest(p)

	if !c.factory.Configured() {
		log.Warn("minting service not configured, dispatching MINT_REQUESTED only")
		body, _ := json.Marshal(mint)
		c.bus.Dispatch(ctx, event.MintRequested, body)
		_, err := c.bus.Persist(ctx, event.MintRequested, body, "reactor:"+PaymentToMint)
		return err
	}

	body, err := json.Marshal(mint)
	if err != nil {
		return fmt.Errorf("encode mint request: %w", err)
	}

	headers := tracing.InjectHeaders(ctx)
	headers["Authorization"] = "Bearer " + c.factory.APIKey
	headers["Content-Type"] = "application/json"

	task := delivery.Task{
		TaskID:     p.OrderID,
		Kind:       delivery.KindMintRequest,
		TargetURL:  c.factory.URL + "/api/mint",
		Payload:    body,
		Headers:    headers,
		MaxRetries: delivery.DefaultMaxRetries,
	}

	// From here on the call is fully described; a crash must still leave
	// the work in the retry queue.
	queued := false
	defer func() {
		if r := recover(); r != nil {
			if !queued {
				c.enqueue(ctx, task, "panic", fmt.Sprint(r))
			}
			panic(r)
		}
	}()

	log.WithField("url", task.TargetURL).Info("calling minting service")
	resp, callErr := delivery.Post(ctx, c.client, "factory", task.TargetURL, task.Headers, body, c.timeout)
	if callErr == nil {
		out := mintOutcome{MintRequest: mint, FactoryResponse: jsonOrString(resp.Body)}
		payload, _ := json.Marshal(out)
		c.bus.Dispatch(ctx, event.MintRequested, payload)
		if _, err := c.bus.Persist(ctx, event.MintRequested, payload, "reactor:"+PaymentToMint); err != nil {
			return err
		}
		log.WithField("status", resp.Status).Info("mint request accepted")
		return nil
	}

	reason := faults.Reason(callErr)
	source, failure := describeFailure(callErr)
	failurePayload, _ := json.Marshal(mintOutcome{MintRequest: mint, Error: failure})
	if _, err := c.bus.Persist(ctx, event.MintRequested, failurePayload, source); err != nil {
		log.WithError(err).Error("failed to persist failure-tagged event")
	}

	queued = c.enqueue(ctx, task, reason, callErr.Error())
	return callErr
}

func (c *Chain) enqueue(ctx context.Context, task delivery.Task, reason, cause string) bool {
	task.NextRetryAt = c.now().UTC().Add(firstRetryDelay)
	task.LastError = cause
	log := c.logger.WithContext(ctx).WithReactor(PaymentToMint).WithTask(task.TaskID)
	if err := c.queue.Requeue(ctx, task); err != nil {
		log.WithError(err).Error("failed to queue mint request for retry")
		return false
	}
	metrics.RecordRetryQueued(task.Kind, reason)
	log.WithFields(map[string]any{
		"reason":        reason,
		"next_retry_at": task.NextRetryAt,
	}).Warn("mint request queued for retry")
	return true
}

func describeFailure(err error) (string, *callError) {
	src := "reactor:" + PaymentToMint
	switch {
	case faults.KindOf(err) == faults.Upstream:
		return src + ":error", &callError{
			Status:  faults.StatusOf(err),
			Message: logging.Truncate(err.Error(), maxErrorMessage),
		}
	case faults.IsTimeout(err):
		return src + ":timeout", &callError{Message: "Request timeout"}
	default:
		return src + ":network-error", &callError{Message: logging.Truncate(err.Error(), maxErrorMessage)}
	}
}

func jsonOrString(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}
