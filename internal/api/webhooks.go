package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/signer"
)

var (
	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
	addressRe  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

type webhookMetadata struct {
	TxHash  string `json:"txHash"`
	Reason  string `json:"reason"`
	OrderID string `json:"orderId"`
}

type flowPayWebhook struct {
	OrderID  string          `json:"orderId"`
	Amount   event.Amount    `json:"amount"`
	Currency string          `json:"currency"`
	PayerID  string          `json:"payerId"`
	Status   string          `json:"status"`
	Metadata webhookMetadata `json:"metadata"`
}

type factoryWebhook struct {
	OrderID         string          `json:"orderId"`
	ContractAddress string          `json:"contractAddress"`
	Status          string          `json:"status"`
	TxHash          string          `json:"txHash"`
	Metadata        webhookMetadata `json:"metadata"`
}

type paymentFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type mintConfirmed struct {
	OrderID         string `json:"orderId,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

type mintFailed struct {
	OrderID         string `json:"orderId,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type webhookResponse struct {
	Status  string `json:"status"`
	Event   string `json:"event,omitempty"`
	EventID int64  `json:"eventId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// readWebhook reads, verifies and decodes a provider webhook into v.
func (s *Server) readWebhook(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err, "")
		return false
	}
	if err := s.verify(r, body, signer.Header, signer.FlowPayHeader); err != nil {
		writeError(w, err, "")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, faults.ValidationError("decode webhook", err), "Malformed webhook body")
		return false
	}
	return true
}

func validFlowPay(p flowPayWebhook) (string, bool) {
	switch {
	case p.OrderID == "" || p.Amount == "" || p.Amount == "0" || p.Currency == "" || p.PayerID == "" || p.Status == "":
		return "Missing required fields: orderId, amount, currency, payerId, status", false
	case len(p.OrderID) > 100:
		return "Invalid orderId format", false
	case len(p.PayerID) > 100:
		return "Invalid payerId format", false
	case !currencyRe.MatchString(p.Currency):
		return "Invalid currency format (expected ISO 4217)", false
	}
	switch p.Status {
	case "confirmed", "completed", "failed", "pending":
		return "", true
	}
	return "Invalid status value", false
}

// handleFlowPay translates a payment provider notification into
// PAYMENT_RECEIVED or PAYMENT_FAILED.
func (s *Server) handleFlowPay(w http.ResponseWriter, r *http.Request) {
	var p flowPayWebhook
	if !s.readWebhook(w, r, &p) {
		return
	}
	if msg, ok := validFlowPay(p); !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad Request", Message: msg})
		return
	}

	s.logger.WithContext(r.Context()).WithTask(p.OrderID).WithField("status", p.Status).
		Info("flowpay notification received")

	switch p.Status {
	case "confirmed", "completed":
		s.submit(w, r, event.PaymentReceived, "webhook:flowpay", event.Payment{
			OrderID:   p.OrderID,
			Amount:    p.Amount,
			Currency:  p.Currency,
			PayerID:   p.PayerID,
			TxHash:    p.Metadata.TxHash,
			Timestamp: s.now().UnixMilli(),
		})
	case "failed":
		s.submit(w, r, event.PaymentFailed, "webhook:flowpay", paymentFailed{OrderID: p.OrderID, Reason: p.Metadata.Reason})
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: "unhandled_status"})
	}
}

// handleFactory translates a minting provider notification into
// MINT_CONFIRMED or MINT_FAILED.
func (s *Server) handleFactory(w http.ResponseWriter, r *http.Request) {
	var p factoryWebhook
	if !s.readWebhook(w, r, &p) {
		return
	}
	if p.Status == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad Request", Message: "Missing required field: status"})
		return
	}
	switch p.Status {
	case "deployed", "confirmed", "failed", "pending":
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad Request", Message: "Invalid status value"})
		return
	}
	if p.ContractAddress != "" && !addressRe.MatchString(p.ContractAddress) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad Request", Message: "Invalid contractAddress format"})
		return
	}

	orderID := p.OrderID
	if orderID == "" {
		orderID = p.Metadata.OrderID
	}
	txHash := p.TxHash
	if txHash == "" {
		txHash = p.Metadata.TxHash
	}

	s.logger.WithContext(r.Context()).WithField("status", p.Status).
		WithField("contract", p.ContractAddress).
		Info("factory notification received")

	switch p.Status {
	case "deployed", "confirmed":
		s.submit(w, r, event.MintConfirmed, "webhook:factory", mintConfirmed{
			OrderID:         orderID,
			ContractAddress: p.ContractAddress,
			TxHash:          txHash,
			Timestamp:       s.now().UnixMilli(),
		})
	case "failed":
		s.submit(w, r, event.MintFailed, "webhook:factory", mintFailed{
			OrderID:         orderID,
			ContractAddress: p.ContractAddress,
			Reason:          p.Metadata.Reason,
		})
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: "unhandled_status"})
	}
}

// submit dispatches and persists a canonical event built by an adapter.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, t event.Type, source string, payload any) {
	ctx := r.Context()
	raw, err := json.Marshal(payload)
	if err != nil {
		writeError(w, err, "")
		return
	}
	s.bus.Dispatch(ctx, t, raw)
	id, err := s.bus.Persist(ctx, t, raw, source)
	if err != nil {
		writeError(w, err, "Failed to persist event")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: "processed", Event: t.Name(), EventID: id})
}
