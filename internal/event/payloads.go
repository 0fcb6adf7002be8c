package event

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Payment is the payload of PAYMENT_RECEIVED.
type Payment struct {
	OrderID   string         `json:"orderId"`
	Amount    Amount         `json:"amount"`
	Currency  string         `json:"currency"`
	PayerID   string         `json:"payerId"`
	TxHash    string         `json:"txHash,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MintRequest is the body sent to the minting service and the payload of
// MINT_REQUESTED.
type MintRequest struct {
	TargetAddress    string `json:"targetAddress"`
	TokenID          string `json:"tokenId"`
	Amount           string `json:"amount"`
	Reason           string `json:"reason"`
	RefTransactionID string `json:"refTransactionId,omitempty"`
}

// NewMintRequest maps a confirmed payment to a purchase mint.
func NewMintRequest(p Payment) MintRequest {
	return MintRequest{
		TargetAddress:    p.PayerID,
		TokenID:          "NEOFLW",
		Amount:           p.Amount.String(),
		Reason:           "purchase",
		RefTransactionID: p.OrderID,
	}
}

// Notification is the body posted to downstream nodes.
type Notification struct {
	Event     Type            `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Amount accepts either a JSON string or number and keeps its textual form.
type Amount string

func (a *Amount) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount must be a string or number: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseFloat(string(a), 64); err == nil {
		return []byte(a), nil
	}
	return json.Marshal(string(a))
}

func (a Amount) String() string { return string(a) }
