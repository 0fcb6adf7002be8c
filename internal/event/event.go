package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is a protocol event type. The string value is the wire format.
type Type string

const (
	PaymentReceived  Type = "FLOWPAY:PAYMENT_RECEIVED"
	PaymentFailed    Type = "FLOWPAY:PAYMENT_FAILED"
	MintRequested    Type = "FACTORY:MINT_REQUESTED"
	MintConfirmed    Type = "FACTORY:MINT_CONFIRMED"
	MintFailed       Type = "FACTORY:MINT_FAILED"
	ContractDeployed Type = "FACTORY:CONTRACT_DEPLOYED"
	ProposalCreated  Type = "FLUXX:PROPOSAL_CREATED"
	VoteCast         Type = "FLUXX:VOTE_CAST"
	IdentityVerified Type = "MIO:IDENTITY_VERIFIED"
	NexusStart       Type = "NEXUS:START"
)

var all = []Type{
	PaymentReceived,
	PaymentFailed,
	MintRequested,
	MintConfirmed,
	MintFailed,
	ContractDeployed,
	ProposalCreated,
	VoteCast,
	IdentityVerified,
	NexusStart,
}

// All returns every known event type in declaration order.
func All() []Type {
	out := make([]Type, len(all))
	copy(out, all)
	return out
}

// Parse resolves either the full wire value ("FACTORY:MINT_CONFIRMED") or
// the short name ("MINT_CONFIRMED") to a known Type.
func Parse(s string) (Type, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, t := range all {
		if string(t) == s || t.Name() == s {
			return t, true
		}
	}
	return "", false
}

// Valid reports whether t is part of the enumeration.
func (t Type) Valid() bool {
	for _, k := range all {
		if k == t {
			return true
		}
	}
	return false
}

// Family is the producing node prefix, e.g. "FLOWPAY".
func (t Type) Family() string {
	if i := strings.IndexByte(string(t), ':'); i >= 0 {
		return string(t)[:i]
	}
	return ""
}

// Name is the part after the family prefix, e.g. "PAYMENT_RECEIVED".
func (t Type) Name() string {
	if i := strings.IndexByte(string(t), ':'); i >= 0 {
		return string(t)[i+1:]
	}
	return string(t)
}

func (t Type) String() string { return string(t) }

// Event is a dispatched event. Payload is opaque to the bus.
type Event struct {
	Type      Type            `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Record is a persisted audit log entry.
type Record struct {
	ID        int64           `json:"id"`
	Type      Type            `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}
