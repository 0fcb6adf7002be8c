package event

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		want   Type
		wantOK bool
	}{
		{"FACTORY:MINT_CONFIRMED", MintConfirmed, true},
		{"MINT_CONFIRMED", MintConfirmed, true},
		{" PAYMENT_RECEIVED ", PaymentReceived, true},
		{"FLOWPAY:NOPE", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Parse(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTypeParts(t *testing.T) {
	if got := PaymentReceived.Family(); got != "FLOWPAY" {
		t.Errorf("Family() = %q, want %q", got, "FLOWPAY")
	}
	if got := PaymentReceived.Name(); got != "PAYMENT_RECEIVED" {
		t.Errorf("Name() = %q, want %q", got, "PAYMENT_RECEIVED")
	}
	if Type("MINT_CONFIRMED").Valid() {
		t.Error("short name should not be Valid() without Parse")
	}
	if len(All()) != 10 {
		t.Errorf("All() len = %d, want 10", len(All()))
	}
}

func TestNewMintRequest(t *testing.T) {
	var p Payment
	if err := json.Unmarshal([]byte(`{"orderId":"ORDER-1","amount":10,"currency":"BRL","payerId":"0xabc"}`), &p); err != nil {
		t.Fatalf("unmarshal payment: %v", err)
	}
	m := NewMintRequest(p)
	want := MintRequest{TargetAddress: "0xabc", TokenID: "NEOFLW", Amount: "10", Reason: "purchase", RefTransactionID: "ORDER-1"}
	if m != want {
		t.Errorf("NewMintRequest() = %+v, want %+v", m, want)
	}
}

func TestAmountAcceptsStringAndNumber(t *testing.T) {
	for _, in := range []string{`"12.50"`, `12.50`} {
		var a Amount
		if err := json.Unmarshal([]byte(in), &a); err != nil {
			t.Fatalf("Unmarshal(%s) error: %v", in, err)
		}
		if a.String() != "12.50" {
			t.Errorf("Unmarshal(%s) = %q, want %q", in, a, "12.50")
		}
	}
	var a Amount
	if err := json.Unmarshal([]byte(`true`), &a); err == nil {
		t.Error("Unmarshal(true) error = nil, want error")
	}
}
