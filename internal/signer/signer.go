// Package signer computes and checks hex HMAC-SHA256 signatures over raw bytes.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/austindbirch/nexus/internal/faults"
)

// Header carries the signature on ingress, webhooks and outbound node calls.
const (
	Header        = "X-Nexus-Signature"
	FlowPayHeader = "X-FlowPay-Signature"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer holds the shared secret. The zero value is disabled.
type Signer struct {
	secret []byte
}

func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign returns the lowercase hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	return Sign(s.secret, body)
}

// Verify checks sig against body in constant time.
func (s *Signer) Verify(body []byte, sig string) error {
	if sig == "" {
		return faults.AuthError("signer.Verify", ErrMissingSignature)
	}
	if !Equal(s.Sign(body), sig) {
		return faults.AuthError("signer.Verify", ErrInvalidSignature)
	}
	return nil
}

// Equal compares two secrets or signatures in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
