// Package faults defines the error taxonomy shared by the bus, the retry
// engine and the HTTP layer.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies an error by how the system must react to it.
type Kind int

const (
	Unknown    Kind = iota
	Auth            // bad or missing signature/token, rejected at the boundary
	Validation      // malformed body, unknown event type
	TooLarge        // oversized payload, a Validation flavour
	Upstream        // non-2xx from a downstream target
	Transport       // timeout or network failure
	Terminal        // retries exhausted
	Storage         // durable store unavailable
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	case TooLarge:
		return "too_large"
	case Upstream:
		return "upstream"
	case Transport:
		return "transport"
	case Terminal:
		return "terminal"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind   Kind
	Op     string
	Status int // HTTP status from the upstream, if any
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func AuthError(op string, err error) error       { return newError(Auth, op, err) }
func ValidationError(op string, err error) error { return newError(Validation, op, err) }
func TooLargeError(op string, err error) error   { return newError(TooLarge, op, err) }
func TransportError(op string, err error) error  { return newError(Transport, op, err) }
func TerminalError(op string, err error) error   { return newError(Terminal, op, err) }
func StorageError(op string, err error) error    { return newError(Storage, op, err) }

// UpstreamError records a non-success response from a downstream target.
func UpstreamError(op string, status int, body string) error {
	return &Error{Kind: Upstream, Op: op, Status: status, Err: errors.New(body)}
}

// Invalid is shorthand for a ValidationError with a formatted message.
func Invalid(op, format string, args ...any) error {
	return newError(Validation, op, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is of kind k. TooLarge also matches Validation.
func Is(err error, k Kind) bool {
	got := KindOf(err)
	if got == k {
		return true
	}
	return k == Validation && got == TooLarge
}

// StatusOf returns the upstream HTTP status recorded in err, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// HTTPStatus maps an error to the status an API handler should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Auth:
		return http.StatusUnauthorized
	case Validation:
		return http.StatusBadRequest
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case Upstream:
		return http.StatusBadGateway
	case Transport:
		return http.StatusGatewayTimeout
	case Storage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTP classifies the outcome of an outbound call. It returns nil for a
// 2xx response.
func FromHTTP(op string, status int, body string, doErr error) error {
	if doErr != nil {
		return TransportError(op, doErr)
	}
	if status >= 200 && status < 300 {
		return nil
	}
	return UpstreamError(op, status, body)
}

// IsTimeout reports whether err came from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reason returns a short metric label for a failed outbound call.
func Reason(err error) string {
	if err == nil {
		return "none"
	}
	if KindOf(err) == Upstream {
		status := StatusOf(err)
		switch {
		case status == http.StatusTooManyRequests:
			return "http_429"
		case status >= 500:
			return "http_5xx"
		case status >= 400:
			return "http_4xx"
		}
		return "http_error"
	}
	if IsTimeout(err) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return "dns_error"
	}
	return "network"
}
