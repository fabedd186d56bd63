package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrClass partitions transport failures by how the caller should react.
type ErrClass int

const (
	// ErrTransient retries with backoff.
	ErrTransient ErrClass = iota
	// ErrRateLimited backs off honoring server hints.
	ErrRateLimited
	// ErrAuth never retries; trading pauses for manual review.
	ErrAuth
	// ErrPermanent never retries; a detailed rejection is recorded.
	ErrPermanent
)

func (c ErrClass) String() string {
	switch c {
	case ErrTransient:
		return "transient"
	case ErrRateLimited:
		return "rate_limited"
	case ErrAuth:
		return "auth"
	default:
		return "permanent"
	}
}

// APIError wraps a venue error with its classification.
type APIError struct {
	Class ErrClass
	Code  int
	Msg   string
	Err   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange %s error (code %d): %s", e.Class, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// Classify determines the error class of an arbitrary call failure.
// Binance API codes are mapped where known; anything unrecognized that
// looks like a network failure is transient, otherwise permanent.
func Classify(err error) ErrClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}
	msg := err.Error()
	switch {
	case containsCode(msg, -1003), strings.Contains(msg, "429"), strings.Contains(msg, "418"):
		return ErrRateLimited
	case containsCode(msg, -2014), containsCode(msg, -2015), containsCode(msg, -1022):
		return ErrAuth
	case containsCode(msg, -1001), containsCode(msg, -1007), containsCode(msg, -1021),
		strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "EOF"):
		return ErrTransient
	}
	return ErrPermanent
}

// Retryable reports whether the per-call retry policy applies.
func Retryable(err error) bool {
	c := Classify(err)
	return c == ErrTransient || c == ErrRateLimited
}

func containsCode(msg string, code int) bool {
	return strings.Contains(msg, fmt.Sprintf("code=%d", code)) ||
		strings.Contains(msg, fmt.Sprintf("%d,", code))
}

// ErrOrderNotFound is returned by lookups for unknown ids.
var ErrOrderNotFound = &APIError{Class: ErrPermanent, Code: -2013, Msg: "order does not exist"}

// IsUnknownOrder reports whether err means the order is already gone.
// Cancelling an absent order is treated as success by callers.
func IsUnknownOrder(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	msg := err.Error()
	return containsCode(msg, -2011) || containsCode(msg, -2013) ||
		strings.Contains(msg, "Unknown order")
}
