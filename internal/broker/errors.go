package broker

import (
	"fmt"
	"time"
)

// ErrorKind tags an APIError with how callers should react.
type ErrorKind string

const (
	// KindRateLimited means the broker throttled us; retry after RetryAfter.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuthExpired means the session token is no longer valid. Loops that
	// issue broker calls halt; open positions are untouched.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindNetwork covers transport failures and timeouts.
	KindNetwork ErrorKind = "network"
	// KindBroker is a broker-reported application error (Code carries the
	// HTTP status or vendor code).
	KindBroker ErrorKind = "broker"
)

// APIError is the tagged error every Client implementation reports.
type APIError struct {
	Kind       ErrorKind
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("broker: rate limited (retry after %s)", e.RetryAfter)
	case KindAuthExpired:
		return "broker: session expired"
	case KindNetwork:
		return fmt.Sprintf("broker: network: %s", e.Message)
	default:
		return fmt.Sprintf("broker: error %d: %s", e.Code, e.Message)
	}
}

// Transient reports whether a retry could plausibly succeed: rate limits,
// network failures and 5xx broker errors. Auth expiry and 4xx are permanent.
func (e *APIError) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork:
		return true
	case KindBroker:
		return e.Code >= 500
	default:
		return false
	}
}

// NewRateLimited builds a throttle error with the broker-suggested delay.
func NewRateLimited(retryAfter time.Duration) *APIError {
	return &APIError{Kind: KindRateLimited, Code: 429, RetryAfter: retryAfter}
}

// NewAuthExpired builds a session-expiry error.
func NewAuthExpired() *APIError {
	return &APIError{Kind: KindAuthExpired, Code: 403}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(err error) *APIError {
	return &APIError{Kind: KindNetwork, Message: err.Error()}
}

// NewBrokerError wraps a broker-reported failure.
func NewBrokerError(code int, msg string) *APIError {
	return &APIError{Kind: KindBroker, Code: code, Message: msg}
}
