package rest

import (
	"errors"
	"fmt"
)

// Kind classifies a request failure so callers can distinguish
// "the server rejected this" from "we could not reach the server".
type Kind int

const (
	// KindAPI is any non-success HTTP status not covered by a more
	// specific kind. Carries the original status code.
	KindAPI Kind = iota
	// KindNetwork is a transport-level failure (DNS, refused, timeout).
	// No HTTP response was received.
	KindNetwork
	// KindRateLimited means the retry budget against 429 was exhausted.
	KindRateLimited
	// KindSessionExpired means the silent token refresh failed, or the
	// retried request was rejected again after a successful refresh.
	KindSessionExpired
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "api"
	}
}

// Error is the uniform error type returned by Client.
type Error struct {
	Kind    Kind
	Status  int // HTTP status of the final response, 0 for network errors
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// statusPhrases are the fallback messages used when an error response
// body carries no structured message.
var statusPhrases = map[int]string{
	400: "Invalid request",
	403: "Forbidden",
	404: "Not found",
	500: "Server error",
}

func statusPhrase(status int) string {
	if p, ok := statusPhrases[status]; ok {
		return p
	}
	return fmt.Sprintf("Request failed with status %d", status)
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool { return isKind(err, KindNetwork) }

// IsRateLimited reports whether err is an exhausted rate-limit retry.
func IsRateLimited(err error) bool { return isKind(err, KindRateLimited) }

// IsSessionExpired reports whether err means the session could not be
// recovered by a token refresh.
func IsSessionExpired(err error) bool { return isKind(err, KindSessionExpired) }

func isKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
