package rest

import (
	"net/http"
	"strconv"
	"time"
)

const (
	// maxAttempts bounds how many times one logical request hits the
	// original endpoint because of rate limiting.
	maxAttempts = 3

	// defaultRetryAfter is used when the server sends no Retry-After header.
	defaultRetryAfter = time.Second

	// maxRetryAfter caps the backoff wait regardless of what the server
	// suggests, so a single slow backoff cannot stall a UI action.
	maxRetryAfter = 5 * time.Second
)

// retryState tracks the bounded retry budget for one logical request,
// including its refresh-and-retry excursion. Not persisted; lives only
// for the duration of one Client.Do call.
type retryState struct {
	attempt     int
	maxAttempts int
	refreshed   bool
}

func newRetryState() *retryState {
	return &retryState{attempt: 1, maxAttempts: maxAttempts}
}

// retryRateLimited reports whether another attempt is allowed after a
// rate-limit response, consuming one attempt if so.
func (r *retryState) retryRateLimited() bool {
	if r.attempt >= r.maxAttempts {
		return false
	}
	r.attempt++
	return true
}

// retryAuth reports whether a silent-refresh retry is still allowed.
// At most one refresh per logical request, to avoid refresh-loop
// amplification.
func (r *retryState) retryAuth() bool {
	if r.refreshed {
		return false
	}
	r.refreshed = true
	return true
}

// retryAfterDelay derives the backoff wait from the response's
// Retry-After header (seconds), capped at maxRetryAfter.
func retryAfterDelay(resp *http.Response, ceiling time.Duration) time.Duration {
	d := defaultRetryAfter
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		}
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
