package directory

import (
	"errors"
	"fmt"
)

// Kind classifies a lookup failure. The classification decides whether the
// retry loop re-attempts the call, so a Kind is never coerced after the
// failure is first observed.
type Kind int

const (
	// KindRetryable covers network errors, HTTP timeouts, 429 and 5xx.
	KindRetryable Kind = iota
	// KindNonRetryable covers every other non-2xx response. Never retried.
	KindNonRetryable
	// KindTimeout is the per-subject stage timeout, distinct from the HTTP
	// client's own timeout.
	KindTimeout
	// KindParse is a malformed JSON payload from an otherwise successful call.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNonRetryable:
		return "non_retryable"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is a classified directory lookup failure.
type Error struct {
	Kind    Kind
	Status  int // HTTP status when one was received, 0 otherwise
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("directory lookup %s: status=%d %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("directory lookup %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a lookup failure the backoff loop may
// re-attempt.
func IsRetryable(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == KindRetryable
}
