// Package execution runs provider registrations outside the
// timing-critical prewarm window (manual mode), with bounded retry and a
// terminal fallback strategy. Unlike the prewarm executor there is no
// deadline window here, so retry spans scheduling cycles.
package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the closed set of attempt error classes. Retry policy is
// an exhaustive mapping over these kinds; no message sniffing.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindFormMismatch
	KindProviderError // provider returned 5xx
	KindFatal
)

// String returns the kind name for logs.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindFormMismatch:
		return "form_mismatch"
	case KindProviderError:
		return "provider_error"
	default:
		return "fatal"
	}
}

// Retryable reports whether the kind is worth another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindFormMismatch, KindProviderError:
		return true
	default:
		return false
	}
}

// AttemptError is a classified registration-attempt failure.
type AttemptError struct {
	Kind ErrorKind
	Err  error
}

// NewAttemptError wraps err with a kind.
func NewAttemptError(kind ErrorKind, err error) *AttemptError {
	return &AttemptError{Kind: kind, Err: err}
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Classify maps an attempt error to its kind. Pre-classified errors keep
// their kind; plain network and deadline errors are recognized; anything
// else is fatal.
func Classify(err error) ErrorKind {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindFatal
}
