package imagegen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies upstream failures for the retry policy.
type ErrorKind int

const (
	// UpstreamTimeout: request deadline exceeded. Retryable.
	UpstreamTimeout ErrorKind = iota + 1
	// UpstreamUnavailable: connection reset/refused or a 5xx response. Retryable.
	UpstreamUnavailable
	// UpstreamRejected: 4xx, malformed body, missing ids or result references.
	UpstreamRejected
	// PollingExhausted: no terminal status within the polling budget.
	PollingExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "upstream_timeout"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case UpstreamRejected:
		return "upstream_rejected"
	case PollingExhausted:
		return "polling_exhausted"
	default:
		return "unknown"
	}
}

// Error is returned by every Client call that fails.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(kind ErrorKind, op string, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: status, err: err}
}

// IsRetryable reports whether err is a timeout or availability failure that a
// fresh attempt may get past.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == UpstreamTimeout || e.Kind == UpstreamUnavailable
}

// IsPollingExhausted reports whether polling ran out of attempts.
func IsPollingExhausted(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == PollingExhausted
}

// KindOf returns the classification of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// statusKind classifies a non-2xx response. Only 5xx is worth another
// attempt; 429 and every other 4xx are rejections.
func statusKind(code int) ErrorKind {
	if code >= 500 {
		return UpstreamUnavailable
	}
	return UpstreamRejected
}

// classifyTransport maps an http.Client error. parent is the caller's context:
// once it is done the failure is ours, not the upstream's, and must not retry.
func classifyTransport(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return newError(UpstreamRejected, op, 0, parent.Err())
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, syscall.ETIMEDOUT) {
		return newError(UpstreamTimeout, op, 0, err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return newError(UpstreamUnavailable, op, 0, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newError(UpstreamUnavailable, op, 0, err)
	}
	return newError(UpstreamRejected, op, 0, err)
}
