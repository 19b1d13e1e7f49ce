package utils

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why an operation against a TOPdesk instance failed.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindTransport           ErrorKind = "transport"
	KindHTTPStatus          ErrorKind = "http_status"
	KindIncompleteResponse  ErrorKind = "incomplete_response"
	KindResponseTooLarge    ErrorKind = "response_too_large"
	KindTimeout             ErrorKind = "timeout"
	KindUnsupportedCategory ErrorKind = "unsupported_category"
	KindNoMatchingInstance  ErrorKind = "no_matching_instance"
	KindVersionFetchFailed  ErrorKind = "version_fetch_failed"
	KindIncompleteData      ErrorKind = "incomplete_data"
)

// AppError wraps an operation, a failure kind, a human-facing message, and the underlying error.
// Status and Body are only set for KindHTTPStatus.
type AppError struct {
	Kind   ErrorKind
	Op     string
	Msg    string
	Status int
	Body   string
	Err    error
}

func (e *AppError) Error() string {
	msg := e.Msg
	if e.Kind == KindHTTPStatus {
		msg = fmt.Sprintf("unexpected status %d", e.Status)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError of the given kind.
func NewAppError(kind ErrorKind, op, msg string, err error) error {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// NewStatusError reports a non-200 response. body is expected to be truncated by the caller.
func NewStatusError(op string, status int, body string) error {
	return &AppError{Kind: KindHTTPStatus, Op: op, Status: status, Body: body}
}

// KindOf returns the outermost classified kind in err's chain. Context deadline and
// cancellation errors are reported as KindTimeout when nothing else classified them.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// RootKind is like KindOf but looks through wrapper kinds such as KindVersionFetchFailed
// to the first failure that carries a cause of its own.
func RootKind(err error) ErrorKind {
	kind := KindNone
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			if kind == KindNone || errors.Is(err, context.DeadlineExceeded) {
				return KindOf(err)
			}
			return kind
		}
		kind = appErr.Kind
		err = appErr.Err
	}
	return kind
}

// StatusCode extracts the HTTP status from an AppError chain, or 0.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind == KindHTTPStatus {
		return appErr.Status
	}
	return 0
}
