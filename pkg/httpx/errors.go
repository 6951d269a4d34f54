package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Stable error codes for failures the pipeline itself classifies. Server
// responses that carry their own {code, message} keep their code verbatim.
const (
	CodeNetwork      = "network_error"
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeBadResponse  = "bad_response"
)

// Error is the normalized shape every pipeline failure collapses into.
// Status is the HTTP status when one was received, 0 for transport errors.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Status    int            `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError unwraps err into the pipeline's normalized form.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsUnauthorized reports whether err is a terminal 401 from the pipeline.
func IsUnauthorized(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Status == http.StatusUnauthorized
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	pe, ok := AsError(err)
	return ok && pe.Status == status
}

// IsRetryable reports whether the pipeline would have retried this class of
// failure: transport errors, per-attempt timeouts, and 5xx responses.
func IsRetryable(err error) bool {
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	if pe.Status >= 500 {
		return true
	}
	return pe.Status == 0 && (pe.Code == CodeNetwork || pe.Code == CodeTimeout)
}

func newTransportError(code, msg string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   msg,
		Timestamp: time.Now(),
		cause:     cause,
	}
}

// wireError matches the error body shape the backend emits. Some endpoints
// use {"error": "..."} instead of {"message": "..."}.
type wireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details"`
}

// newStatusError normalizes a non-2xx response, absorbing a JSON error body
// when the server sent one.
func newStatusError(status int, body []byte) *Error {
	e := &Error{
		Code:      fmt.Sprintf("http_%d", status),
		Message:   http.StatusText(status),
		Timestamp: time.Now(),
		Status:    status,
	}
	switch status {
	case http.StatusUnauthorized:
		e.Code = CodeUnauthorized
	case http.StatusTooManyRequests:
		e.Code = CodeRateLimited
	}

	var we wireError
	if len(body) > 0 && json.Unmarshal(body, &we) == nil {
		if s := strings.TrimSpace(we.Code); s != "" {
			e.Code = s
		}
		if s := strings.TrimSpace(we.Message); s != "" {
			e.Message = s
		} else if s := strings.TrimSpace(we.Error); s != "" {
			e.Message = s
		}
		if len(we.Details) > 0 {
			e.Details = we.Details
		}
	} else if len(body) > 0 {
		// Non-JSON body: keep a short excerpt for operators.
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200]
		}
		if s != "" {
			e.Details = map[string]any{"body": s}
		}
	}
	return e
}
