package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"
)

// ErrSessionExpired is returned when the management plane rejects the
// session token. SessionClient.Do recovers from it with one
// re-authentication; callers only see it when that fails too.
var ErrSessionExpired = errors.New("session expired")

// ErrNotConnected is returned for authenticated calls made before Connect.
var ErrNotConnected = errors.New("session client is not connected")

type AuthErrorKind int

const (
	AuthTransportFailure AuthErrorKind = iota + 1
	AuthRejected
	AuthMalformedResponse
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthTransportFailure:
		return "transport failure"
	case AuthRejected:
		return "rejected"
	case AuthMalformedResponse:
		return "malformed response"
	default:
		return "unknown"
	}
}

// AuthError reports a failed session creation.
type AuthError struct {
	Kind       AuthErrorKind
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type QueryErrorKind int

const (
	QueryTransportFailure QueryErrorKind = iota + 1
	QueryDecodeFailure
)

func (k QueryErrorKind) String() string {
	switch k {
	case QueryTransportFailure:
		return "transport failure"
	case QueryDecodeFailure:
		return "decode failure"
	default:
		return "unknown"
	}
}

// QueryError reports a failed inventory listing. A failed listing aborts
// the pass: a partial inventory cannot drive a plan.
type QueryError struct {
	Kind QueryErrorKind
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("inventory query failed (%s): %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// TransportError wraps a network-level failure of one HTTP call.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// APIError is a non-success HTTP status from the management plane, with the
// message it returned when there was one.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("status %d", e.StatusCode)
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// errorBody is the error document of the vCenter REST API.
type errorBody struct {
	ErrorType string `json:"error_type"`
	Messages  []struct {
		DefaultMessage string `json:"default_message"`
	} `json:"messages"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Type = eb.ErrorType
		msgs := make([]string, 0, len(eb.Messages))
		for _, m := range eb.Messages {
			if m.DefaultMessage != "" {
				msgs = append(msgs, m.DefaultMessage)
			}
		}
		apiErr.Message = strings.Join(msgs, "; ")
		return apiErr
	}
	text := strings.TrimSpace(string(body))
	apiErr.Message = truncate(text, maxErrorText)
	return apiErr
}

const maxErrorText = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
