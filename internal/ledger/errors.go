package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorType classifies upstream ledger failures for retry and surfacing
// decisions.
type ErrorType string

const (
	ErrAuthentication ErrorType = "authentication"
	ErrAuthorization  ErrorType = "authorization"
	ErrRateLimit      ErrorType = "rate_limit"
	ErrValidation     ErrorType = "validation"
	ErrNetwork        ErrorType = "network"
	ErrUnknown        ErrorType = "unknown"
)

// Error is a classified upstream failure. TraceID carries the upstream
// request-tracing header when present.
type Error struct {
	Type       ErrorType
	Message    string
	HTTPStatus int
	Code       string
	TraceID    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger: %s (%s, code=%s)", e.Message, e.Type, e.Code)
	}
	return fmt.Sprintf("ledger: %s (%s)", e.Message, e.Type)
}

// AsError unwraps err into a ledger *Error when possible.
func AsError(err error) (*Error, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// IsTerminalAuth reports whether err means the tenant's credential is
// invalid or revoked and retrying is futile.
func IsTerminalAuth(err error) bool {
	le, ok := AsError(err)
	if !ok {
		return false
	}
	return le.Type == ErrAuthentication || le.Type == ErrAuthorization
}

// Retryable reports whether the failure class is worth retrying.
func Retryable(err error) bool {
	le, ok := AsError(err)
	if !ok {
		return false
	}
	return le.Type == ErrNetwork || le.Type == ErrRateLimit
}

// RetryDelay returns the wait before the given retry attempt. Rate limits
// back off exponentially capped at one minute; network failures use a fixed
// short delay.
func RetryDelay(err error, attempt int) time.Duration {
	le, ok := AsError(err)
	if !ok {
		return 0
	}
	switch le.Type {
	case ErrRateLimit:
		d := time.Duration(1<<uint(attempt)) * time.Second
		if d > time.Minute {
			d = time.Minute
		}
		return d
	case ErrNetwork:
		return 5 * time.Second
	default:
		return 0
	}
}

// traceHeader is the upstream per-request trace id header.
const traceHeader = "intuit_tid"

type faultEnvelope struct {
	Fault struct {
		Error []struct {
			Code   string `json:"code"`
			Detail string `json:"Detail"`
		} `json:"Error"`
	} `json:"Fault"`
}

type oauthEnvelope struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// parseAPIError builds a classified Error from a non-2xx query response.
func parseAPIError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	e := &Error{
		Type:       classify(resp.StatusCode, ""),
		Message:    fmt.Sprintf("upstream returned status %d", resp.StatusCode),
		HTTPStatus: resp.StatusCode,
		TraceID:    resp.Header.Get(traceHeader),
	}
	var fault faultEnvelope
	if err := json.Unmarshal(body, &fault); err == nil && len(fault.Fault.Error) > 0 {
		first := fault.Fault.Error[0]
		e.Code = first.Code
		if first.Detail != "" {
			e.Message = first.Detail
		}
		e.Type = classify(resp.StatusCode, first.Code)
	}
	return e
}

// parseOAuthError builds a classified Error from a failed token exchange.
func parseOAuthError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	e := &Error{
		Type:       ErrAuthentication,
		Message:    fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
		HTTPStatus: resp.StatusCode,
		TraceID:    resp.Header.Get(traceHeader),
	}
	var oe oauthEnvelope
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		e.Code = oe.Error
		switch oe.Error {
		case "invalid_grant":
			e.Message = "refresh token expired or revoked, reauthorization required"
		case "invalid_client":
			e.Message = "client credentials rejected"
		case "access_denied":
			e.Type = ErrAuthorization
			e.Message = "access denied by the resource owner"
		default:
			if oe.ErrorDescription != "" {
				e.Message = oe.ErrorDescription
			}
		}
	}
	return e
}

func classify(status int, code string) ErrorType {
	// Fault code 3200 is an expired or invalid token regardless of the
	// HTTP status it arrives under.
	if code == "3200" {
		return ErrAuthentication
	}
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthentication
	case status == http.StatusForbidden:
		return ErrAuthorization
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusBadRequest:
		return ErrValidation
	case status >= 500:
		return ErrNetwork
	default:
		return ErrUnknown
	}
}

// networkError wraps transport-level failures into the taxonomy.
func networkError(err error) *Error {
	return &Error{Type: ErrNetwork, Message: err.Error()}
}
