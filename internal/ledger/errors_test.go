package ledger

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResponse(status int, body string, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestClassifyByStatus(t *testing.T) {
	cases := map[int]ErrorType{
		http.StatusUnauthorized:        ErrAuthentication,
		http.StatusForbidden:           ErrAuthorization,
		http.StatusTooManyRequests:     ErrRateLimit,
		http.StatusBadRequest:          ErrValidation,
		http.StatusInternalServerError: ErrNetwork,
		http.StatusBadGateway:          ErrNetwork,
		http.StatusTeapot:              ErrUnknown,
	}
	for status, want := range cases {
		assert.Equal(t, want, classify(status, ""), "status %d", status)
	}
}

func TestClassifyExpiredTokenFaultCode(t *testing.T) {
	// Code 3200 wins over whatever status it arrives under.
	assert.Equal(t, ErrAuthentication, classify(http.StatusForbidden, "3200"))
	assert.Equal(t, ErrAuthentication, classify(http.StatusBadRequest, "3200"))
}

func TestParseAPIErrorFaultEnvelope(t *testing.T) {
	body := `{"Fault":{"Error":[{"code":"610","Detail":"Object Not Found: something"}],"type":"ValidationFault"}}`
	resp := fakeResponse(http.StatusBadRequest, body, map[string]string{"intuit_tid": "trace-123"})

	e := parseAPIError(resp)
	assert.Equal(t, ErrValidation, e.Type)
	assert.Equal(t, "610", e.Code)
	assert.Equal(t, "Object Not Found: something", e.Message)
	assert.Equal(t, "trace-123", e.TraceID)
	assert.Equal(t, http.StatusBadRequest, e.HTTPStatus)
}

func TestParseAPIErrorUnparseableBody(t *testing.T) {
	resp := fakeResponse(http.StatusServiceUnavailable, "<html>down</html>", nil)

	e := parseAPIError(resp)
	assert.Equal(t, ErrNetwork, e.Type)
	assert.Contains(t, e.Message, "503")
	assert.Empty(t, e.Code)
}

func TestParseOAuthErrorGrants(t *testing.T) {
	revoked := parseOAuthError(fakeResponse(http.StatusBadRequest, `{"error":"invalid_grant"}`, nil))
	assert.Equal(t, ErrAuthentication, revoked.Type)
	assert.Equal(t, "invalid_grant", revoked.Code)
	assert.Contains(t, revoked.Message, "reauthorization required")

	denied := parseOAuthError(fakeResponse(http.StatusBadRequest, `{"error":"access_denied"}`, nil))
	assert.Equal(t, ErrAuthorization, denied.Type)
}

func TestIsTerminalAuth(t *testing.T) {
	assert.True(t, IsTerminalAuth(&Error{Type: ErrAuthentication}))
	assert.True(t, IsTerminalAuth(&Error{Type: ErrAuthorization}))
	assert.False(t, IsTerminalAuth(&Error{Type: ErrNetwork}))
	assert.False(t, IsTerminalAuth(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&Error{Type: ErrNetwork}))
	assert.True(t, Retryable(&Error{Type: ErrRateLimit}))
	assert.False(t, Retryable(&Error{Type: ErrValidation}))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestRetryDelayBackoff(t *testing.T) {
	rl := &Error{Type: ErrRateLimit}
	assert.Equal(t, 2*time.Second, RetryDelay(rl, 1))
	assert.Equal(t, 8*time.Second, RetryDelay(rl, 3))
	assert.Equal(t, time.Minute, RetryDelay(rl, 10), "rate limit backoff caps at one minute")

	assert.Equal(t, 5*time.Second, RetryDelay(&Error{Type: ErrNetwork}, 4))
	assert.Zero(t, RetryDelay(&Error{Type: ErrValidation}, 1))
	assert.Zero(t, RetryDelay(errors.New("plain"), 1))
}

func TestErrorStringIncludesCode(t *testing.T) {
	e := &Error{Type: ErrRateLimit, Message: "throttled", Code: "429"}
	require.Contains(t, e.Error(), "throttled")
	assert.Contains(t, e.Error(), "code=429")
}
