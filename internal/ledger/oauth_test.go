package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(tokenURL string) *Authenticator {
	return NewAuthenticator(AuthenticatorConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:8080/auth/callback",
		AuthorizeURL: "https://auth.example.com/oauth2",
		TokenURL:     tokenURL,
		StateSecret:  "test-secret",
	})
}

func TestStateRoundTrip(t *testing.T) {
	a := newTestAuthenticator("")

	state, err := a.NewState()
	require.NoError(t, err)
	require.NotEmpty(t, state)
	require.NoError(t, a.VerifyState(state))

	// Each issued state is unique.
	other, err := a.NewState()
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}

func TestVerifyStateRejectsTampering(t *testing.T) {
	a := newTestAuthenticator("")

	state, err := a.NewState()
	require.NoError(t, err)

	tampered := state[:len(state)-2] + "xx"
	assert.Error(t, a.VerifyState(tampered))
	assert.Error(t, a.VerifyState("not-base64!!"))
	assert.Error(t, a.VerifyState(""))
}

func TestVerifyStateRejectsForeignKey(t *testing.T) {
	a := newTestAuthenticator("")
	b := NewAuthenticator(AuthenticatorConfig{StateSecret: "another-secret"})

	state, err := b.NewState()
	require.NoError(t, err)
	assert.Error(t, a.VerifyState(state))
}

func TestAuthURLParameters(t *testing.T) {
	a := newTestAuthenticator("")

	raw := a.AuthURL("sealed-state")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "com.intuit.quickbooks.accounting", q.Get("scope"))
	assert.Equal(t, "http://localhost:8080/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "sealed-state", q.Get("state"))
}

func TestExchangeCode(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","refresh_token":"new-rt"}`))
	}))
	defer srv.Close()

	a := newTestAuthenticator(srv.URL)
	cred, err := a.ExchangeCode(context.Background(), "auth-code")
	require.NoError(t, err)

	assert.Equal(t, "new-at", cred.AccessToken)
	assert.Equal(t, "new-rt", cred.RefreshToken)
	assert.False(t, cred.Rotated)
	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "auth-code", gotForm.Get("code"))
	assert.Equal(t, "http://localhost:8080/auth/callback", gotForm.Get("redirect_uri"))
}

func TestRefreshMarksCredentialRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"rotated-at","refresh_token":"rotated-rt"}`))
	}))
	defer srv.Close()

	a := newTestAuthenticator(srv.URL)
	cred, err := a.Refresh(context.Background(), "old-rt")
	require.NoError(t, err)

	assert.True(t, cred.Rotated)
	assert.Equal(t, "rotated-at", cred.AccessToken)
}

func TestRefreshWithoutTokenFailsFast(t *testing.T) {
	a := newTestAuthenticator("http://127.0.0.1:0")

	_, err := a.Refresh(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsTerminalAuth(err))
}

func TestRefreshRevokedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	a := newTestAuthenticator(srv.URL)
	_, err := a.Refresh(context.Background(), "revoked")
	require.Error(t, err)
	assert.True(t, IsTerminalAuth(err))

	le, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "invalid_grant", le.Code)
}

func TestExchangeCodeMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a := newTestAuthenticator(srv.URL)
	_, err := a.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, IsTerminalAuth(err))
}
