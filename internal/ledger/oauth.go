package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const accountingScope = "com.intuit.quickbooks.accounting"

// Authenticator implements the identity-provider side of tenant onboarding:
// the authorization URL, the code-for-tokens exchange and access token
// refresh.
type Authenticator struct {
	clientID     string
	clientSecret string
	redirectURI  string
	authorizeURL string
	tokenURL     string
	httpClient   *http.Client
	stateKey     []byte
}

// AuthenticatorConfig collects the identity provider settings.
type AuthenticatorConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	// StateSecret seals the OAuth state parameter. Any non-empty string;
	// it is stretched to the AEAD key size.
	StateSecret string
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	key := sha256.Sum256([]byte(cfg.StateSecret))
	return &Authenticator{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		authorizeURL: cfg.AuthorizeURL,
		tokenURL:     cfg.TokenURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		stateKey:     key[:],
	}
}

type statePayload struct {
	Nonce    string    `json:"n"`
	IssuedAt time.Time `json:"iat"`
}

// maxStateAge bounds how long an authorization round-trip may take.
const maxStateAge = 15 * time.Minute

// NewState issues a sealed, single-use state token for the authorize
// redirect.
func (a *Authenticator) NewState() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	payload, err := json.Marshal(statePayload{
		Nonce:    base64.RawURLEncoding.EncodeToString(nonce),
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(a.stateKey)
	if err != nil {
		return "", err
	}
	box := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(box); err != nil {
		return "", err
	}
	sealed := aead.Seal(box, box, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// VerifyState opens a state token previously issued by NewState.
func (a *Authenticator) VerifyState(state string) error {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return errors.New("ledger: malformed state token")
	}
	aead, err := chacha20poly1305.NewX(a.stateKey)
	if err != nil {
		return err
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return errors.New("ledger: malformed state token")
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	payload, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return errors.New("ledger: state token rejected")
	}
	var sp statePayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return errors.New("ledger: state token rejected")
	}
	if time.Since(sp.IssuedAt) > maxStateAge {
		return errors.New("ledger: state token expired")
	}
	return nil
}

// AuthURL builds the authorization redirect for the given sealed state.
func (a *Authenticator) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", a.clientID)
	q.Set("scope", accountingScope)
	q.Set("redirect_uri", a.redirectURI)
	q.Set("response_type", "code")
	q.Set("access_type", "offline")
	q.Set("state", state)
	return a.authorizeURL + "?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ExchangeCode trades an authorization code for a credential pair.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", a.redirectURI)
	return a.tokenRequest(ctx, form)
}

// Refresh trades a refresh token for a fresh credential pair.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	if refreshToken == "" {
		return Credential{}, &Error{Type: ErrAuthentication, Message: "no refresh token available"}
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	cred, err := a.tokenRequest(ctx, form)
	if err != nil {
		return Credential{}, err
	}
	cred.Rotated = true
	return cred, nil
}

func (a *Authenticator) tokenRequest(ctx context.Context, form url.Values) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.clientID, a.clientSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Credential{}, networkError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return Credential{}, parseOAuthError(resp)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, fmt.Errorf("ledger: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Credential{}, &Error{Type: ErrAuthentication, Message: "token response missing access token"}
	}
	return Credential{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}, nil
}
