package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Client queries the upstream ledger service for raw sales documents. It is
// tenant-agnostic: every call receives the tenant id and credential to act
// under.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *Authenticator
	logger     *slog.Logger
}

// NewClient constructs a ledger client. The authenticator is used to refresh
// expired access tokens in place.
func NewClient(baseURL string, auth *Authenticator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth:   auth,
		logger: logger,
	}
}

// QueryReceipts returns the sales receipts dated within the range.
func (c *Client) QueryReceipts(ctx context.Context, tenantID string, cred *Credential, r DateRange) ([]Transaction, error) {
	return c.query(ctx, tenantID, cred, "SalesReceipt", KindReceipt, r)
}

// QueryInvoices returns the invoices dated within the range.
func (c *Client) QueryInvoices(ctx context.Context, tenantID string, cred *Credential, r DateRange) ([]Transaction, error) {
	return c.query(ctx, tenantID, cred, "Invoice", KindInvoice, r)
}

type queryResponse struct {
	QueryResponse struct {
		SalesReceipt []Transaction `json:"SalesReceipt"`
		Invoice      []Transaction `json:"Invoice"`
	} `json:"QueryResponse"`
}

func (c *Client) query(ctx context.Context, tenantID string, cred *Credential, entity string, kind TransactionKind, r DateRange) ([]Transaction, error) {
	if cred == nil || cred.AccessToken == "" {
		return nil, &Error{Type: ErrAuthentication, Message: "no access token configured"}
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE TxnDate >= '%s' AND TxnDate <= '%s'", entity, r.StartDate(), r.EndDate())

	resp, err := c.do(ctx, tenantID, cred.AccessToken, stmt)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		if err := c.refreshCredential(ctx, tenantID, cred); err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, tenantID, cred.AccessToken, stmt)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp)
	}

	var body queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ledger: decode %s response: %w", entity, err)
	}
	var txns []Transaction
	switch kind {
	case KindReceipt:
		txns = body.QueryResponse.SalesReceipt
	case KindInvoice:
		txns = body.QueryResponse.Invoice
	}
	for i := range txns {
		txns[i].Kind = kind
	}
	return txns, nil
}

func (c *Client) do(ctx context.Context, tenantID, accessToken, stmt string) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/v3/company/%s/query?query=%s", c.baseURL, tenantID, url.QueryEscape(stmt))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	return resp, nil
}

// refreshCredential rotates the access token in place after a 401.
func (c *Client) refreshCredential(ctx context.Context, tenantID string, cred *Credential) error {
	if c.auth == nil {
		return &Error{Type: ErrAuthentication, Message: "access token expired and no authenticator configured"}
	}
	fresh, err := c.auth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return err
	}
	c.logger.Info("rotated upstream credential", slog.String("tenant_id", tenantID))
	cred.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		cred.RefreshToken = fresh.RefreshToken
	}
	cred.Rotated = true
	return nil
}
