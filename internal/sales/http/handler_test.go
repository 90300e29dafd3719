package saleshttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
	"github.com/ledgerpulse/ledgerpulse/internal/scheduler"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type mockService struct {
	report     sales.Report
	reportErr  error
	cached     sales.Report
	cachedErr  error
	detailed   sales.DetailedMonth
	periods    []sales.PeriodSummary
	stats      sales.CacheStats
	annual     sales.AnnualSummary
	annualErr  error
	quarterly  sales.QuarterlyReport
	comparison sales.YearComparison

	lastForce bool
	rotateFn  func(*ledger.Credential)
}

func (m *mockService) GetOrRefreshPeriod(ctx context.Context, tenantID string, cred *ledger.Credential, period sales.Period) (sales.Report, error) {
	if m.rotateFn != nil {
		m.rotateFn(cred)
	}
	return m.report, m.reportErr
}

func (m *mockService) GetCachedPeriod(ctx context.Context, tenantID string, period sales.Period) (sales.Report, error) {
	return m.cached, m.cachedErr
}

func (m *mockService) GetDetailedMonth(ctx context.Context, tenantID string, period sales.Period) (sales.DetailedMonth, error) {
	return m.detailed, nil
}

func (m *mockService) ListCachedPeriods(ctx context.Context, tenantID string) ([]sales.PeriodSummary, error) {
	return m.periods, nil
}

func (m *mockService) Stats(ctx context.Context) (sales.CacheStats, error) {
	return m.stats, nil
}

func (m *mockService) BuildAnnual(ctx context.Context, tenantID string, cred *ledger.Credential, year int, force bool) (sales.AnnualSummary, error) {
	m.lastForce = force
	return m.annual, m.annualErr
}

func (m *mockService) GetQuarterly(ctx context.Context, tenantID string, cred *ledger.Credential, year int) (sales.QuarterlyReport, error) {
	return m.quarterly, nil
}

func (m *mockService) ComparePeriods(ctx context.Context, tenantID string, cred *ledger.Credential, year int) (sales.YearComparison, error) {
	return m.comparison, nil
}

type mockRegistry struct {
	creds      map[string]ledger.Credential
	registered []string
	updated    []string
	removed    []string
	force      scheduler.ForceResult
	forcedWith string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{creds: make(map[string]ledger.Credential)}
}

func (m *mockRegistry) Register(tenantID string, cred ledger.Credential) {
	m.creds[tenantID] = cred
	m.registered = append(m.registered, tenantID)
}

func (m *mockRegistry) Unregister(tenantID string) {
	delete(m.creds, tenantID)
	m.removed = append(m.removed, tenantID)
}

func (m *mockRegistry) UpdateCredential(tenantID string, cred ledger.Credential) {
	if _, ok := m.creds[tenantID]; !ok {
		return
	}
	cred.Rotated = false
	m.creds[tenantID] = cred
	m.updated = append(m.updated, tenantID)
}

func (m *mockRegistry) Credential(tenantID string) (ledger.Credential, error) {
	cred, ok := m.creds[tenantID]
	if !ok {
		return ledger.Credential{}, scheduler.ErrTenantNotRegistered
	}
	return cred, nil
}

func (m *mockRegistry) ForceRefresh(ctx context.Context, tenantID string) scheduler.ForceResult {
	m.forcedWith = tenantID
	return m.force
}

func (m *mockRegistry) Status(jobs []scheduler.JobInfo) scheduler.Status {
	return scheduler.Status{Running: true, ActiveTenants: len(m.creds), Jobs: jobs}
}

type mockIdentity struct {
	stateErr    error
	verifyErr   error
	exchanged   string
	exchangeErr error
	cred        ledger.Credential
}

func (m *mockIdentity) NewState() (string, error) {
	if m.stateErr != nil {
		return "", m.stateErr
	}
	return "sealed-state", nil
}

func (m *mockIdentity) VerifyState(state string) error { return m.verifyErr }

func (m *mockIdentity) AuthURL(state string) string {
	return "https://auth.example.com/oauth2?state=" + state
}

func (m *mockIdentity) ExchangeCode(ctx context.Context, code string) (ledger.Credential, error) {
	m.exchanged = code
	if m.exchangeErr != nil {
		return ledger.Credential{}, m.exchangeErr
	}
	return m.cred, nil
}

type handlerFixture struct {
	svc      *mockService
	registry *mockRegistry
	identity *mockIdentity
	router   chi.Router

	enqueued []string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		svc:      &mockService{},
		registry: newMockRegistry(),
		identity: &mockIdentity{cred: ledger.Credential{AccessToken: "at", RefreshToken: "rt"}},
	}
	h := NewHandler(HandlerConfig{
		Service:  f.svc,
		Registry: f.registry,
		Identity: f.identity,
		EnqueueRefresh: func(ctx context.Context, tenantID string) error {
			f.enqueued = append(f.enqueued, tenantID)
			return nil
		},
		ListJobs: func() []scheduler.JobInfo {
			return []scheduler.JobInfo{{ID: "sales:refresh_all", Spec: "@every 1h"}}
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	r := chi.NewRouter()
	r.Route("/sales", h.MountRoutes)
	r.Route("/auth", h.MountAuthRoutes)
	r.Route("/admin", h.MountAdminRoutes)
	f.router = r
	return f
}

func (f *handlerFixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandlePeriod(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "at"})
	f.svc.report = sales.Report{
		Summary: sales.PeriodSummary{TenantID: "t1", Period: "03/2024", TotalSales: dec("1234.5")},
		Source:  sales.SourceCache,
	}

	rec := f.do(http.MethodGet, "/sales/periods/03-2024?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Summary      sales.PeriodSummary `json:"summary"`
		Source       string              `json:"source"`
		TotalDisplay string              `json:"total_sales_display"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, sales.Period("03/2024"), body.Summary.Period)
	assert.Equal(t, sales.SourceCache, body.Source)
	assert.Equal(t, "$1,234.50", body.TotalDisplay)
}

func TestHandlePeriodRequiresTenant(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/sales/periods/03-2024", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePeriodRejectsBadPeriod(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "at"})

	rec := f.do(http.MethodGet, "/sales/periods/13-2024?tenant_id=t1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePeriodUnconnectedTenant(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/sales/periods/03-2024?tenant_id=ghost", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tenant Not Connected")
}

func TestHandlePeriodStoresRotatedCredential(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "stale", RefreshToken: "rt"})
	f.svc.report = sales.Report{Summary: sales.PeriodSummary{Period: "03/2024"}, Source: sales.SourceLive}
	// The service rotates the credential during the inline fetch.
	f.svc.rotateFn = func(cred *ledger.Credential) {
		cred.AccessToken = "fresh"
		cred.Rotated = true
	}

	rec := f.do(http.MethodGet, "/sales/periods/03-2024?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	stored := f.registry.creds["t1"]
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.False(t, stored.Rotated)
	// The rotation goes through UpdateCredential so the original
	// registration, and its timestamp, survives.
	assert.Equal(t, []string{"t1"}, f.registry.registered)
	assert.Equal(t, []string{"t1"}, f.registry.updated)
}

func TestHandlePeriodRotationAfterDisconnectIsDropped(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "stale", RefreshToken: "rt"})
	f.svc.report = sales.Report{Summary: sales.PeriodSummary{Period: "03/2024"}, Source: sales.SourceLive}
	f.svc.rotateFn = func(cred *ledger.Credential) {
		f.registry.Unregister("t1")
		cred.AccessToken = "fresh"
		cred.Rotated = true
	}

	rec := f.do(http.MethodGet, "/sales/periods/03-2024?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := f.registry.creds["t1"]
	assert.False(t, ok)
}

func TestHandlePeriodErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"no data", sales.ErrNoData, http.StatusServiceUnavailable},
		{"not found", sales.ErrNotFound, http.StatusNotFound},
		{"upstream auth", &ledger.Error{Type: ledger.ErrAuthentication, Message: "bad token"}, http.StatusUnauthorized},
		{"upstream forbidden", &ledger.Error{Type: ledger.ErrAuthorization, Message: "denied"}, http.StatusForbidden},
		{"upstream throttle", &ledger.Error{Type: ledger.ErrRateLimit, Message: "slow down"}, http.StatusTooManyRequests},
		{"upstream validation", &ledger.Error{Type: ledger.ErrValidation, Message: "bad query"}, http.StatusBadRequest},
		{"upstream down", &ledger.Error{Type: ledger.ErrNetwork, Message: "timeout"}, http.StatusBadGateway},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			f.registry.Register("t1", ledger.Credential{AccessToken: "at"})
			f.svc.reportErr = tc.err

			rec := f.do(http.MethodGet, "/sales/periods/03-2024?tenant_id=t1", "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestHandleCachedPeriodMiss(t *testing.T) {
	f := newHandlerFixture(t)
	f.svc.cachedErr = sales.ErrNotFound

	rec := f.do(http.MethodGet, "/sales/periods/03-2024/cached?tenant_id=t1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListPeriods(t *testing.T) {
	f := newHandlerFixture(t)
	f.svc.periods = []sales.PeriodSummary{
		{TenantID: "t1", Period: "02/2024"},
		{TenantID: "t1", Period: "03/2024"},
	}

	rec := f.do(http.MethodGet, "/sales/periods?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int                   `json:"count"`
		Periods []sales.PeriodSummary `json:"periods"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestHandleAnnual(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "at"})
	f.svc.annual = sales.AnnualSummary{TenantID: "t1", Year: 2024, TotalAnnual: dec("5000")}

	rec := f.do(http.MethodGet, "/sales/annual/2024?tenant_id=t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.svc.lastForce)
	assert.Contains(t, rec.Body.String(), `"total_annual_display":"$5,000.00"`)

	rec = f.do(http.MethodGet, "/sales/annual/2024?tenant_id=t1&force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.svc.lastForce)
}

func TestHandleAnnualRejectsBadYear(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "at"})

	rec := f.do(http.MethodGet, "/sales/annual/20x4?tenant_id=t1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConnectRedirects(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/auth/connect", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://auth.example.com/oauth2?state=sealed-state", rec.Header().Get("Location"))
}

func TestHandleCallbackRegistersAndEnqueues(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/auth/callback?code=abc&state=sealed-state&realmId=realm-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "abc", f.identity.exchanged)
	assert.Equal(t, []string{"realm-1"}, f.registry.registered)
	assert.Equal(t, []string{"realm-1"}, f.enqueued)
	assert.Contains(t, rec.Body.String(), `"connected":true`)
}

func TestHandleCallbackRejectsBadState(t *testing.T) {
	f := newHandlerFixture(t)
	f.identity.verifyErr = errors.New("state token rejected")

	rec := f.do(http.MethodGet, "/auth/callback?code=abc&state=evil&realmId=realm-1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.registry.registered)
}

func TestHandleCallbackRequiresCodeAndRealm(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/auth/callback?state=sealed-state", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDisconnect(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "at"})

	rec := f.do(http.MethodPost, "/auth/disconnect", `{"tenant_id":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"t1"}, f.registry.removed)

	rec = f.do(http.MethodPost, "/auth/disconnect", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleForceUpdate(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.force = scheduler.ForceResult{Success: true, TenantID: "t1", Timestamp: time.Now()}

	rec := f.do(http.MethodPost, "/admin/force-update", `{"tenant_id":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", f.registry.forcedWith)
}

func TestHandleForceUpdateEmptyBodyRefreshesAll(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.force = scheduler.ForceResult{
		Success: false,
		Outcome: &scheduler.RefreshOutcome{Attempted: 2, Failed: 1},
	}

	rec := f.do(http.MethodPost, "/admin/force-update", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, f.registry.forcedWith)
}

func TestHandleForceAnnual(t *testing.T) {
	f := newHandlerFixture(t)
	f.registry.Register("t1", ledger.Credential{AccessToken: "at"})
	f.svc.annual = sales.AnnualSummary{TenantID: "t1", Year: 2024, GeneratedAt: time.Now()}

	rec := f.do(http.MethodPost, "/admin/force-annual-update", `{"tenant_id":"t1","year":2024}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.svc.lastForce, "force annual always rebuilds")

	rec = f.do(http.MethodPost, "/admin/force-annual-update", `{"tenant_id":"t1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSchedulerStatus(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/admin/scheduler/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, "@every 1h", status.Jobs[0].Spec)
}

func TestHandleCacheStats(t *testing.T) {
	f := newHandlerFixture(t)
	f.svc.stats = sales.CacheStats{TotalEntries: 7, SummaryStore: "postgres/sales_cache"}

	rec := f.do(http.MethodGet, "/admin/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres/sales_cache")
}
