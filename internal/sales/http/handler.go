// Package saleshttp exposes the sales cache over HTTP. It lives apart from
// package sales so the handler can depend on both the sales service and the
// scheduler registry without an import cycle.
package saleshttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
	"github.com/ledgerpulse/ledgerpulse/internal/platform/httpx"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
	"github.com/ledgerpulse/ledgerpulse/internal/scheduler"
)

// SalesService is the service surface the handler depends on.
type SalesService interface {
	GetOrRefreshPeriod(ctx context.Context, tenantID string, cred *ledger.Credential, period sales.Period) (sales.Report, error)
	GetCachedPeriod(ctx context.Context, tenantID string, period sales.Period) (sales.Report, error)
	GetDetailedMonth(ctx context.Context, tenantID string, period sales.Period) (sales.DetailedMonth, error)
	ListCachedPeriods(ctx context.Context, tenantID string) ([]sales.PeriodSummary, error)
	Stats(ctx context.Context) (sales.CacheStats, error)
	BuildAnnual(ctx context.Context, tenantID string, cred *ledger.Credential, year int, force bool) (sales.AnnualSummary, error)
	GetQuarterly(ctx context.Context, tenantID string, cred *ledger.Credential, year int) (sales.QuarterlyReport, error)
	ComparePeriods(ctx context.Context, tenantID string, cred *ledger.Credential, year int) (sales.YearComparison, error)
}

// TenantRegistry is the scheduler surface the handler depends on.
type TenantRegistry interface {
	Register(tenantID string, cred ledger.Credential)
	Unregister(tenantID string)
	UpdateCredential(tenantID string, cred ledger.Credential)
	Credential(tenantID string) (ledger.Credential, error)
	ForceRefresh(ctx context.Context, tenantID string) scheduler.ForceResult
	Status(jobs []scheduler.JobInfo) scheduler.Status
}

// Identity drives the OAuth connect flow.
type Identity interface {
	NewState() (string, error)
	VerifyState(state string) error
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (ledger.Credential, error)
}

// Handler exposes the sales cache over HTTP.
type Handler struct {
	service  SalesService
	registry TenantRegistry
	identity Identity
	// EnqueueRefresh schedules the first pull shortly after a tenant
	// connects. Optional; nil skips the kick-off.
	enqueueRefresh func(ctx context.Context, tenantID string) error
	// listJobs supplies cron entries for the scheduler status document.
	listJobs func() []scheduler.JobInfo
	validate *validator.Validate
	logger   *slog.Logger
}

// HandlerConfig collects the handler dependencies.
type HandlerConfig struct {
	Service        SalesService
	Registry       TenantRegistry
	Identity       Identity
	EnqueueRefresh func(ctx context.Context, tenantID string) error
	ListJobs       func() []scheduler.JobInfo
	Logger         *slog.Logger
}

// NewHandler constructs the sales HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:        cfg.Service,
		registry:       cfg.Registry,
		identity:       cfg.Identity,
		enqueueRefresh: cfg.EnqueueRefresh,
		listJobs:       cfg.ListJobs,
		validate:       validator.New(),
		logger:         logger,
	}
}

// MountRoutes registers the sales endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/periods", h.handleListPeriods)
	r.Get("/periods/{period}", h.handlePeriod)
	r.Get("/periods/{period}/cached", h.handleCachedPeriod)
	r.Get("/periods/{period}/detailed", h.handleDetailedPeriod)
	r.Get("/annual/{year}", h.handleAnnual)
	r.Get("/annual/{year}/quarters", h.handleQuarters)
	r.Get("/compare/{year}", h.handleCompare)
}

// MountAuthRoutes registers the tenant connect flow.
func (h *Handler) MountAuthRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/connect", h.handleConnect)
	r.Get("/callback", h.handleCallback)
	r.Post("/disconnect", h.handleDisconnect)
}

// MountAdminRoutes registers the operational endpoints.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/cache/stats", h.handleCacheStats)
	r.Get("/scheduler/status", h.handleSchedulerStatus)
	r.Post("/force-update", h.handleForceUpdate)
	r.Post("/force-annual-update", h.handleForceAnnual)
}

type tenantRequest struct {
	TenantID string `validate:"required"`
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	req := tenantRequest{TenantID: strings.TrimSpace(r.URL.Query().Get("tenant_id"))}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id query parameter is required")
		return "", false
	}
	return req.TenantID, true
}

// periodParam reads {period} as MM-YYYY (the path-safe spelling of MM/YYYY).
func periodParam(r *http.Request) (sales.Period, bool) {
	raw := chi.URLParam(r, "period")
	p := sales.Period(strings.ReplaceAll(raw, "-", "/"))
	return p, p.Valid()
}

func yearParam(r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1 || year > 9999 {
		return 0, false
	}
	return year, true
}

// credential resolves a registered tenant's credential or writes a 401.
func (h *Handler) credential(w http.ResponseWriter, tenantID string) (ledger.Credential, bool) {
	cred, err := h.registry.Credential(tenantID)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Tenant Not Connected",
			"tenant "+tenantID+" has no active connection; visit /auth/connect first")
		return ledger.Credential{}, false
	}
	return cred, true
}

// storeRotation persists a credential rotated during an inline fetch.
// UpdateCredential keeps the tenant's registration timestamp intact and
// ignores tenants that disconnected mid-request.
func (h *Handler) storeRotation(tenantID string, cred ledger.Credential) {
	if cred.Rotated {
		h.registry.UpdateCredential(tenantID, ledger.Credential{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
		})
	}
}

type periodResponse struct {
	sales.Report
	TotalDisplay string `json:"total_sales_display"`
}

func (h *Handler) handlePeriod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	period, ok := periodParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period must be MM-YYYY")
		return
	}
	cred, ok := h.credential(w, tenantID)
	if !ok {
		return
	}
	report, err := h.service.GetOrRefreshPeriod(r.Context(), tenantID, &cred, period)
	h.storeRotation(tenantID, cred)
	if err != nil {
		h.respondError(w, "period report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodResponse{
		Report:       report,
		TotalDisplay: sales.FormatMoney(report.Summary.TotalSales),
	})
}

func (h *Handler) handleCachedPeriod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	period, ok := periodParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period must be MM-YYYY")
		return
	}
	report, err := h.service.GetCachedPeriod(r.Context(), tenantID, period)
	if err != nil {
		h.respondError(w, "cached period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, periodResponse{
		Report:       report,
		TotalDisplay: sales.FormatMoney(report.Summary.TotalSales),
	})
}

func (h *Handler) handleDetailedPeriod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	period, ok := periodParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period must be MM-YYYY")
		return
	}
	month, err := h.service.GetDetailedMonth(r.Context(), tenantID, period)
	if err != nil {
		h.respondError(w, "detailed period", err)
		return
	}
	httpx.JSON(w, http.StatusOK, month)
}

func (h *Handler) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	periods, err := h.service.ListCachedPeriods(r.Context(), tenantID)
	if err != nil {
		h.respondError(w, "list periods", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"count":     len(periods),
		"periods":   periods,
	})
}

type annualResponse struct {
	sales.AnnualSummary
	TotalDisplay string `json:"total_annual_display"`
}

func (h *Handler) handleAnnual(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	year, ok := yearParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "year must be a four digit number")
		return
	}
	cred, ok := h.credential(w, tenantID)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	doc, err := h.service.BuildAnnual(r.Context(), tenantID, &cred, year, force)
	h.storeRotation(tenantID, cred)
	if err != nil {
		h.respondError(w, "annual report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, annualResponse{
		AnnualSummary: doc,
		TotalDisplay:  sales.FormatMoney(doc.TotalAnnual),
	})
}

func (h *Handler) handleQuarters(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	year, ok := yearParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "year must be a four digit number")
		return
	}
	cred, ok := h.credential(w, tenantID)
	if !ok {
		return
	}
	report, err := h.service.GetQuarterly(r.Context(), tenantID, &cred, year)
	h.storeRotation(tenantID, cred)
	if err != nil {
		h.respondError(w, "quarterly report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	year, ok := yearParam(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "year must be a four digit number")
		return
	}
	cred, ok := h.credential(w, tenantID)
	if !ok {
		return
	}
	cmp, err := h.service.ComparePeriods(r.Context(), tenantID, &cred, year)
	h.storeRotation(tenantID, cred)
	if err != nil {
		h.respondError(w, "year comparison", err)
		return
	}
	httpx.JSON(w, http.StatusOK, cmp)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	state, err := h.identity.NewState()
	if err != nil {
		h.respondError(w, "issue state", err)
		return
	}
	http.Redirect(w, r, h.identity.AuthURL(state), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	realmID := q.Get("realmId")
	if code == "" || realmID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "code and realmId are required")
		return
	}
	if err := h.identity.VerifyState(state); err != nil {
		httpx.Problem(w, http.StatusForbidden, "State Rejected", err.Error())
		return
	}
	cred, err := h.identity.ExchangeCode(r.Context(), code)
	if err != nil {
		h.respondError(w, "exchange code", err)
		return
	}
	h.registry.Register(realmID, cred)
	if h.enqueueRefresh != nil {
		if err := h.enqueueRefresh(r.Context(), realmID); err != nil {
			h.logger.Warn("enqueue initial refresh", slog.String("tenant_id", realmID), slog.Any("error", err))
		}
	}
	h.logger.Info("tenant connected", slog.String("tenant_id", realmID))
	httpx.JSON(w, http.StatusOK, map[string]any{
		"tenant_id": realmID,
		"connected": true,
	})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenant_id" validate:"required"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id is required")
		return
	}
	h.registry.Unregister(body.TenantID)
	h.logger.Info("tenant disconnected", slog.String("tenant_id", body.TenantID))
	httpx.JSON(w, http.StatusOK, map[string]any{
		"tenant_id": body.TenantID,
		"connected": false,
	})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.respondError(w, "cache stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	var jobs []scheduler.JobInfo
	if h.listJobs != nil {
		jobs = h.listJobs()
	}
	httpx.JSON(w, http.StatusOK, h.registry.Status(jobs))
}

func (h *Handler) handleForceUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenant_id"`
	}
	// An empty body means refresh everything.
	_ = httpx.DecodeJSON(r, &body)
	result := h.registry.ForceRefresh(r.Context(), body.TenantID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handleForceAnnual(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string `json:"tenant_id" validate:"required"`
		Year     int    `json:"year" validate:"required,min=1,max=9999"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id and year are required")
		return
	}
	cred, ok := h.credential(w, body.TenantID)
	if !ok {
		return
	}
	doc, err := h.service.BuildAnnual(r.Context(), body.TenantID, &cred, body.Year, true)
	h.storeRotation(body.TenantID, cred)
	if err != nil {
		h.respondError(w, "force annual", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"tenant_id":    body.TenantID,
		"year":         body.Year,
		"generated_at": doc.GeneratedAt.Format(time.RFC3339),
	})
}

// respondError maps domain and upstream failures onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var lerr *ledger.Error
	switch {
	case errors.Is(err, sales.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, sales.ErrNoData):
		httpx.Problem(w, http.StatusServiceUnavailable, "No Data Available", err.Error())
	case errors.Is(err, scheduler.ErrTenantNotRegistered):
		httpx.Problem(w, http.StatusUnauthorized, "Tenant Not Connected", err.Error())
	case errors.As(err, &lerr):
		h.respondLedgerError(w, op, lerr)
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, op string, lerr *ledger.Error) {
	h.logger.Warn(op,
		slog.String("error_type", string(lerr.Type)),
		slog.String("trace_id", lerr.TraceID),
		slog.String("message", lerr.Message))
	switch lerr.Type {
	case ledger.ErrAuthentication:
		httpx.Problem(w, http.StatusUnauthorized, "Upstream Authentication Failed", lerr.Message)
	case ledger.ErrAuthorization:
		httpx.Problem(w, http.StatusForbidden, "Upstream Access Denied", lerr.Message)
	case ledger.ErrRateLimit:
		httpx.Problem(w, http.StatusTooManyRequests, "Upstream Rate Limited", lerr.Message)
	case ledger.ErrValidation:
		httpx.Problem(w, http.StatusBadRequest, "Upstream Rejected Request", lerr.Message)
	default:
		httpx.Problem(w, http.StatusBadGateway, "Upstream Unavailable", lerr.Message)
	}
}
