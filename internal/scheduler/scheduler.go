// Package scheduler owns the registry of tenants enrolled for automatic
// refresh and drives their periodic cache updates. The registry is process
// local: a restart loses registrations until tenants reauthorize.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
)

// ErrTenantNotRegistered indicates the tenant has no active registration.
var ErrTenantNotRegistered = errors.New("tenant not registered")

// Tenant is one registered company and the credential refreshes run under.
type Tenant struct {
	ID           string
	Credential   ledger.Credential
	RegisteredAt time.Time
}

// SalesRefresher is the slice of the sales service the scheduler drives.
type SalesRefresher interface {
	RefreshPeriod(ctx context.Context, tenantID string, cred *ledger.Credential, period sales.Period) (sales.PeriodSummary, error)
}

// Scheduler keeps the tenant registry and executes refreshes against it.
// All access to the registry goes through its methods; nothing else holds a
// reference to the map.
type Scheduler struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant

	sales   SalesRefresher
	logger  *slog.Logger
	flight  singleflight.Group
	clock   func() time.Time
	running atomic.Bool
}

// New constructs a Scheduler.
func New(refresher SalesRefresher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tenants: make(map[string]*Tenant),
		sales:   refresher,
		logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Register enrolls a tenant for automatic refresh. Re-registering replaces
// the stored credential; it never duplicates the recurring schedule since
// the recurring job iterates the registry itself.
func (s *Scheduler) Register(tenantID string, cred ledger.Credential) {
	s.mu.Lock()
	s.tenants[tenantID] = &Tenant{
		ID:           tenantID,
		Credential:   cred,
		RegisteredAt: s.clock(),
	}
	s.mu.Unlock()
	s.logger.Info("tenant registered for automatic refresh", slog.String("tenant_id", tenantID))
}

// Unregister removes a tenant. Idempotent: unknown tenants are a no-op.
func (s *Scheduler) Unregister(tenantID string) {
	s.mu.Lock()
	_, existed := s.tenants[tenantID]
	delete(s.tenants, tenantID)
	s.mu.Unlock()
	if existed {
		s.logger.Info("tenant unregistered", slog.String("tenant_id", tenantID))
	}
}

// Registered reports whether the tenant is currently enrolled.
func (s *Scheduler) Registered(tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenantID]
	return ok
}

// Credential returns the stored credential for a registered tenant.
func (s *Scheduler) Credential(tenantID string) (ledger.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return ledger.Credential{}, ErrTenantNotRegistered
	}
	return t.Credential, nil
}

// UpdateCredential stores a rotated credential pair for the tenant. No-op
// when the tenant unregistered mid-flight.
func (s *Scheduler) UpdateCredential(tenantID string, cred ledger.Credential) {
	cred.Rotated = false
	s.mu.Lock()
	if t, ok := s.tenants[tenantID]; ok {
		t.Credential = cred
	}
	s.mu.Unlock()
}

// TenantIDs returns the registered tenant ids in stable order.
func (s *Scheduler) TenantIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ActiveTenants returns the registry size.
func (s *Scheduler) ActiveTenants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}

// SetRunning flips the running flag reported by Status.
func (s *Scheduler) SetRunning(v bool) { s.running.Store(v) }

// Running reports whether the background worker is processing jobs.
func (s *Scheduler) Running() bool { return s.running.Load() }

// RefreshTenant refreshes the current month for one tenant. Concurrent
// calls for the same tenant collapse into a single in-flight refresh, so
// writes to the same period row never race. A terminal credential failure
// auto-unregisters the tenant to stop futile retries.
func (s *Scheduler) RefreshTenant(ctx context.Context, tenantID string) (sales.PeriodSummary, error) {
	v, err, _ := s.flight.Do(tenantID, func() (any, error) {
		cred, err := s.Credential(tenantID)
		if err != nil {
			return nil, err
		}
		period := sales.CurrentPeriod(s.clock())
		summary, err := s.sales.RefreshPeriod(ctx, tenantID, &cred, period)
		if cred.Rotated {
			s.UpdateCredential(tenantID, cred)
			s.logger.Info("stored rotated credential", slog.String("tenant_id", tenantID))
		}
		if err != nil {
			if ledger.IsTerminalAuth(err) {
				s.logger.Warn("credential rejected, unregistering tenant",
					slog.String("tenant_id", tenantID), slog.Any("error", err))
				s.Unregister(tenantID)
			}
			return nil, err
		}
		return summary, nil
	})
	if err != nil {
		return sales.PeriodSummary{}, err
	}
	return v.(sales.PeriodSummary), nil
}

// RefreshOutcome counts one batch run over the registry.
type RefreshOutcome struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RefreshAll refreshes every registered tenant. Failures are isolated and
// counted; one tenant's bad day never blocks the rest of the batch.
func (s *Scheduler) RefreshAll(ctx context.Context) RefreshOutcome {
	ids := s.TenantIDs()
	outcome := RefreshOutcome{Attempted: len(ids)}
	for _, id := range ids {
		if _, err := s.RefreshTenant(ctx, id); err != nil {
			outcome.Failed++
			s.logger.Error("tenant refresh failed", slog.String("tenant_id", id), slog.Any("error", err))
			continue
		}
		outcome.Succeeded++
	}
	s.logger.Info("refresh batch completed",
		slog.Int("succeeded", outcome.Succeeded), slog.Int("failed", outcome.Failed))
	return outcome
}

// ForceResult reports an on-demand refresh triggered from the admin surface.
type ForceResult struct {
	TenantID  string          `json:"tenant_id,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Outcome   *RefreshOutcome `json:"outcome,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ForceRefresh refreshes one tenant immediately, or the whole registry when
// tenantID is empty.
func (s *Scheduler) ForceRefresh(ctx context.Context, tenantID string) ForceResult {
	now := s.clock()
	if tenantID == "" {
		outcome := s.RefreshAll(ctx)
		return ForceResult{Success: outcome.Failed == 0, Outcome: &outcome, Timestamp: now}
	}
	if _, err := s.RefreshTenant(ctx, tenantID); err != nil {
		return ForceResult{TenantID: tenantID, Success: false, Error: err.Error(), Timestamp: now}
	}
	return ForceResult{TenantID: tenantID, Success: true, Timestamp: now}
}

// JobInfo describes one scheduled job for the status document.
type JobInfo struct {
	ID      string     `json:"id"`
	Spec    string     `json:"spec,omitempty"`
	NextRun *time.Time `json:"next_run_time,omitempty"`
}

// Status is the scheduler state exposed to the admin surface.
type Status struct {
	Running       bool      `json:"running"`
	ActiveTenants int       `json:"active_tenant_count"`
	Tenants       []string  `json:"tenants"`
	Jobs          []JobInfo `json:"jobs"`
}

// Status composes the status document; job entries come from the queue
// inspector owned by the caller.
func (s *Scheduler) Status(jobs []JobInfo) Status {
	return Status{
		Running:       s.Running(),
		ActiveTenants: s.ActiveTenants(),
		Tenants:       s.TenantIDs(),
		Jobs:          jobs,
	}
}
