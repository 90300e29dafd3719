package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
	"github.com/ledgerpulse/ledgerpulse/internal/scheduler"
)

type mockRefresher struct {
	outcome   scheduler.RefreshOutcome
	summary   sales.PeriodSummary
	tenantErr error
	allCalls  int
	refreshed []string
}

func (m *mockRefresher) RefreshAll(ctx context.Context) scheduler.RefreshOutcome {
	m.allCalls++
	return m.outcome
}

func (m *mockRefresher) RefreshTenant(ctx context.Context, tenantID string) (sales.PeriodSummary, error) {
	m.refreshed = append(m.refreshed, tenantID)
	if m.tenantErr != nil {
		return sales.PeriodSummary{}, m.tenantErr
	}
	return m.summary, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleAll(t *testing.T) {
	refresher := &mockRefresher{outcome: scheduler.RefreshOutcome{Attempted: 3, Succeeded: 2, Failed: 1}}
	job := NewSalesRefreshJob(refresher, testLogger(), nil)

	err := job.HandleAll(context.Background(), NewSalesRefreshAllTask())
	require.NoError(t, err)
	assert.Equal(t, 1, refresher.allCalls)
}

func TestHandleTenant(t *testing.T) {
	refresher := &mockRefresher{summary: sales.PeriodSummary{TenantID: "t1", Period: "03/2024"}}
	job := NewSalesRefreshJob(refresher, testLogger(), nil)

	task, err := NewSalesRefreshTenantTask("t1")
	require.NoError(t, err)

	require.NoError(t, job.HandleTenant(context.Background(), task))
	assert.Equal(t, []string{"t1"}, refresher.refreshed)
}

func TestHandleTenantMalformedPayloadSkipsRetry(t *testing.T) {
	job := NewSalesRefreshJob(&mockRefresher{}, testLogger(), nil)

	bad := asynq.NewTask(TaskSalesRefreshTenant, []byte("not json"))
	err := job.HandleTenant(context.Background(), bad)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	empty := asynq.NewTask(TaskSalesRefreshTenant, []byte(`{"tenant_id":""}`))
	err = job.HandleTenant(context.Background(), empty)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTenantUnregisteredIsBenign(t *testing.T) {
	refresher := &mockRefresher{tenantErr: scheduler.ErrTenantNotRegistered}
	job := NewSalesRefreshJob(refresher, testLogger(), nil)

	task, err := NewSalesRefreshTenantTask("gone")
	require.NoError(t, err)

	// Disconnecting between enqueue and execution is not a failure.
	assert.NoError(t, job.HandleTenant(context.Background(), task))
}

func TestHandleTenantSurfacesRefreshError(t *testing.T) {
	refresher := &mockRefresher{tenantErr: errors.New("upstream down")}
	job := NewSalesRefreshJob(refresher, testLogger(), nil)

	task, err := NewSalesRefreshTenantTask("t1")
	require.NoError(t, err)

	err = job.HandleTenant(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "transient failures stay retryable")
}

func TestHandleTenantTerminalErrorSkipsRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"validation", &ledger.Error{Type: ledger.ErrValidation, Message: "bad query"}},
		{"authentication", &ledger.Error{Type: ledger.ErrAuthentication, Message: "token revoked"}},
		{"authorization", &ledger.Error{Type: ledger.ErrAuthorization, Message: "realm denied"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			refresher := &mockRefresher{tenantErr: tc.err}
			job := NewSalesRefreshJob(refresher, testLogger(), nil)

			task, err := NewSalesRefreshTenantTask("t1")
			require.NoError(t, err)

			err = job.HandleTenant(context.Background(), task)
			require.Error(t, err)
			assert.ErrorIs(t, err, asynq.SkipRetry)
		})
	}
}

func TestHandleTenantThrottleStaysRetryable(t *testing.T) {
	refresher := &mockRefresher{tenantErr: &ledger.Error{Type: ledger.ErrRateLimit, Message: "throttled"}}
	job := NewSalesRefreshJob(refresher, testLogger(), nil)

	task, err := NewSalesRefreshTenantTask("t1")
	require.NoError(t, err)

	err = job.HandleTenant(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.True(t, ledger.Retryable(err))
}

func TestHandleAllUnconfigured(t *testing.T) {
	var job *SalesRefreshJob
	assert.Error(t, job.HandleAll(context.Background(), NewSalesRefreshAllTask()))
}
