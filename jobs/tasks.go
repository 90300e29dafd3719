package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSalesRefreshAll refreshes the current month for every registered tenant.
	TaskSalesRefreshAll = "sales:refresh_all"
	// TaskSalesRefreshTenant refreshes the current month for a single tenant.
	TaskSalesRefreshTenant = "sales:refresh_tenant"
	// TaskCachePrune removes cache entries older than the retention window.
	TaskCachePrune = "cache:prune"
	// TaskCacheStats logs cache population statistics.
	TaskCacheStats = "cache:stats"
)

// SalesRefreshTenantPayload targets a refresh at one tenant.
type SalesRefreshTenantPayload struct {
	TenantID string `json:"tenant_id"`
}

// NewSalesRefreshAllTask constructs the batch refresh task.
func NewSalesRefreshAllTask() *asynq.Task {
	return asynq.NewTask(TaskSalesRefreshAll, nil, asynq.Queue(QueueDefault))
}

// NewSalesRefreshTenantTask constructs a single-tenant refresh task.
func NewSalesRefreshTenantTask(tenantID string) (*asynq.Task, error) {
	body, err := json.Marshal(SalesRefreshTenantPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSalesRefreshTenant, body, asynq.Queue(QueueDefault)), nil
}

// NewCachePruneTask constructs the retention prune task.
func NewCachePruneTask() *asynq.Task {
	return asynq.NewTask(TaskCachePrune, nil, asynq.Queue(QueueDefault))
}

// NewCacheStatsTask constructs the cache statistics task.
func NewCacheStatsTask() *asynq.Task {
	return asynq.NewTask(TaskCacheStats, nil, asynq.Queue(QueueDefault))
}
