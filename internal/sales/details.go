package sales

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// detailCacheVersion is stamped into every drill-down blob.
const detailCacheVersion = "1.0"

// DetailStore keeps the denormalized blobs that enrich read responses: the
// per-period transaction drill-down and the materialized annual documents.
// Everything here is best-effort; a miss or a write failure never fails the
// summary path.
type DetailStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDetailStore constructs the store. Blobs expire after ttl so they never
// outlive the pruned summary rows by much.
func NewDetailStore(client *redis.Client, ttl time.Duration) *DetailStore {
	return &DetailStore{client: client, ttl: ttl}
}

func detailKey(tenantID string, period Period) string {
	// MM/YYYY flips to YYYY_MM so keys group by tenant and sort by time.
	parts := strings.SplitN(string(period), "/", 2)
	if len(parts) == 2 {
		return fmt.Sprintf("sales:detail:%s:%s_%s", tenantID, parts[1], parts[0])
	}
	return fmt.Sprintf("sales:detail:%s:%s", tenantID, strings.ReplaceAll(string(period), "/", "_"))
}

func annualKey(tenantID string, year int) string {
	return fmt.Sprintf("sales:annual:%s:%d", tenantID, year)
}

// SaveDetail persists the transaction drill-down for a period.
func (d *DetailStore) SaveDetail(ctx context.Context, tenantID string, period Period, detail TransactionDetail) error {
	if d == nil || d.client == nil {
		return nil
	}
	detail.Version = detailCacheVersion
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sales: marshal detail blob: %w", err)
	}
	if err := d.client.Set(ctx, detailKey(tenantID, period), raw, d.ttl).Err(); err != nil {
		return fmt.Errorf("sales: save detail blob: %w", err)
	}
	return nil
}

// LoadDetail returns the drill-down blob, or nil when absent.
func (d *DetailStore) LoadDetail(ctx context.Context, tenantID string, period Period) (*TransactionDetail, error) {
	if d == nil || d.client == nil {
		return nil, nil
	}
	raw, err := d.client.Get(ctx, detailKey(tenantID, period)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sales: load detail blob: %w", err)
	}
	var detail TransactionDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("sales: decode detail blob: %w", err)
	}
	return &detail, nil
}

// SaveAnnual materializes an annual document.
func (d *DetailStore) SaveAnnual(ctx context.Context, doc AnnualSummary) error {
	if d == nil || d.client == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sales: marshal annual doc: %w", err)
	}
	if err := d.client.Set(ctx, annualKey(doc.TenantID, doc.Year), raw, d.ttl).Err(); err != nil {
		return fmt.Errorf("sales: save annual doc: %w", err)
	}
	return nil
}

// LoadAnnual returns the materialized annual document, or nil when absent.
func (d *DetailStore) LoadAnnual(ctx context.Context, tenantID string, year int) (*AnnualSummary, error) {
	if d == nil || d.client == nil {
		return nil, nil
	}
	raw, err := d.client.Get(ctx, annualKey(tenantID, year)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sales: load annual doc: %w", err)
	}
	var doc AnnualSummary
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("sales: decode annual doc: %w", err)
	}
	return &doc, nil
}

// DropAnnual invalidates a materialized annual document.
func (d *DetailStore) DropAnnual(ctx context.Context, tenantID string, year int) error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Del(ctx, annualKey(tenantID, year)).Err()
}
