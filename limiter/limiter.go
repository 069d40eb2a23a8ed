// Package limiter implements the admission control engine (C5): three
// independent checks against the usage ledger — request-rate, hourly cost,
// and calendar-day quota — each following the same "limit <= 0 means
// unlimited" shape as the original's check_rate_limit/check_cost_limit/
// check_daily_quota.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metergate/gateway/tenant"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Limit     float64
	Current   float64
	Remaining float64
	ResetAt   time.Time
}

// usageReader is the narrow ledger seam the limit engine reads through;
// satisfied by *ledger.Ledger.
type usageReader interface {
	CountSince(ctx context.Context, tenantKeyID uuid.UUID, since time.Time) (int64, error)
	CostSince(ctx context.Context, tenantKeyID uuid.UUID, since time.Time) (float64, error)
}

// Engine runs admission checks against the ledger.
type Engine struct {
	ledger usageReader
}

// New returns an Engine reading from l.
func New(l usageReader) *Engine {
	return &Engine{ledger: l}
}

// CheckRate enforces key.RateLimit requests per rolling hour.
func (e *Engine) CheckRate(ctx context.Context, key *tenant.Key) (Decision, error) {
	if key.RateLimit <= 0 {
		return Decision{Allowed: true, Unlimited: true}, nil
	}
	since := time.Now().UTC().Add(-time.Hour)
	count, err := e.ledger.CountSince(ctx, key.ID, since)
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: check rate: %w", err)
	}
	limit := float64(key.RateLimit)
	current := float64(count)
	return Decision{
		Allowed:   current < limit,
		Limit:     limit,
		Current:   current,
		Remaining: max0(limit - current),
		ResetAt:   time.Now().UTC().Add(time.Hour),
	}, nil
}

// CheckCost enforces key.CostLimit USD per rolling hour.
func (e *Engine) CheckCost(ctx context.Context, key *tenant.Key) (Decision, error) {
	if key.CostLimit <= 0 {
		return Decision{Allowed: true, Unlimited: true}, nil
	}
	since := time.Now().UTC().Add(-time.Hour)
	cost, err := e.ledger.CostSince(ctx, key.ID, since)
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: check cost: %w", err)
	}
	return Decision{
		Allowed:   cost < key.CostLimit,
		Limit:     key.CostLimit,
		Current:   cost,
		Remaining: max0(key.CostLimit - cost),
		ResetAt:   time.Now().UTC().Add(time.Hour),
	}, nil
}

// CheckDailyQuota enforces key.DailyQuota USD per UTC calendar day.
func (e *Engine) CheckDailyQuota(ctx context.Context, key *tenant.Key) (Decision, error) {
	if key.DailyQuota <= 0 {
		return Decision{Allowed: true, Unlimited: true}, nil
	}
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cost, err := e.ledger.CostSince(ctx, key.ID, todayStart)
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: check daily quota: %w", err)
	}
	return Decision{
		Allowed:   cost < key.DailyQuota,
		Limit:     key.DailyQuota,
		Current:   cost,
		Remaining: max0(key.DailyQuota - cost),
		ResetAt:   todayStart.Add(24 * time.Hour),
	}, nil
}

// CheckName names one of the three admission checks; CheckAll reports it
// for the first check that rejects.
type CheckName string

const (
	CheckRateName  CheckName = "rate_limit"
	CheckCostName  CheckName = "cost_limit"
	CheckQuotaName CheckName = "daily_quota"
)

// Rejection carries the failed check's name and decision, for building the
// 429 response.
type Rejection struct {
	Check    CheckName
	Decision Decision
}

// CheckAll returns (nil, nil) if every check passes, or a non-nil
// Rejection naming the first failed check.
func (e *Engine) CheckAll(ctx context.Context, key *tenant.Key) (*Rejection, error) {
	rate, err := e.CheckRate(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rate.Allowed {
		return &Rejection{Check: CheckRateName, Decision: rate}, nil
	}

	cost, err := e.CheckCost(ctx, key)
	if err != nil {
		return nil, err
	}
	if !cost.Allowed {
		return &Rejection{Check: CheckCostName, Decision: cost}, nil
	}

	quota, err := e.CheckDailyQuota(ctx, key)
	if err != nil {
		return nil, err
	}
	if !quota.Allowed {
		return &Rejection{Check: CheckQuotaName, Decision: quota}, nil
	}

	return nil, nil
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
