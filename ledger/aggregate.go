package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DailyUsage is one (tenant_key, date, model) roll-up row.
type DailyUsage struct {
	ID                      uuid.UUID
	TenantKeyID             uuid.UUID
	Date                    time.Time // UTC, truncated to day
	Model                   string
	TotalRequests           int64
	TotalInputTokens        int64
	TotalOutputTokens       int64
	TotalCacheCreationTokens int64
	TotalCacheReadTokens    int64
	TotalTokens             int64
	TotalCost               float64
	AvgProcessingTime       float64
	AvgOutputTPS            float64
}

// AggregateDay rolls up usage_records for the given UTC calendar day into
// daily_usage, grouped by (tenant_key_id, model), upserting on the natural
// key. Matches the original's aggregate_daily_usage: averages of
// processing_time/output_tps are computed only over rows where that field
// is non-zero, so a burst of zero-latency synthetic rows never drags the
// average toward zero.
func (l *Ledger) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := l.db.Pool.Query(ctx, `
		SELECT
			tenant_key_id,
			model,
			count(*) AS total_requests,
			coalesce(sum(input_tokens), 0),
			coalesce(sum(output_tokens), 0),
			coalesce(sum(cache_creation_tokens), 0),
			coalesce(sum(cache_read_tokens), 0),
			coalesce(sum(tokens_used), 0),
			coalesce(sum(cost), 0),
			coalesce(avg(processing_time) FILTER (WHERE processing_time > 0), 0),
			coalesce(avg(output_tps) FILTER (WHERE output_tps > 0), 0)
		FROM usage_records
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY tenant_key_id, model`, dayStart, dayEnd)
	if err != nil {
		return 0, fmt.Errorf("ledger: aggregate query: %w", err)
	}
	defer rows.Close()

	type group struct {
		tenantKeyID                                          uuid.UUID
		model                                                string
		totalRequests, inTok, outTok, cacheW, cacheR, tokens int64
		cost, avgProc, avgTPS                                float64
	}
	var groups []group
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.tenantKeyID, &g.model, &g.totalRequests, &g.inTok, &g.outTok, &g.cacheW, &g.cacheR,
			&g.tokens, &g.cost, &g.avgProc, &g.avgTPS); err != nil {
			return 0, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, g := range groups {
		_, err := l.db.Pool.Exec(ctx, `
			INSERT INTO daily_usage
				(id, tenant_key_id, date, model, total_requests, total_input_tokens, total_output_tokens,
				 total_cache_creation_tokens, total_cache_read_tokens, total_tokens, total_cost,
				 avg_processing_time, avg_output_tps)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (tenant_key_id, date, model) DO UPDATE SET
				total_requests = EXCLUDED.total_requests,
				total_input_tokens = EXCLUDED.total_input_tokens,
				total_output_tokens = EXCLUDED.total_output_tokens,
				total_cache_creation_tokens = EXCLUDED.total_cache_creation_tokens,
				total_cache_read_tokens = EXCLUDED.total_cache_read_tokens,
				total_tokens = EXCLUDED.total_tokens,
				total_cost = EXCLUDED.total_cost,
				avg_processing_time = EXCLUDED.avg_processing_time,
				avg_output_tps = EXCLUDED.avg_output_tps`,
			uuid.New(), g.tenantKeyID, dayStart, g.model, g.totalRequests, g.inTok, g.outTok, g.cacheW, g.cacheR,
			g.tokens, g.cost, g.avgProc, g.avgTPS)
		if err != nil {
			return 0, fmt.Errorf("ledger: aggregate upsert: %w", err)
		}
	}
	return len(groups), nil
}

// ChartPoint is one zero-filled day of a usage chart, with a per-model
// breakdown, matching the original's get_daily_usage_chart_data shape.
type ChartPoint struct {
	Date   time.Time
	Models map[string]DailyUsage
}

// SummaryRow is one model's aggregate totals within a summary window.
type SummaryRow struct {
	Model             string
	TotalRequests     int64
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalTokens       int64
	TotalCost         float64
}

// Summary rolls up usage_records across every tenant key within [since,
// until), grouped by model, for the admin-facing /usage/summary endpoint.
func (l *Ledger) Summary(ctx context.Context, since, until time.Time) ([]SummaryRow, error) {
	rows, err := l.db.Pool.Query(ctx, `
		SELECT model, count(*), coalesce(sum(input_tokens),0), coalesce(sum(output_tokens),0),
		       coalesce(sum(tokens_used),0), coalesce(sum(cost),0)
		FROM usage_records
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY model ORDER BY model`, since, until)
	if err != nil {
		return nil, fmt.Errorf("ledger: summary query: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(&s.Model, &s.TotalRequests, &s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalTokens, &s.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Chart returns a zero-filled daily usage chart for tenantKeyID covering
// the last `days` calendar days, including today.
func (l *Ledger) Chart(ctx context.Context, tenantKeyID uuid.UUID, days int) ([]ChartPoint, error) {
	if days <= 0 {
		days = 30
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -days+1)

	rows, err := l.db.Pool.Query(ctx, `
		SELECT date, model, total_requests, total_input_tokens, total_output_tokens,
		       total_cache_creation_tokens, total_cache_read_tokens, total_tokens, total_cost,
		       avg_processing_time, avg_output_tps
		FROM daily_usage WHERE tenant_key_id = $1 AND date >= $2 ORDER BY date ASC`, tenantKeyID, start)
	if err != nil {
		return nil, fmt.Errorf("ledger: chart query: %w", err)
	}
	defer rows.Close()

	byDate := map[string]map[string]DailyUsage{}
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Model, &d.TotalRequests, &d.TotalInputTokens, &d.TotalOutputTokens,
			&d.TotalCacheCreationTokens, &d.TotalCacheReadTokens, &d.TotalTokens, &d.TotalCost,
			&d.AvgProcessingTime, &d.AvgOutputTPS); err != nil {
			return nil, err
		}
		d.TenantKeyID = tenantKeyID
		key := d.Date.Format("2006-01-02")
		if byDate[key] == nil {
			byDate[key] = map[string]DailyUsage{}
		}
		byDate[key][d.Model] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ChartPoint, 0, days)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i)
		key := day.Format("2006-01-02")
		models := byDate[key]
		if models == nil {
			models = map[string]DailyUsage{}
		}
		out = append(out, ChartPoint{Date: day, Models: models})
	}
	return out, nil
}
