// Package ledger implements the usage ledger (C4): an append-only record of
// every proxied request, written off the request path by an async batch
// writer, plus the admission-check queries the limit engine runs against it.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metergate/gateway/observability"
	"github.com/metergate/gateway/store"
)

// Record is one proxied request's accounting entry.
type Record struct {
	ID                  uuid.UUID
	TenantKeyID         uuid.UUID
	Endpoint            string
	Method              string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	TokensUsed          int64
	Cost                float64
	RequestSize         int64
	ResponseSize        int64
	ProcessingTime      float64
	OutputTPS           float64
	Timestamp           time.Time
	StatusCode          int
	ErrorMessage        string
}

// Writer persists ledger records. Implemented by *Ledger; defined as an
// interface so the proxy pipeline and tests can depend on a narrow seam.
type Writer interface {
	Write(r Record)
}

// Ledger is the Postgres-backed usage ledger with a buffered async writer,
// grounded on the teacher's AsyncLogger: a channel-fed batch drain with a
// time-based flush tick, so the request goroutine never blocks on a
// round-trip to Postgres (see SPEC_FULL.md §5, fire-and-forget metering).
type Ledger struct {
	db *store.DB

	ch      chan Record
	wg      sync.WaitGroup
	metrics *observability.Metrics
}

// New starts a Ledger with the given channel buffer size. Call Close during
// shutdown to drain pending records.
func New(db *store.DB, bufferSize int) *Ledger {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	l := &Ledger{db: db, ch: make(chan Record, bufferSize)}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Write queues a record for async persistence. If the buffer is full the
// record is dropped rather than blocking the request goroutine; a dropped
// record only affects that one ledger row, never the client response.
func (l *Ledger) Write(r Record) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	select {
	case l.ch <- r:
	default:
	}
}

// SetMetrics attaches Prometheus collectors so each batch flush's duration
// is observed. Optional; a nil Ledger metrics field simply skips recording.
func (l *Ledger) SetMetrics(m *observability.Metrics) {
	l.metrics = m
}

// Close stops accepting new records, flushes whatever is queued, and waits
// for the drain loop to exit.
func (l *Ledger) Close() {
	close(l.ch)
	l.wg.Wait()
}

func (l *Ledger) drain() {
	defer l.wg.Done()

	batch := make([]Record, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-l.ch:
			if !ok {
				if len(batch) > 0 {
					l.flush(batch)
				}
				return
			}
			batch = append(batch, r)
			if len(batch) >= 100 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Ledger) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushStart := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.LedgerWriteLatency.Observe(time.Since(flushStart).Seconds())
		}
	}()

	for _, r := range batch {
		_, err := l.db.Pool.Exec(ctx, `
			INSERT INTO usage_records
				(id, tenant_key_id, endpoint, method, model, input_tokens, output_tokens,
				 cache_creation_tokens, cache_read_tokens, tokens_used, cost, request_size,
				 response_size, processing_time, output_tps, timestamp, status_code, error_message)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			r.ID, r.TenantKeyID, r.Endpoint, r.Method, r.Model, r.InputTokens, r.OutputTokens,
			r.CacheCreationTokens, r.CacheReadTokens, r.TokensUsed, r.Cost, r.RequestSize,
			r.ResponseSize, r.ProcessingTime, r.OutputTPS, r.Timestamp, r.StatusCode, nullableString(r.ErrorMessage))
		if err != nil {
			// A dropped ledger row degrades accounting precision but must
			// never surface back into the request/response lifecycle.
			continue
		}
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CountSince returns the number of requests tenantKeyID has made at or
// after since.
func (l *Ledger) CountSince(ctx context.Context, tenantKeyID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := l.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM usage_records WHERE tenant_key_id = $1 AND timestamp >= $2`,
		tenantKeyID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count since: %w", err)
	}
	return n, nil
}

// CostSince returns the total cost tenantKeyID has incurred at or after
// since.
func (l *Ledger) CostSince(ctx context.Context, tenantKeyID uuid.UUID, since time.Time) (float64, error) {
	var cost float64
	err := l.db.Pool.QueryRow(ctx, `
		SELECT coalesce(sum(cost), 0) FROM usage_records WHERE tenant_key_id = $1 AND timestamp >= $2`,
		tenantKeyID, since).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("ledger: cost since: %w", err)
	}
	return cost, nil
}

// RecordsForKey returns raw usage records for a key, most recent first,
// limited to n rows (0 = unlimited), for the admin usage-records endpoint.
func (l *Ledger) RecordsForKey(ctx context.Context, tenantKeyID uuid.UUID, limit int) ([]Record, error) {
	query := `
		SELECT id, tenant_key_id, endpoint, method, model, input_tokens, output_tokens,
		       cache_creation_tokens, cache_read_tokens, tokens_used, cost, request_size,
		       response_size, processing_time, output_tps, timestamp, status_code, coalesce(error_message, '')
		FROM usage_records WHERE tenant_key_id = $1 ORDER BY timestamp DESC`
	args := []any{tenantKeyID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := l.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: records for key: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantKeyID, &r.Endpoint, &r.Method, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.CacheCreationTokens, &r.CacheReadTokens, &r.TokensUsed, &r.Cost, &r.RequestSize,
			&r.ResponseSize, &r.ProcessingTime, &r.OutputTPS, &r.Timestamp, &r.StatusCode, &r.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
