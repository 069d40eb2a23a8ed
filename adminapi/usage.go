package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// UsageSummary handles GET /usage/summary?from=&to= (RFC3339 dates,
// defaulting to the trailing 24 hours), returning per-model aggregate
// totals across every tenant key.
func (a *API) UsageSummary(w http.ResponseWriter, r *http.Request) {
	since, until := parseWindow(r, 24*time.Hour)
	rows, err := a.ledger.Summary(r.Context(), since, until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": since, "to": until, "models": rows,
	})
}

// UsageChart handles GET /usage/chart?days=, the cross-tenant variant of
// /usage/chart/{key_id}: it reports the same zero-filled shape for every
// active tenant key, one ChartPoint slice per key id.
func (a *API) UsageChart(w http.ResponseWriter, r *http.Request) {
	days := parseDays(r)
	keys, err := a.tenants.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}
	out := map[string]any{}
	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		chart, err := a.ledger.Chart(r.Context(), k.ID, days)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to build chart")
			return
		}
		out[k.ID.String()] = chart
	}
	writeJSON(w, http.StatusOK, out)
}

// UsageRecords handles GET /usage/records/{key_id}?limit=.
func (a *API) UsageRecords(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "key_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid key_id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	records, err := a.ledger.RecordsForKey(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch records")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// UsageChartForKey handles GET /usage/chart/{key_id}?days=.
func (a *API) UsageChartForKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "key_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid key_id")
		return
	}
	days := parseDays(r)
	chart, err := a.ledger.Chart(r.Context(), id, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build chart")
		return
	}
	writeJSON(w, http.StatusOK, chart)
}

// AggregateUsage handles POST /usage/aggregate?date=YYYY-MM-DD (defaulting
// to yesterday, UTC), triggering an on-demand roll-up of usage_records into
// daily_usage for that calendar day.
func (a *API) AggregateUsage(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC().AddDate(0, 0, -1)
	if v := r.URL.Query().Get("date"); v != "" {
		if parsed, err := time.Parse("2006-01-02", v); err == nil {
			day = parsed
		}
	}
	groups, err := a.ledger.AggregateDay(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day.Format("2006-01-02"), "groups_aggregated": groups})
}

func parseWindow(r *http.Request, defaultSpan time.Duration) (time.Time, time.Time) {
	now := time.Now().UTC()
	since, until := now.Add(-defaultSpan), now
	if v := r.URL.Query().Get("from"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			until = parsed
		}
	}
	return since, until
}

func parseDays(r *http.Request) int {
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 30
}
