package adminapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/metergate/gateway/backend"
	"github.com/metergate/gateway/tenant"
)

type apiKeyResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	KeyValue   string     `json:"key_value,omitempty"`
	IsActive   bool       `json:"is_active"`
	RateLimit  int        `json:"rate_limit"`
	QuotaLimit int        `json:"quota_limit"`
	CostLimit  float64    `json:"cost_limit"`
	DailyQuota float64    `json:"daily_quota"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used_at,omitempty"`
}

func toAPIKeyResponse(k *tenant.Key) apiKeyResponse {
	return apiKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		KeyValue:   k.KeyValue,
		IsActive:   k.IsActive,
		RateLimit:  k.RateLimit,
		QuotaLimit: k.QuotaLimit,
		CostLimit:  k.CostLimit,
		DailyQuota: k.DailyQuota,
		CreatedAt:  k.CreatedAt,
		LastUsed:   k.LastUsed,
	}
}

type createAPIKeyRequest struct {
	Name       string  `json:"name"`
	RateLimit  int     `json:"rate_limit"`
	QuotaLimit int     `json:"quota_limit"`
	CostLimit  float64 `json:"cost_limit"`
	DailyQuota float64 `json:"daily_quota"`
}

// CreateAPIKey handles POST /admin/api-keys. The raw key value is returned
// exactly once, in this response; it is never retrievable again.
func (a *API) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	k, err := a.tenants.Create(r.Context(), req.Name, req.RateLimit, req.QuotaLimit, req.CostLimit, req.DailyQuota)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create api key")
		return
	}
	writeJSON(w, http.StatusCreated, toAPIKeyResponse(k))
}

// ListAPIKeys handles GET /admin/api-keys.
func (a *API) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.tenants.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}
	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp := toAPIKeyResponse(k)
		resp.KeyValue = "" // never re-expose the raw value after creation
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

type updateAPIKeyRequest struct {
	RateLimit  int     `json:"rate_limit"`
	QuotaLimit int     `json:"quota_limit"`
	CostLimit  float64 `json:"cost_limit"`
	DailyQuota float64 `json:"daily_quota"`
}

// UpdateAPIKey handles PUT /admin/api-keys/{id}.
func (a *API) UpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	var req updateAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	if err := a.tenants.UpdateLimits(r.Context(), id, req.RateLimit, req.QuotaLimit, req.CostLimit, req.DailyQuota); err != nil {
		respondStoreErr(w, err)
		return
	}
	k, err := a.tenants.ByID(r.Context(), id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	resp := toAPIKeyResponse(k)
	resp.KeyValue = ""
	writeJSON(w, http.StatusOK, resp)
}

// DeactivateAPIKey handles DELETE /admin/api-keys/{id}: a soft deactivate,
// keeping the key's ledger history intact.
func (a *API) DeactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	if err := a.tenants.Deactivate(r.Context(), id); err != nil {
		respondStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HardDeleteAPIKey handles DELETE /admin/api-keys/{id}/hard: permanent
// deletion, cascading to ledger rows.
func (a *API) HardDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	if err := a.tenants.Delete(r.Context(), id); err != nil {
		respondStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegenerateAPIKey handles POST /admin/api-keys/{id}/regenerate.
func (a *API) RegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	k, err := a.tenants.Regenerate(r.Context(), id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIKeyResponse(k))
}

// RateLimitStatus handles GET /admin/api-keys/{id}/rate-limit-status.
func (a *API) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	a.limitStatus(w, r, func(k *tenant.Key) (any, error) { return a.limits.CheckRate(r.Context(), k) })
}

// CostLimitStatus handles GET /admin/api-keys/{id}/cost-limit-status.
func (a *API) CostLimitStatus(w http.ResponseWriter, r *http.Request) {
	a.limitStatus(w, r, func(k *tenant.Key) (any, error) { return a.limits.CheckCost(r.Context(), k) })
}

// DailyQuotaStatus handles GET /admin/api-keys/{id}/daily-quota-status.
func (a *API) DailyQuotaStatus(w http.ResponseWriter, r *http.Request) {
	a.limitStatus(w, r, func(k *tenant.Key) (any, error) { return a.limits.CheckDailyQuota(r.Context(), k) })
}

func (a *API) limitStatus(w http.ResponseWriter, r *http.Request, check func(*tenant.Key) (any, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	k, err := a.tenants.ByID(r.Context(), id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	decision, err := check(k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to evaluate limit")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func respondStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, tenant.ErrNotFound) || errors.Is(err, backend.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if errors.Is(err, backend.ErrDefaultInUse) {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
