package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/metergate/gateway/backend"
)

type backendResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	IsActive  bool      `json:"is_active"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toBackendResponse(c *backend.Config) backendResponse {
	return backendResponse{
		ID: c.ID, Name: c.Name, BaseURL: c.BaseURL,
		IsActive: c.IsActive, IsDefault: c.IsDefault,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
	// api_key is intentionally never echoed back.
}

type createBackendRequest struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	IsActive  bool   `json:"is_active"`
	IsDefault bool   `json:"is_default"`
}

// CreateBackend handles POST /admin/backends.
func (a *API) CreateBackend(w http.ResponseWriter, r *http.Request) {
	var req createBackendRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and base_url are required")
		return
	}
	c, err := a.backends.Create(r.Context(), req.Name, req.BaseURL, req.APIKey, req.IsActive, req.IsDefault)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create backend")
		return
	}
	writeJSON(w, http.StatusCreated, toBackendResponse(c))
}

// ListBackends handles GET /admin/backends.
func (a *API) ListBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := a.backends.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list backends")
		return
	}
	out := make([]backendResponse, 0, len(backends))
	for _, c := range backends {
		out = append(out, toBackendResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type updateBackendRequest struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	IsActive  bool   `json:"is_active"`
	IsDefault bool   `json:"is_default"`
}

// UpdateBackend handles PUT /admin/backends/{id}.
func (a *API) UpdateBackend(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	var req updateBackendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	if err := a.backends.Update(r.Context(), id, req.Name, req.BaseURL, req.APIKey, req.IsActive, req.IsDefault); err != nil {
		respondStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBackend handles DELETE /admin/backends/{id}.
func (a *API) DeleteBackend(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	if err := a.backends.Delete(r.Context(), id); err != nil {
		respondStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateBackend handles POST /admin/backends/{id}/activate.
func (a *API) ActivateBackend(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	if err := a.backends.Activate(r.Context(), id); err != nil {
		respondStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
