package adminapi

import "net/http"

type modelSwapConfigResponse struct {
	EnableModelSwapping bool              `json:"enable_model_swapping"`
	ModelMapping        map[string]string `json:"model_mapping"`
}

// GetModelSwapConfig handles GET /admin/model-swap-config.
func (a *API) GetModelSwapConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelSwapConfigResponse{
		EnableModelSwapping: a.models.Enabled(),
		ModelMapping:        a.models.Mapping(),
	})
}

// PutModelSwapConfig handles PUT /admin/model-swap-config, replacing the
// in-memory mapping wholesale (not merging), matching the original's
// update_model_swap_config semantics.
func (a *API) PutModelSwapConfig(w http.ResponseWriter, r *http.Request) {
	var req modelSwapConfigResponse
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	a.models.Set(req.EnableModelSwapping, req.ModelMapping)
	writeJSON(w, http.StatusOK, modelSwapConfigResponse{
		EnableModelSwapping: a.models.Enabled(),
		ModelMapping:        a.models.Mapping(),
	})
}
