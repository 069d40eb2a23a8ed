// Package adminapi implements the admin/usage HTTP surface (C14): tenant
// key and backend CRUD, model-swap configuration, and usage reporting, all
// JSON, secured by the bearer JWT issued at POST /admin/login.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/metergate/gateway/backend"
	"github.com/metergate/gateway/ledger"
	"github.com/metergate/gateway/limiter"
	"github.com/metergate/gateway/rewrite"
	"github.com/metergate/gateway/tenant"
)

// API holds the dependencies every admin handler needs.
type API struct {
	log      zerolog.Logger
	tenants  *tenant.Store
	backends *backend.Registry
	limits   *limiter.Engine
	ledger   *ledger.Ledger
	models   *rewrite.Store

	adminUsername            string
	adminPasswordHash        string
	secretKey                string
	accessTokenExpireMinutes int
}

// Config carries the admin-auth settings New needs, kept separate from the
// other dependencies so it reads clearly at the call site in main.go.
type Config struct {
	AdminUsername            string
	AdminPasswordHash        string
	SecretKey                string
	AccessTokenExpireMinutes int
}

// New builds an API.
func New(log zerolog.Logger, tenants *tenant.Store, backends *backend.Registry, limits *limiter.Engine,
	l *ledger.Ledger, models *rewrite.Store, cfg Config) *API {
	return &API{
		log:                      log,
		tenants:                  tenants,
		backends:                 backends,
		limits:                   limits,
		ledger:                   l,
		models:                   models,
		adminUsername:            cfg.AdminUsername,
		adminPasswordHash:        cfg.AdminPasswordHash,
		secretKey:                cfg.SecretKey,
		accessTokenExpireMinutes: cfg.AccessTokenExpireMinutes,
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"type": errType, "message": message},
	})
}
