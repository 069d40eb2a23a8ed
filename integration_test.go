package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metergate/gateway/adminapi"
	"github.com/metergate/gateway/backend"
	"github.com/metergate/gateway/config"
	"github.com/metergate/gateway/ledger"
	"github.com/metergate/gateway/limiter"
	"github.com/metergate/gateway/observability"
	"github.com/metergate/gateway/pricing"
	"github.com/metergate/gateway/proxy"
	"github.com/metergate/gateway/rewrite"
	"github.com/metergate/gateway/router"
	"github.com/metergate/gateway/store"
	"github.com/metergate/gateway/tenant"
)

// TestProxyEndToEnd drives the full pipeline against a real Postgres
// database and a fake upstream: issue a tenant key, seed a backend pointed
// at a mock Anthropic server, send a request through the router, and
// confirm both the proxied response and the resulting ledger row are
// correct. Requires RUN_GATEWAY_INTEGRATION=1 and a reachable DATABASE_URL
// (bring up Postgres locally, then export DATABASE_URL).
func TestProxyEndToEnd(t *testing.T) {
	if os.Getenv("RUN_GATEWAY_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_GATEWAY_INTEGRATION=1 to run")
	}

	t.Setenv("SECRET_KEY", "integration-test-secret")
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.New(ctx, cfg.DatabaseURL, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-upstream-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"claude-sonnet-4-5-20250929","usage":{"input_tokens":10,"output_tokens":20,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}`)
	}))
	defer upstream.Close()

	tenants := tenant.New(db)
	key, err := tenants.Create(ctx, "integration", 0, 0, 0, 0)
	require.NoError(t, err)
	defer tenants.Delete(ctx, key.ID)

	backends := backend.New(db)
	seeded, err := backends.Create(ctx, "integration-upstream", upstream.URL, "test-upstream-key", true, true)
	require.NoError(t, err)
	defer backends.Delete(ctx, seeded.ID)

	pricingTable := pricing.DefaultTable()
	l := ledger.New(db, 100)
	limits := limiter.New(l)
	models := rewrite.NewStore(false, nil)
	metrics := observability.New()

	pipeline := proxy.New(zerolog.Nop(), tenants, limits, backends, pricingTable, l, models, 10*time.Second, metrics)
	admin := adminapi.New(zerolog.Nop(), tenants, backends, limits, l, models, adminapi.Config{
		AdminUsername:            cfg.AdminUsername,
		AdminPasswordHash:        cfg.AdminPasswordHash,
		SecretKey:                cfg.SecretKey,
		AccessTokenExpireMinutes: cfg.AccessTokenExpireMinutes,
	})
	r := router.New(cfg, zerolog.Nop(), db, pipeline, admin, metrics)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", key.KeyValue)
	req.Header.Set("content-type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "claude-sonnet-4-5-20250929", body["model"])

	// Metering runs fire-and-forget in a background goroutine, so the row
	// may not even be queued yet when ServeHTTP returns; poll until it has
	// been written before asserting on it.
	var rowCount int
	require.Eventually(t, func() bool {
		err := db.Pool.QueryRow(ctx,
			`SELECT count(*) FROM usage_records WHERE tenant_key_id = $1 AND model = $2`,
			key.ID, "claude-sonnet-4-5-20250929").Scan(&rowCount)
		return err == nil && rowCount > 0
	}, 10*time.Second, 100*time.Millisecond)
	l.Close()
	require.Equal(t, 1, rowCount)
}
