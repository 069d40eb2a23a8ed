// Package tenant implements the tenant key store (C7): issuing, looking up,
// and managing the API keys clients authenticate proxy requests with.
package tenant

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metergate/gateway/store"
)

// ErrNotFound is returned when a tenant key lookup finds no matching row.
var ErrNotFound = errors.New("tenant: key not found")

// cacheTTL bounds how stale a cached tenant key can be: long enough to
// spare Postgres on the proxy's hot authentication path, short enough that
// a limit change or deactivation takes effect quickly without an explicit
// invalidation round-trip.
const cacheTTL = 30 * time.Second

// Cache is the narrow read-through cache seam ByHash uses, satisfied by
// *redisclient.Client. A nil Cache (the default) disables caching.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// Key is a tenant's API key and its admission limits.
type Key struct {
	ID          uuid.UUID
	Name        string
	KeyHash     string
	KeyValue    string // plaintext key, stored in key_value and read back by every lookup
	IsActive    bool
	RateLimit   int     // requests/hour, 0 = unlimited
	QuotaLimit  int     // reserved, never enforced (see SPEC_FULL.md Design Notes)
	CostLimit   float64 // USD/hour, 0 = unlimited
	DailyQuota  float64 // USD/day, 0 = unlimited
	CreatedAt   time.Time
	LastUsed    *time.Time
}

// Store is the tenant key store, backed by Postgres.
type Store struct {
	db    *store.DB
	cache Cache
}

// New returns a Store backed by db.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// SetCache attaches a read-through cache for ByHash lookups. Optional; a
// Store with no cache just queries Postgres every time.
func (s *Store) SetCache(c Cache) {
	s.cache = c
}

func cacheKey(hash string) string {
	return "tenant:key:" + hash
}

// invalidate drops the cached entry for id's current hash, called before
// any mutation so a stale row is never served after a limit change,
// deactivation, deletion, or regeneration.
func (s *Store) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	var hash string
	if err := s.db.Pool.QueryRow(ctx, `SELECT key_hash FROM tenant_keys WHERE id = $1`, id).Scan(&hash); err != nil {
		return
	}
	s.cache.Invalidate(ctx, cacheKey(hash))
}

// HashKey returns the lookup hash for a raw API key value, matching the
// original's SHA-256 hex digest.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Generate creates a new raw API key value: a "ck-" prefix followed by 32
// URL-safe characters, matching the original's generate_api_key (token via
// crypto/rand instead of Python's secrets module; "-"/"_" stripped from the
// base64 alphabet since the original strips them from token_urlsafe output).
func Generate() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("tenant: generate key: %w", err)
		}
		encoded := base64.RawURLEncoding.EncodeToString(buf)
		encoded = strings.NewReplacer("-", "", "_", "").Replace(encoded)
		if len(encoded) >= 32 {
			return "ck-" + encoded[:32], nil
		}
	}
	return "", fmt.Errorf("tenant: could not generate a key with enough entropy")
}

// Create inserts a new tenant key, applying the same defaults as the
// original's create_api_key when the caller leaves a limit at zero.
func (s *Store) Create(ctx context.Context, name string, rateLimit, quotaLimit int, costLimit, dailyQuota float64) (*Key, error) {
	raw, err := Generate()
	if err != nil {
		return nil, err
	}
	if rateLimit == 0 {
		rateLimit = 1000
	}
	if quotaLimit == 0 {
		quotaLimit = 100000
	}
	if costLimit == 0 {
		costLimit = 10.0
	}
	if dailyQuota == 0 {
		dailyQuota = 50.0
	}

	k := &Key{
		ID:         uuid.New(),
		Name:       name,
		KeyHash:    HashKey(raw),
		KeyValue:   raw,
		IsActive:   true,
		RateLimit:  rateLimit,
		QuotaLimit: quotaLimit,
		CostLimit:  costLimit,
		DailyQuota: dailyQuota,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO tenant_keys (id, name, key_hash, key_value, is_active, rate_limit, quota_limit, cost_limit, daily_quota, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.ID, k.Name, k.KeyHash, k.KeyValue, k.IsActive, k.RateLimit, k.QuotaLimit, k.CostLimit, k.DailyQuota, k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tenant: create: %w", err)
	}
	return k, nil
}

// ByHash looks up an active tenant key by its lookup hash. Inactive keys
// are treated as not found, matching the original's is_active filter. This
// is the proxy's per-request authentication lookup, so it is the one path
// that reads through the optional cache.
func (s *Store) ByHash(ctx context.Context, hash string) (*Key, error) {
	ck := cacheKey(hash)
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, ck); ok {
			var k Key
			if err := json.Unmarshal([]byte(v), &k); err == nil {
				return &k, nil
			}
		}
	}
	k, err := s.scanOne(ctx, s.db.Pool, `
		SELECT id, name, key_hash, coalesce(key_value,''), is_active, rate_limit, quota_limit, cost_limit, daily_quota, created_at, last_used
		FROM tenant_keys WHERE key_hash = $1 AND is_active = true`, hash)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if b, err := json.Marshal(k); err == nil {
			s.cache.Set(ctx, ck, string(b), cacheTTL)
		}
	}
	return k, nil
}

// ByID looks up a tenant key regardless of active status, for admin use.
func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*Key, error) {
	return s.scanOne(ctx, s.db.Pool, `
		SELECT id, name, key_hash, coalesce(key_value,''), is_active, rate_limit, quota_limit, cost_limit, daily_quota, created_at, last_used
		FROM tenant_keys WHERE id = $1`, id)
}

// List returns all tenant keys, most recently created first.
func (s *Store) List(ctx context.Context) ([]*Key, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, name, key_hash, coalesce(key_value,''), is_active, rate_limit, quota_limit, cost_limit, daily_quota, created_at, last_used
		FROM tenant_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateLimits updates the mutable limit fields of a tenant key.
func (s *Store) UpdateLimits(ctx context.Context, id uuid.UUID, rateLimit, quotaLimit int, costLimit, dailyQuota float64) error {
	s.invalidate(ctx, id)
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE tenant_keys SET rate_limit = $2, quota_limit = $3, cost_limit = $4, daily_quota = $5 WHERE id = $1`,
		id, rateLimit, quotaLimit, costLimit, dailyQuota)
	if err != nil {
		return fmt.Errorf("tenant: update limits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate flips is_active to false without deleting the row or its
// ledger history.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	s.invalidate(ctx, id)
	tag, err := s.db.Pool.Exec(ctx, `UPDATE tenant_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("tenant: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastUsed stamps last_used to now. Errors are logged by the caller,
// never surfaced to the request path, matching the fire-and-forget
// metering model.
func (s *Store) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Pool.Exec(ctx, `UPDATE tenant_keys SET last_used = now() WHERE id = $1`, id)
	return err
}

// Delete permanently removes a tenant key and cascades to its ledger rows
// (usage_records, daily_usage) inside one transaction, matching the
// original's explicit pre-delete of dependent rows.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.invalidate(ctx, id)
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM daily_usage WHERE tenant_key_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM usage_records WHERE tenant_key_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM tenant_keys WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Regenerate issues a new raw key value and hash for an existing tenant
// key, resetting created_at and clearing last_used, matching the original's
// regenerate_api_key.
func (s *Store) Regenerate(ctx context.Context, id uuid.UUID) (*Key, error) {
	s.invalidate(ctx, id)
	raw, err := Generate()
	if err != nil {
		return nil, err
	}
	hash := HashKey(raw)
	now := time.Now().UTC()

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE tenant_keys SET key_hash = $2, key_value = $3, created_at = $4, last_used = NULL WHERE id = $1`,
		id, hash, raw, now)
	if err != nil {
		return nil, fmt.Errorf("tenant: regenerate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.ByID(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*Key, error) {
	var k Key
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyValue, &k.IsActive, &k.RateLimit, &k.QuotaLimit, &k.CostLimit, &k.DailyQuota, &k.CreatedAt, &k.LastUsed); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) scanOne(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (*Key, error) {
	row := pool.QueryRow(ctx, query, args...)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenant: query: %w", err)
	}
	return k, nil
}
