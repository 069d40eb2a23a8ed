// Package backend implements the backend registry (C6): the set of
// upstream Anthropic-compatible endpoints the proxy can forward to, with
// single-active/single-default invariants enforced transactionally.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/metergate/gateway/store"
)

// ErrNotFound is returned when a backend lookup finds no matching row.
var ErrNotFound = errors.New("backend: not found")

// activeCacheKey is the single cache slot for the currently active backend
// -- there is only ever one, so no per-id keying is needed.
const activeCacheKey = "backend:active"

// activeCacheTTL bounds how stale a cached active backend can be.
const activeCacheTTL = 30 * time.Second

// Cache is the narrow read-through cache seam Active uses, satisfied by
// *redisclient.Client. A nil Cache (the default) disables caching.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// ErrDefaultInUse is returned when deleting the default backend is
// attempted; the original rejects this outright rather than silently
// picking a new default.
var ErrDefaultInUse = errors.New("backend: cannot delete the default backend")

// Config is one upstream backend.
type Config struct {
	ID        uuid.UUID
	Name      string
	BaseURL   string
	APIKey    string
	IsActive  bool
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry is the backend registry, backed by Postgres.
type Registry struct {
	db    *store.DB
	cache Cache
}

// New returns a Registry backed by db.
func New(db *store.DB) *Registry {
	return &Registry{db: db}
}

// SetCache attaches a read-through cache for Active lookups. Optional; a
// Registry with no cache just queries Postgres every time.
func (r *Registry) SetCache(c Cache) {
	r.cache = c
}

// SeedDefault inserts a single default/active backend from static
// configuration if, and only if, backend_configs is empty. This lets the
// gateway boot from ANTHROPIC_API_KEY/ANTHROPIC_BASE_URL the first time it
// runs against a fresh database without requiring an admin API call first.
func (r *Registry) SeedDefault(ctx context.Context, name, baseURL, apiKey string) error {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM backend_configs`).Scan(&count); err != nil {
		return fmt.Errorf("backend: count: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := r.Create(ctx, name, baseURL, apiKey, true, true)
	return err
}

// Create inserts a new backend. If isDefault or isActive is true, any
// existing default/active row is cleared first inside the same
// transaction, so at most one row ever carries either flag.
func (r *Registry) Create(ctx context.Context, name, baseURL, apiKey string, isActive, isDefault bool) (*Config, error) {
	c := &Config{
		ID:        uuid.New(),
		Name:      name,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		IsActive:  isActive,
		IsDefault: isDefault,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if isDefault {
			if _, err := tx.Exec(ctx, `UPDATE backend_configs SET is_default = false WHERE is_default = true`); err != nil {
				return err
			}
		}
		if isActive {
			if _, err := tx.Exec(ctx, `UPDATE backend_configs SET is_active = false WHERE is_active = true`); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO backend_configs (id, name, base_url, api_key, is_active, is_default, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.Name, c.BaseURL, c.APIKey, c.IsActive, c.IsDefault, c.CreatedAt, c.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("backend: create: %w", err)
	}
	if isActive || isDefault {
		r.invalidateActive(ctx)
	}
	return c, nil
}

// List returns all backends, newest first.
func (r *Registry) List(ctx context.Context) ([]*Config, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, name, base_url, api_key, is_active, is_default, created_at, updated_at
		FROM backend_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("backend: list: %w", err)
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Active returns the currently active backend, falling back to the default
// backend, then to nil (ErrNotFound) if neither exists, matching the
// original's get_active_backend_config fallback chain. This is the proxy's
// per-request backend-selection lookup, so it is the one path that reads
// through the optional cache.
func (r *Registry) Active(ctx context.Context) (*Config, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(ctx, activeCacheKey); ok {
			var c Config
			if err := json.Unmarshal([]byte(v), &c); err == nil {
				return &c, nil
			}
		}
	}

	c, err := r.scanOne(ctx, `
		SELECT id, name, base_url, api_key, is_active, is_default, created_at, updated_at
		FROM backend_configs WHERE is_active = true LIMIT 1`)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c, err = r.scanOne(ctx, `
			SELECT id, name, base_url, api_key, is_active, is_default, created_at, updated_at
			FROM backend_configs WHERE is_default = true LIMIT 1`)
		if err != nil {
			return nil, err
		}
	}

	if r.cache != nil {
		if b, err := json.Marshal(c); err == nil {
			r.cache.Set(ctx, activeCacheKey, string(b), activeCacheTTL)
		}
	}
	return c, nil
}

func (r *Registry) invalidateActive(ctx context.Context) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, activeCacheKey)
	}
}

// Activate clears is_active on every backend and sets it on id, inside one
// transaction, matching the original's activate_backend_config.
func (r *Registry) Activate(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE backend_configs SET is_active = false WHERE is_active = true`); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE backend_configs SET is_active = true, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil {
		r.invalidateActive(ctx)
	}
	return err
}

// Update modifies a backend's fields, clearing any other default/active row
// first if isDefault/isActive is being set to true, preserving the
// single-active/single-default invariant Activate enforces.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, name, baseURL, apiKey string, isActive, isDefault bool) error {
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if isDefault {
			if _, err := tx.Exec(ctx, `UPDATE backend_configs SET is_default = false WHERE is_default = true AND id != $1`, id); err != nil {
				return err
			}
		}
		if isActive {
			if _, err := tx.Exec(ctx, `UPDATE backend_configs SET is_active = false WHERE is_active = true AND id != $1`, id); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE backend_configs SET name = $2, base_url = $3, api_key = $4, is_active = $5, is_default = $6, updated_at = now()
			WHERE id = $1`,
			id, name, strings.TrimRight(baseURL, "/"), apiKey, isActive, isDefault)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil {
		r.invalidateActive(ctx)
	}
	return err
}

// Delete removes a backend, refusing to delete the default one, matching
// the original's delete_backend_config.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	var isDefault bool
	err := r.db.Pool.QueryRow(ctx, `SELECT is_default FROM backend_configs WHERE id = $1`, id).Scan(&isDefault)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("backend: lookup: %w", err)
	}
	if isDefault {
		return ErrDefaultInUse
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM backend_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("backend: delete: %w", err)
	}
	r.invalidateActive(ctx)
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var c Config
	if err := row.Scan(&c.ID, &c.Name, &c.BaseURL, &c.APIKey, &c.IsActive, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Registry) scanOne(ctx context.Context, query string, args ...any) (*Config, error) {
	row := r.db.Pool.QueryRow(ctx, query, args...)
	c, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backend: query: %w", err)
	}
	return c, nil
}
