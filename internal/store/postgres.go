// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package store persists plugin lifecycle state in PostgreSQL. The in-memory
// registries stay authoritative at runtime; rows here exist for operator
// tooling and post-mortems, written through on every lifecycle change.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/plugboard/plugboard/internal/plugin"
)

// Compile-time interface check.
var _ plugin.StateStore = (*Postgres)(nil)

// poolIface abstracts pgxpool.Pool so unit tests can substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Postgres implements plugin.StateStore using PostgreSQL.
type Postgres struct {
	pool poolIface
}

// NewPostgres connects a pool and returns the store.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.In("store").Hint("failed to connect to database").Wrap(err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool poolIface) *Postgres {
	return &Postgres{pool: pool}
}

// Close closes the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// SaveManifest upserts the plugin row. Upsert keeps restarts idempotent:
// the registry re-registers from disk each boot and writes through here.
func (s *Postgres) SaveManifest(ctx context.Context, m *plugin.Manifest, bootPosition int) error {
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return oops.In("store").With("plugin", m.ID).Hint("failed to encode manifest").Wrap(err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO plugins (id, package, version, tier, runtime, manifest, boot_position, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (id) DO UPDATE SET
		   package = EXCLUDED.package,
		   version = EXCLUDED.version,
		   tier = EXCLUDED.tier,
		   runtime = EXCLUDED.runtime,
		   manifest = EXCLUDED.manifest,
		   boot_position = EXCLUDED.boot_position,
		   updated_at = now()`,
		m.ID,
		m.Package,
		m.Version,
		string(m.Tier),
		string(m.Runtime),
		manifestJSON,
		bootPosition,
		string(plugin.StatusPending),
	)
	if err != nil {
		return oops.In("store").With("plugin", m.ID).With("operation", "save manifest").Wrap(err)
	}
	return nil
}

// RecordStatus updates the plugin row and appends a status event so the
// lifecycle history survives the current row being overwritten. The event
// id is a ULID, so ordering by id is ordering by time.
func (s *Postgres) RecordStatus(ctx context.Context, pluginID string, status plugin.Status, errorMessage string) error {
	errCtx := oops.In("store").With("plugin", pluginID).With("status", string(status))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errCtx.With("operation", "begin").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE plugins SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		pluginID, string(status), errorMessage)
	if err != nil {
		return errCtx.With("operation", "update status").Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return errCtx.Code("UNKNOWN_PLUGIN").Errorf("plugin %q has no persisted row", pluginID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO plugin_status_events (id, plugin_id, status, error_message)
		 VALUES ($1, $2, $3, $4)`,
		ulid.Make().String(), pluginID, string(status), errorMessage)
	if err != nil {
		return errCtx.With("operation", "append status event").Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errCtx.With("operation", "commit").Wrap(err)
	}
	return nil
}

// RecordGrants replaces the plugin's persisted capability grants wholesale,
// mirroring the registry semantics.
func (s *Postgres) RecordGrants(ctx context.Context, pluginID string, capabilities []string) error {
	errCtx := oops.In("store").With("plugin", pluginID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errCtx.With("operation", "begin").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `DELETE FROM plugin_grants WHERE plugin_id = $1`, pluginID); err != nil {
		return errCtx.With("operation", "clear grants").Wrap(err)
	}

	for _, capability := range capabilities {
		if _, err := tx.Exec(ctx,
			`INSERT INTO plugin_grants (plugin_id, capability) VALUES ($1, $2)`,
			pluginID, capability); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return errCtx.Code("UNKNOWN_PLUGIN").Errorf("plugin %q has no persisted row", pluginID)
			}
			return errCtx.With("operation", "insert grant").With("capability", capability).Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errCtx.With("operation", "commit").Wrap(err)
	}
	return nil
}

// Delete removes the plugin row; grants cascade, status events are kept
// for history.
func (s *Postgres) Delete(ctx context.Context, pluginID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM plugins WHERE id = $1`, pluginID)
	if err != nil {
		return oops.In("store").With("plugin", pluginID).With("operation", "delete").Wrap(err)
	}
	return nil
}

// Record is one plugin's persisted state.
type Record struct {
	ID           string
	Package      string
	Version      string
	Tier         plugin.Tier
	Runtime      plugin.Runtime
	BootPosition int
	Status       plugin.Status
	ErrorMessage string
	Capabilities []string
	UpdatedAt    time.Time
}

// List returns all persisted plugins in boot order, grants included.
func (s *Postgres) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.package, p.version, p.tier, p.runtime, p.boot_position,
		        p.status, p.error_message, p.updated_at,
		        COALESCE(array_agg(g.capability ORDER BY g.capability)
		                 FILTER (WHERE g.capability IS NOT NULL), '{}')
		 FROM plugins p
		 LEFT JOIN plugin_grants g ON g.plugin_id = p.id
		 GROUP BY p.id
		 ORDER BY p.boot_position`)
	if err != nil {
		return nil, oops.In("store").With("operation", "list plugins").Wrap(err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var tier, runtime, status string
		if err := rows.Scan(&r.ID, &r.Package, &r.Version, &tier, &runtime,
			&r.BootPosition, &status, &r.ErrorMessage, &r.UpdatedAt, &r.Capabilities); err != nil {
			return nil, oops.In("store").With("operation", "scan plugin row").Wrap(err)
		}
		r.Tier = plugin.Tier(tier)
		r.Runtime = plugin.Runtime(runtime)
		r.Status = plugin.Status(status)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").With("operation", "iterate plugins").Wrap(err)
	}
	return records, nil
}

// StatusHistory returns the recorded lifecycle transitions for one plugin,
// oldest first.
func (s *Postgres) StatusHistory(ctx context.Context, pluginID string) ([]StatusEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, error_message, created_at
		 FROM plugin_status_events WHERE plugin_id = $1 ORDER BY id`,
		pluginID)
	if err != nil {
		return nil, oops.In("store").With("plugin", pluginID).With("operation", "status history").Wrap(err)
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var e StatusEvent
		var id, status string
		if err := rows.Scan(&id, &status, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, oops.In("store").With("operation", "scan status event").Wrap(err)
		}
		e.ID, err = ulid.Parse(id)
		if err != nil {
			return nil, oops.In("store").With("plugin", pluginID).With("id", id).Hint("corrupt event id").Wrap(err)
		}
		e.Status = plugin.Status(status)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").With("operation", "iterate status events").Wrap(err)
	}
	return events, nil
}

// StatusEvent is one recorded lifecycle transition.
type StatusEvent struct {
	ID           ulid.ULID
	Status       plugin.Status
	ErrorMessage string
	CreatedAt    time.Time
}
