package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// System tables the engine itself writes to. Business tables are owned by
// the application's migrations, not by the engine.
var postgresSystemTables = []string{
	`CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
    id            TEXT PRIMARY KEY,
    user_id       TEXT,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT,
    old_values    JSONB,
    new_values    JSONB,
    ip_address    TEXT,
    user_agent    TEXT,
    result        TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)`,
}

var sqliteSystemTables = []string{
	`CREATE TABLE IF NOT EXISTS _entities (
    name        TEXT PRIMARY KEY,
    definition  TEXT NOT NULL,
    created_at  TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at  TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
    id            TEXT PRIMARY KEY,
    user_id       TEXT,
    action        TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT,
    old_values    TEXT,
    new_values    TEXT,
    ip_address    TEXT,
    user_agent    TEXT,
    result        TEXT NOT NULL,
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)`,
}

// Bootstrap creates the engine's system tables when they are missing.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmts := postgresSystemTables
	if s.Dialect.Name() == "sqlite" {
		stmts = sqliteSystemTables
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	s.logger.Debug("system tables ready", zap.String("dialect", s.Dialect.Name()))
	return nil
}
