package pg

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL DEFAULT '',
		distribution_strategy TEXT NOT NULL DEFAULT 'manual',
		lead_counter          BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL REFERENCES tenants (id),
		name       TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS users_tenant_role_idx ON users (tenant_id, role, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS whatsapp_accounts (
		tenant_id      TEXT PRIMARY KEY REFERENCES tenants (id),
		session_name   TEXT NOT NULL UNIQUE,
		phone          TEXT NOT NULL DEFAULT '',
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		last_connected TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL REFERENCES tenants (id),
		phone           TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		stage           TEXT NOT NULL DEFAULT 'lead',
		assigned_to     TEXT REFERENCES users (id),
		last_message_at TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, phone)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL REFERENCES tenants (id),
		contact_id    TEXT NOT NULL REFERENCES contacts (id),
		wa_message_id TEXT NOT NULL,
		direction     TEXT NOT NULL,
		type          TEXT NOT NULL,
		body          TEXT NOT NULL DEFAULT '',
		media_url     TEXT NOT NULL DEFAULT '',
		media_type    TEXT NOT NULL DEFAULT '',
		file_name     TEXT NOT NULL DEFAULT '',
		ack           INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, wa_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_tenant_direction_created_idx ON messages (tenant_id, direction, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS followup_templates (
		id        TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants (id),
		name      TEXT NOT NULL,
		steps     JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS active_followups (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL REFERENCES tenants (id),
		contact_id   TEXT NOT NULL UNIQUE REFERENCES contacts (id),
		template_id  TEXT NOT NULL REFERENCES followup_templates (id),
		started_by   TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		send_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS active_followups_send_at_idx ON active_followups (send_at)`,
}

// Migrate creates the tables the pipeline owns or reads. Every statement is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
