package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"appointment-bot/internal/common/database"
)

// ActiveSlotConstraint is the partial unique index that makes a
// (date, time) pair bookable by at most one non-cancelled appointment.
const ActiveSlotConstraint = "appointments_active_slot_uq"

var sharedDDL = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		business_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		daily_quota INTEGER NOT NULL DEFAULT 0,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		verify_token TEXT NOT NULL UNIQUE,
		schema_name TEXT NOT NULL UNIQUE,
		phone_number_id_enc TEXT NOT NULL,
		access_token_enc TEXT NOT NULL,
		business_account_id_enc TEXT NOT NULL,
		routing_key_hash TEXT,
		menu JSONB NOT NULL DEFAULT '{}',
		escalation JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tenants_routing_key_hash_uq
		ON tenants (routing_key_hash) WHERE routing_key_hash IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id BIGSERIAL PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		signature TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL
	)`,
}

// tenantDDL is rendered with the quoted schema name.
var tenantDDL = []string{
	`CREATE SCHEMA %[1]s`,
	`CREATE TABLE %[1]s.services (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC(12,2) NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE %[1]s.schedule_templates (
		id BIGSERIAL PRIMARY KEY,
		weekday SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		slot_time VARCHAR(5) NOT NULL,
		UNIQUE (weekday, slot_time)
	)`,
	`CREATE TABLE %[1]s.appointments (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		service_id BIGINT,
		service_name TEXT NOT NULL DEFAULT '',
		appt_date DATE NOT NULL,
		appt_time VARCHAR(5) NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX ` + ActiveSlotConstraint + ` ON %[1]s.appointments (appt_date, appt_time) WHERE status <> 'cancelled'`,
	`CREATE INDEX appointments_user_idx ON %[1]s.appointments (user_id, appt_date)`,
	`CREATE TABLE %[1]s.message_log (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		body TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX message_log_user_idx ON %[1]s.message_log (user_id, created_at)`,
}

// SchemaName returns the storage partition name owned by a tenant.
func SchemaName(tenantID string) string {
	return "tenant_" + strings.ReplaceAll(strings.ToLower(tenantID), "-", "")
}

// Migrate creates the shared tables. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range sharedDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate shared schema: %w", err)
		}
	}
	return nil
}

// ProvisionTenantSchema creates a tenant's partition inside tx. A failure
// leaves nothing behind once tx is rolled back.
func (s *Store) ProvisionTenantSchema(ctx context.Context, tx *sql.Tx, schema string) error {
	quoted := database.QuoteIdentifier(schema)
	for _, stmt := range tenantDDL {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(stmt, quoted)); err != nil {
			return fmt.Errorf("provision schema %s: %w", schema, err)
		}
	}
	return nil
}
