// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

// indexDef maps a JSON document field to the SQL column that indexes it.
type indexDef struct {
	field  string
	column string
}

// tableDef describes the SQL layout of one entity collection.
type tableDef struct {
	name    string
	indexes []indexDef
}

// tables is the current layout. Older installs reach it through migrations,
// which only ever add tables, columns and indexes.
var tables = map[model.Collection]tableDef{
	model.Reservations: {name: "reservations", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
		{"status", "status"},
		{"checkInDate", "check_in_date"},
		{"checkOutDate", "check_out_date"},
		{"clientId", "client_id"},
	}},
	model.Expenses: {name: "expenses", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
		{"date", "date"},
	}},
	model.Clients: {name: "clients", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
		{"phoneNumber", "phone_number"},
	}},
	model.Stock: {name: "stock", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
	}},
	model.Investments: {name: "investments", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
		{"date", "date"},
	}},
	model.QuickIncomes: {name: "quick_incomes", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
		{"clientId", "client_id"},
		{"sourceItemId", "source_item_id"},
	}},
	model.ActivityLog: {name: "activity_log", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"deviceTimestamp", "device_timestamp"},
	}},
	model.Profits: {name: "profits", indexes: []indexDef{
		{"workspaceId", "workspace_id"},
		{"businessId", "business_id"},
		{"date", "date"},
		{"relatedEntityId", "related_entity_id"},
	}},
}

func tableFor(c model.Collection) (tableDef, error) {
	t, ok := tables[c]
	if !ok {
		return tableDef{}, fmt.Errorf("%w: %q", model.ErrUnknownCollection, c)
	}
	return t, nil
}

func (t tableDef) column(field string) (string, bool) {
	if field == "id" {
		return "id", true
	}
	for _, idx := range t.indexes {
		if idx.field == field {
			return idx.column, true
		}
	}
	return "", false
}

// migration is one additive schema step.
type migration struct {
	version int
	stmts   []string
}

// currentSchemaVersion is the highest migration version.
//
//	1 - business tables, outbound queue, sync metadata
//	2 - activity log and profits
//	3 - local image cache and upload queue
//	4 - deletion history
//	5 - client and sale source indexes on reservations and quick incomes
const currentSchemaVersion = 5

var migrations = []migration{
	{version: 1, stmts: []string{
		`CREATE TABLE IF NOT EXISTS reservations (
			id             TEXT PRIMARY KEY,
			workspace_id   TEXT NOT NULL,
			business_id    TEXT NOT NULL DEFAULT '',
			status         TEXT,
			check_in_date  TEXT,
			check_out_date TEXT,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			doc            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_workspace ON reservations(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_business ON reservations(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_check_in ON reservations(check_in_date)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_check_out ON reservations(check_out_date)`,

		`CREATE TABLE IF NOT EXISTS expenses (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			business_id  TEXT NOT NULL DEFAULT '',
			date         TEXT,
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			doc          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_workspace ON expenses(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_business ON expenses(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_date ON expenses(date)`,

		`CREATE TABLE IF NOT EXISTS clients (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			business_id  TEXT NOT NULL DEFAULT '',
			phone_number TEXT,
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			doc          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clients_workspace ON clients(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_clients_business ON clients(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_clients_phone ON clients(phone_number)`,

		`CREATE TABLE IF NOT EXISTS stock (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			business_id  TEXT NOT NULL DEFAULT '',
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			doc          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_workspace ON stock(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_business ON stock(business_id)`,

		`CREATE TABLE IF NOT EXISTS investments (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			business_id  TEXT NOT NULL DEFAULT '',
			date         TEXT,
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			doc          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_workspace ON investments(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_business ON investments(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_date ON investments(date)`,

		`CREATE TABLE IF NOT EXISTS quick_incomes (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			business_id  TEXT NOT NULL DEFAULT '',
			is_deleted   INTEGER NOT NULL DEFAULT 0,
			doc          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quick_incomes_workspace ON quick_incomes(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quick_incomes_business ON quick_incomes(business_id)`,

		// Outbound queue, drained in (timestamp, seq) order
		`CREATE TABLE IF NOT EXISTS sync_queue (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			action     TEXT NOT NULL,
			entity_id  TEXT NOT NULL,
			data       TEXT NOT NULL,
			timestamp  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_collection ON sync_queue(collection, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_action ON sync_queue(action)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_timestamp ON sync_queue(timestamp)`,

		`CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}},
	{version: 2, stmts: []string{
		`CREATE TABLE IF NOT EXISTS activity_log (
			id               TEXT PRIMARY KEY,
			workspace_id     TEXT NOT NULL,
			device_timestamp INTEGER,
			is_deleted       INTEGER NOT NULL DEFAULT 0,
			doc              TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_workspace ON activity_log(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_log_device_ts ON activity_log(device_timestamp)`,

		`CREATE TABLE IF NOT EXISTS profits (
			id                TEXT PRIMARY KEY,
			workspace_id      TEXT NOT NULL,
			business_id       TEXT NOT NULL DEFAULT '',
			date              TEXT,
			related_entity_id TEXT,
			is_deleted        INTEGER NOT NULL DEFAULT 0,
			doc               TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profits_workspace ON profits(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_profits_business ON profits(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_profits_date ON profits(date)`,
		`CREATE INDEX IF NOT EXISTS idx_profits_related ON profits(related_entity_id)`,
	}},
	{version: 3, stmts: []string{
		`CREATE TABLE IF NOT EXISTS local_images (
			id            TEXT PRIMARY KEY,
			stock_item_id TEXT,
			blob          BLOB NOT NULL,
			file_name     TEXT NOT NULL DEFAULT '',
			file_size     INTEGER NOT NULL DEFAULT 0,
			mime_type     TEXT NOT NULL DEFAULT '',
			upload_status TEXT NOT NULL CHECK (upload_status IN ('pending','uploading','uploaded','failed')),
			remote_url    TEXT,
			created_at    INTEGER NOT NULL,
			uploaded_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_local_images_stock_item ON local_images(stock_item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_local_images_status ON local_images(upload_status)`,
		`CREATE INDEX IF NOT EXISTS idx_local_images_remote_url ON local_images(remote_url)`,
		`CREATE INDEX IF NOT EXISTS idx_local_images_created_at ON local_images(created_at)`,

		`CREATE TABLE IF NOT EXISTS image_upload_queue (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			image_id    TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_image_upload_queue_image ON image_upload_queue(image_id)`,
		`CREATE INDEX IF NOT EXISTS idx_image_upload_queue_timestamp ON image_upload_queue(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_image_upload_queue_retry ON image_upload_queue(retry_count)`,
	}},
	{version: 4, stmts: []string{
		`CREATE TABLE IF NOT EXISTS deletion_history (
			id             TEXT PRIMARY KEY,
			workspace_id   TEXT NOT NULL,
			business_id    TEXT NOT NULL DEFAULT '',
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			deleted_at     INTEGER NOT NULL,
			deleted_by_uid TEXT,
			can_restore    INTEGER NOT NULL DEFAULT 1,
			doc            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_workspace ON deletion_history(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_business ON deletion_history(business_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_entity_type ON deletion_history(entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_entity ON deletion_history(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_deleted_at ON deletion_history(deleted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_deleted_by ON deletion_history(deleted_by_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_history_can_restore ON deletion_history(can_restore)`,
	}},
	{version: 5, stmts: []string{
		`ALTER TABLE reservations ADD COLUMN client_id TEXT`,
		`UPDATE reservations SET client_id = json_extract(doc, '$.clientId')`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_client ON reservations(client_id)`,
		`ALTER TABLE quick_incomes ADD COLUMN client_id TEXT`,
		`ALTER TABLE quick_incomes ADD COLUMN source_item_id TEXT`,
		`UPDATE quick_incomes SET client_id = json_extract(doc, '$.clientId'), source_item_id = json_extract(doc, '$.sourceItemId')`,
		`CREATE INDEX IF NOT EXISTS idx_quick_incomes_client ON quick_incomes(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quick_incomes_source_item ON quick_incomes(source_item_id)`,
	}},
}

// runMigrations applies every migration above the stored user_version. Each
// version is applied in its own transaction together with the version bump.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate to v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set user_version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
		version = m.version
	}
	return nil
}
