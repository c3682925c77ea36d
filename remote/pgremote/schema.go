// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// notifyChannel carries the business id of every committed change.
const notifyChannel = "remote_changes"

// initializeSchema creates the document and change log tables if they don't
// exist.
func (s *Store) initializeSchema(ctx context.Context) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS documents (
			business_id TEXT        NOT NULL,
			collection  TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			doc         JSONB       NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (business_id, collection, id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS documents_workspace_idx
			ON documents (business_id, collection, (doc->>'workspaceId'))`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS change_log (
			seq         BIGSERIAL   PRIMARY KEY,
			business_id TEXT        NOT NULL,
			collection  TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			op          TEXT        NOT NULL CHECK (op IN ('added','changed','removed')),
			doc         JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS change_log_business_seq_idx
			ON change_log (business_id, seq)`,
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("pgremote migration %d: %w", i, err)
			}
		}
		return nil
	})
}
