// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TTR-x/ttr-gestion-sub000/model"
)

// SaveHistory upserts a deletion history record.
func (s *Store) SaveHistory(ctx context.Context, h *model.DeletionHistory) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode deletion history %s: %w", h.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deletion_history
			(id, workspace_id, business_id, entity_type, entity_id, deleted_at, deleted_by_uid, can_restore, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			can_restore = excluded.can_restore,
			doc = excluded.doc`,
		h.ID, h.WorkspaceID, h.BusinessID, string(h.EntityType), h.EntityID, h.DeletedAt,
		nullString(h.DeletedByUID), h.CanRestore, string(doc))
	if err != nil {
		return fmt.Errorf("save deletion history %s: %w", h.ID, err)
	}
	return nil
}

// LatestRestorable returns the newest history record for entityID that can
// still be restored.
func (s *Store) LatestRestorable(ctx context.Context, entityID string) (*model.DeletionHistory, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM deletion_history
		WHERE entity_id = ? AND can_restore = 1
		ORDER BY deleted_at DESC, rowid DESC
		LIMIT 1`, entityID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("restorable deletion of %s: %w", entityID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find restorable deletion of %s: %w", entityID, err)
	}
	var h model.DeletionHistory
	if err := json.Unmarshal([]byte(doc), &h); err != nil {
		return nil, fmt.Errorf("decode deletion history: %w", err)
	}
	return &h, nil
}

// ListHistory returns a workspace's deletion history, newest first.
func (s *Store) ListHistory(ctx context.Context, workspaceID string) ([]model.DeletionHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM deletion_history
		WHERE workspace_id = ?
		ORDER BY deleted_at DESC, rowid DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list deletion history: %w", err)
	}
	defer rows.Close()
	var out []model.DeletionHistory
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan deletion history: %w", err)
		}
		var h model.DeletionHistory
		if err := json.Unmarshal([]byte(doc), &h); err != nil {
			return nil, fmt.Errorf("decode deletion history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
