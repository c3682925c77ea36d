// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

const watchBatch = 500

// Watch emits the current documents of a collection as added events, then
// every later change. Each watch holds one pool connection for LISTEN.
func (s *Store) Watch(ctx context.Context, businessID string, c model.Collection) (<-chan remote.ChangeEvent, error) {
	cursor, err := s.Head(ctx, businessID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.List(ctx, businessID, c, "", "")
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("watch %s/%s: %w", businessID, c, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("watch %s/%s: %w", businessID, c, err)
	}

	out := make(chan remote.ChangeEvent)
	go func() {
		defer close(out)
		defer func() {
			if _, err := conn.Exec(context.Background(), "UNLISTEN *"); err != nil {
				conn.Conn().Close(context.Background())
			}
			conn.Release()
		}()

		send := func(ev remote.ChangeEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, raw := range snapshot {
			id, err := docID(raw)
			if err != nil {
				s.logger.Warn("skipping undecodable document", "business_id", businessID, "collection", c, "error", err)
				continue
			}
			if !send(remote.ChangeEvent{Type: remote.EventAdded, BusinessID: businessID, Collection: c, ID: id, Doc: raw}) {
				return
			}
		}

		for {
			changes, err := s.Changes(ctx, businessID, cursor, watchBatch)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("watch stream failed", "business_id", businessID, "collection", c, "error", err)
				}
				return
			}
			for _, ev := range changes {
				cursor = ev.Seq
				if ev.Collection != c {
					continue
				}
				if !send(ev) {
					return
				}
			}
			if len(changes) == watchBatch {
				continue
			}
			if err := s.waitForChange(ctx, conn.Conn().WaitForNotification, businessID); err != nil {
				if ctx.Err() == nil {
					s.logger.Error("watch stream failed", "business_id", businessID, "collection", c, "error", err)
				}
				return
			}
		}
	}()
	return out, nil
}

// waitForChange blocks until a notification for the business arrives or the
// poll interval elapses.
func (s *Store) waitForChange(ctx context.Context, wait func(context.Context) (*pgconn.Notification, error), businessID string) error {
	deadline := time.Now().Add(s.pollInterval)
	for {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		n, err := wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || time.Now().After(deadline) {
				return nil
			}
			return err
		}
		if n.Payload == businessID {
			return nil
		}
	}
}

func docID(raw json.RawMessage) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	if head.ID == "" {
		return "", errors.New("document without id")
	}
	return head.ID, nil
}
