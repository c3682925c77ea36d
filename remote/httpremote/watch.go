// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/remote"
)

const (
	watchPageSize = 500
	maxWatchDelay = time.Minute
)

// Watch emits the current documents of a collection as added events and then
// polls the change feed. A change committed between the head read and the
// snapshot is delivered twice; consumers apply events idempotently.
//
// Transport failures don't end the stream: polling continues with a growing
// delay until ctx is done.
func (c *Client) Watch(ctx context.Context, businessID string, col model.Collection) (<-chan remote.ChangeEvent, error) {
	cursor, err := c.Head(ctx, businessID)
	if err != nil {
		return nil, err
	}
	snapshot, err := c.List(ctx, businessID, col, "", "")
	if err != nil {
		return nil, err
	}

	out := make(chan remote.ChangeEvent)
	go func() {
		defer close(out)
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
				c.logger.Warn("skipping undecodable document", "collection", col, "error", err)
				continue
			}
			if !send(remote.ChangeEvent{Type: remote.EventAdded, BusinessID: businessID, Collection: col, ID: id, Doc: raw}) {
				return
			}
		}

		delay := c.pollInterval
		for {
			page, err := c.Page(ctx, cursor, watchPageSize)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil && (errors.Is(err, remote.ErrUnavailable) || errors.Is(err, ErrUnauthorized)):
				c.logger.Warn("change feed unavailable, retrying", "collection", col, "delay", delay, "error", err)
				delay = min(delay*2, maxWatchDelay)
			case err != nil:
				c.logger.Error("watch stream failed", "collection", col, "error", err)
				return
			default:
				delay = c.pollInterval
				for _, ev := range page.Changes {
					if ev.Collection != col {
						continue
					}
					if !send(ev) {
						return
					}
				}
				cursor = page.Next
				if page.HasMore {
					continue
				}
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return out, nil
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
