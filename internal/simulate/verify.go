// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TTR-x/ttr-gestion-sub000/model"
	"github.com/TTR-x/ttr-gestion-sub000/replica"
)

// waitFor polls cond until it holds, the timeout passes or ctx ends. The last
// error from cond is reported on timeout.
func (s *Simulator) waitFor(ctx context.Context, what string, cond func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	tick := time.NewTicker(max(s.cfg.PollInterval/2, 10*time.Millisecond))
	defer tick.Stop()
	var last error
	for {
		ok, err := cond(ctx)
		if ok && err == nil {
			return nil
		}
		if err != nil {
			last = err
		}
		select {
		case <-ctx.Done():
			if last != nil {
				return fmt.Errorf("timed out waiting for %s: %w", what, last)
			}
			return fmt.Errorf("timed out waiting for %s", what)
		case <-tick.C:
		}
	}
}

// visible reports whether a live (not deleted) row exists on the device.
func visible(ctx context.Context, d *Device, c model.Collection, id string) (bool, error) {
	ent, err := d.Store.Get(ctx, c, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !ent.Base().IsDeleted, nil
}

func quantity(ctx context.Context, d *Device, id string) (int, error) {
	item, err := replica.GetAs[*model.StockItem](ctx, d.Store, model.Stock, id)
	if err != nil {
		return 0, err
	}
	return item.CurrentQuantity, nil
}

// waitVisible waits until every device sees the row live, or gone when want
// is false.
func (s *Simulator) waitVisible(ctx context.Context, c model.Collection, id string, want bool, devices ...*Device) error {
	for _, d := range devices {
		what := fmt.Sprintf("%s/%s visible=%t on %s", c, id, want, d.Name())
		err := s.waitFor(ctx, what, func(ctx context.Context) (bool, error) {
			ok, err := visible(ctx, d, c, id)
			return ok == want, err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// waitQuantity waits until every device shows the stock quantity.
func (s *Simulator) waitQuantity(ctx context.Context, id string, want int, devices ...*Device) error {
	for _, d := range devices {
		what := fmt.Sprintf("stock %s quantity %d on %s", id, want, d.Name())
		var got int
		err := s.waitFor(ctx, what, func(ctx context.Context) (bool, error) {
			q, err := quantity(ctx, d, id)
			got = q
			return q == want, err
		})
		if err != nil {
			return fmt.Errorf("%w (last %d)", err, got)
		}
	}
	return nil
}
