// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const defaultHistoryLen = 1000

var ErrBusy = errors.New("presence: business is busy, try again")

// RedisRegistry shares presence between server instances.
//
// Keys per business:
//
//	businesses:{id}:online              sorted set, device id scored by lease expiry (unix ms)
//	businesses:{id}:devices             hash, device id to device JSON
//	businesses:{id}:connection_history  list, newest first
//	businesses:{id}:presence_lock       redislock key
type RedisRegistry struct {
	client  *redis.Client
	locker  *redislock.Client
	lockTTL time.Duration
	keep    int64
}

func NewRedisRegistry(client *redis.Client, keep int) *RedisRegistry {
	if keep <= 0 {
		keep = defaultHistoryLen
	}
	return &RedisRegistry{
		client:  client,
		locker:  redislock.New(client),
		lockTTL: 10 * time.Second,
		keep:    int64(keep),
	}
}

func key(businessID, suffix string) string {
	return "businesses:" + businessID + ":" + suffix
}

func (r *RedisRegistry) Lock(ctx context.Context, businessID string) (func(context.Context) error, error) {
	lock, err := r.locker.Obtain(ctx, key(businessID, "presence_lock"), r.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

func (r *RedisRegistry) OnlineDevices(ctx context.Context, businessID string, now time.Time) ([]Device, error) {
	online := key(businessID, "online")
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	if err := r.client.ZRemRangeByScore(ctx, online, "-inf", cutoff).Err(); err != nil {
		return nil, fmt.Errorf("prune leases: %w", err)
	}
	ids, err := r.client.ZRange(ctx, online, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, key(businessID, "devices"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	out := make([]Device, 0, len(ids))
	for i, v := range vals {
		d := Device{ID: ids[i], BusinessID: businessID, Status: StatusOnline}
		if s, ok := v.(string); ok {
			if err := json.Unmarshal([]byte(s), &d); err != nil {
				return nil, fmt.Errorf("decode device %s: %w", ids[i], err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisRegistry) MarkOnline(ctx context.Context, d Device, expires time.Time) error {
	d.Status = StatusOnline
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key(d.BusinessID, "online"), redis.Z{Score: float64(expires.UnixMilli()), Member: d.ID})
		pipe.HSet(ctx, key(d.BusinessID, "devices"), d.ID, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark %s online: %w", d.ID, err)
	}
	return nil
}

func (r *RedisRegistry) MarkOffline(ctx context.Context, businessID, deviceID string, at time.Time) error {
	devices := key(businessID, "devices")
	d := Device{ID: deviceID, BusinessID: businessID}
	raw, err := r.client.HGet(ctx, devices, deviceID).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("load device %s: %w", deviceID, err)
	default:
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return fmt.Errorf("decode device %s: %w", deviceID, err)
		}
	}
	d.Status = StatusOffline
	d.LastSeen = at
	updated, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key(businessID, "online"), deviceID)
		pipe.HSet(ctx, devices, deviceID, updated)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark %s offline: %w", deviceID, err)
	}
	return nil
}

func (r *RedisRegistry) AppendHistory(ctx context.Context, a Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	hist := key(a.BusinessID, "connection_history")
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, hist, raw)
		pipe.LTrim(ctx, hist, 0, r.keep-1)
		return nil
	})
	return err
}

// History returns the newest entries first.
func (r *RedisRegistry) History(ctx context.Context, businessID string, limit int) ([]Attempt, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	vals, err := r.client.LRange(ctx, key(businessID, "connection_history"), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, 0, len(vals))
	for _, v := range vals {
		var a Attempt
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode connection history: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
