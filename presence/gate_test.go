package presence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func req(device string, plan Plan) Request {
	return Request{BusinessID: "biz-1", DeviceID: device, UserID: "u-1", UserName: "Kofi", Plan: plan}
}

func TestPlanLimits(t *testing.T) {
	for _, tc := range []struct {
		plan   Plan
		limit  int
		capped bool
	}{
		{PlanFree, 1, true},
		{PlanPro, 3, true},
		{PlanUnlimited, 0, false},
		{Plan("trial"), 1, true},
	} {
		limit, capped := tc.plan.DeviceLimit()
		require.Equal(t, tc.limit, limit, tc.plan)
		require.Equal(t, tc.capped, capped, tc.plan)
	}
}

func TestFreePlanAllowsOneDevice(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(0)
	gate := NewGate(reg, DefaultConfig())

	phone, err := gate.Connect(ctx, req("phone", PlanFree))
	require.NoError(t, err)
	defer phone.Logout(ctx)

	_, err = gate.Connect(ctx, req("laptop", PlanFree))
	require.ErrorIs(t, err, ErrMaxDevicesReached)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, 1, limitErr.Online)
	require.Equal(t, 1, limitErr.Limit)

	// The same device reconnecting does not count against itself.
	again, err := gate.Connect(ctx, req("phone", PlanFree))
	require.NoError(t, err)
	again.cancel()

	history, err := gate.History(ctx, "biz-1", 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, history[0].Outcome)
	require.Equal(t, OutcomeAttempt, history[1].Outcome)
	require.Equal(t, OutcomeDenied, history[2].Outcome)
	require.Equal(t, 1, history[2].Online)
	require.Equal(t, "laptop", history[2].DeviceID)
}

func TestProAndUnlimitedPlans(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryRegistry(0), DefaultConfig())

	for i := 0; i < 3; i++ {
		s, err := gate.Connect(ctx, Request{BusinessID: "biz-pro", DeviceID: fmt.Sprintf("d-%d", i), Plan: PlanPro})
		require.NoError(t, err)
		defer s.Logout(ctx)
	}
	_, err := gate.Connect(ctx, Request{BusinessID: "biz-pro", DeviceID: "d-3", Plan: PlanPro})
	require.ErrorIs(t, err, ErrMaxDevicesReached)

	for i := 0; i < 10; i++ {
		s, err := gate.Connect(ctx, Request{BusinessID: "biz-big", DeviceID: fmt.Sprintf("d-%d", i), Plan: PlanUnlimited})
		require.NoError(t, err)
		defer s.Logout(ctx)
	}
	online, err := gate.Online(ctx, "biz-big")
	require.NoError(t, err)
	require.Len(t, online, 10)
}

func TestLogoutFreesTheSlot(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryRegistry(0), DefaultConfig())

	phone, err := gate.Connect(ctx, req("phone", PlanFree))
	require.NoError(t, err)
	require.NoError(t, phone.Logout(ctx))
	require.NoError(t, phone.Logout(ctx))

	laptop, err := gate.Connect(ctx, req("laptop", PlanFree))
	require.NoError(t, err)
	require.NoError(t, laptop.Logout(ctx))
}

func TestExpiredLeaseFreesTheSlot(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.UnixMilli(1_700_000_000_000)}
	gate := NewGate(NewMemoryRegistry(0), Config{Lease: time.Minute, Heartbeat: time.Hour / 2, Now: clock.Now})

	phone, err := gate.Connect(ctx, req("phone", PlanFree))
	require.NoError(t, err)
	// Ungraceful disconnect: the heartbeat stops without a logout.
	phone.cancel()
	<-phone.done

	clock.Advance(30 * time.Second)
	_, err = gate.Connect(ctx, req("laptop", PlanFree))
	require.ErrorIs(t, err, ErrMaxDevicesReached)

	clock.Advance(31 * time.Second)
	laptop, err := gate.Connect(ctx, req("laptop", PlanFree))
	require.NoError(t, err)
	laptop.cancel()
}

func TestHeartbeatKeepsDeviceOnline(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryRegistry(0), Config{Lease: 80 * time.Millisecond, Heartbeat: 10 * time.Millisecond})

	phone, err := gate.Connect(ctx, req("phone", PlanFree))
	require.NoError(t, err)
	defer phone.Logout(ctx)

	time.Sleep(200 * time.Millisecond)
	_, err = gate.Connect(ctx, req("laptop", PlanFree))
	require.ErrorIs(t, err, ErrMaxDevicesReached)
}

func TestConnectRequiresIdentity(t *testing.T) {
	gate := NewGate(NewMemoryRegistry(0), DefaultConfig())
	_, err := gate.Connect(context.Background(), Request{BusinessID: "biz-1"})
	require.Error(t, err)
}

func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	biz := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		client.Del(ctx, key(biz, "online"), key(biz, "devices"), key(biz, "connection_history"))
	})

	gate := NewGate(NewRedisRegistry(client, 10), DefaultConfig())
	phone, err := gate.Connect(ctx, Request{BusinessID: biz, DeviceID: "phone", Plan: PlanFree})
	require.NoError(t, err)

	_, err = gate.Connect(ctx, Request{BusinessID: biz, DeviceID: "laptop", Plan: PlanFree})
	require.ErrorIs(t, err, ErrMaxDevicesReached)

	require.NoError(t, phone.Logout(ctx))
	online, err := gate.Online(ctx, biz)
	require.NoError(t, err)
	require.Empty(t, online)

	history, err := NewRedisRegistry(client, 10).History(ctx, biz, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, OutcomeDisconnected, history[0].Outcome)
}
