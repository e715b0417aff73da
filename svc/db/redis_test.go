package db

import (
	"context"
	"keydrop/cfg"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	r, err := NewRedis("redis://"+srv.Addr(), &cfg.Cfg{RedisTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, srv
}

func TestRedisRateLimit(t *testing.T) {
	r, srv := newTestRedis(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		usage, err := r.RateLimit(ctx, "rl:1.2.3.4", 3, time.Minute)
		if err != nil {
			t.Fatalf("RateLimit: %v", err)
		}
		if usage != i {
			t.Errorf("usage = %d, want %d", usage, i)
		}
	}
	usage, err := r.RateLimit(ctx, "rl:1.2.3.4", 3, time.Minute)
	if err != nil || usage != 4 {
		t.Fatalf("over limit usage = %d, %v", usage, err)
	}
	srv.FastForward(2 * time.Minute)
	usage, err = r.RateLimit(ctx, "rl:1.2.3.4", 3, time.Minute)
	if err != nil || usage != 1 {
		t.Fatalf("after window usage = %d, %v", usage, err)
	}
}

func TestRedisLease(t *testing.T) {
	r, srv := newTestRedis(t)
	ctx := context.Background()

	token, ok, err := r.AcquireLease(ctx, "sweep", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire = %q, %v, %v", token, ok, err)
	}
	if _, ok, err := r.AcquireLease(ctx, "sweep", time.Minute); err != nil || ok {
		t.Fatalf("second acquire = %v, %v", ok, err)
	}
	if err := r.ReleaseLease(ctx, "sweep", "not-the-holder"); err != nil {
		t.Fatal(err)
	}
	if !srv.Exists("lease:sweep") {
		t.Fatal("foreign token released the lease")
	}
	if err := r.ReleaseLease(ctx, "sweep", token); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := r.AcquireLease(ctx, "sweep", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	r, srv := newTestRedis(t)
	ctx := context.Background()
	if _, ok, _ := r.AcquireLease(ctx, "sweep", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	srv.FastForward(2 * time.Second)
	if _, ok, err := r.AcquireLease(ctx, "sweep", time.Second); err != nil || !ok {
		t.Fatalf("acquire after expiry = %v, %v", ok, err)
	}
}

func TestRedisPing(t *testing.T) {
	r, _ := newTestRedis(t)
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
