package backplane

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLocalSetOps(t *testing.T) {
	bp := NewLocal()
	ctx := context.Background()

	if err := bp.SAdd(ctx, "presence/u1", "c1@i1", "c2@i2"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	// idempotent add
	if err := bp.SAdd(ctx, "presence/u1", "c1@i1"); err != nil {
		t.Fatalf("sadd again: %v", err)
	}

	members, err := bp.SMembers(ctx, "presence/u1")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1@i1" || members[1] != "c2@i2" {
		t.Fatalf("unexpected members: %v", members)
	}

	remaining, err := bp.SRem(ctx, "presence/u1", "c1@i1")
	if err != nil {
		t.Fatalf("srem: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("want 1 remaining, got %d", remaining)
	}
	remaining, err = bp.SRem(ctx, "presence/u1", "c2@i2")
	if err != nil {
		t.Fatalf("srem: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("want empty set, got %d", remaining)
	}
	members, _ = bp.SMembers(ctx, "presence/u1")
	if len(members) != 0 {
		t.Fatalf("emptied set still has members: %v", members)
	}
}

func TestLocalIncrWindowResets(t *testing.T) {
	mock := clock.NewMock()
	bp := NewLocalWithClock(mock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, left, err := bp.IncrWindow(ctx, "rl/ip", 30*time.Second)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if count != int64(i) {
			t.Fatalf("want count %d, got %d", i, count)
		}
		if left <= 0 || left > 30*time.Second {
			t.Fatalf("bad window remainder %v", left)
		}
	}

	mock.Add(31 * time.Second)
	count, _, err := bp.IncrWindow(ctx, "rl/ip", 30*time.Second)
	if err != nil {
		t.Fatalf("incr after window: %v", err)
	}
	if count != 1 {
		t.Fatalf("window did not reset: count=%d", count)
	}
}

func TestLocalBlockExpires(t *testing.T) {
	mock := clock.NewMock()
	bp := NewLocalWithClock(mock)
	ctx := context.Background()

	if err := bp.SetBlock(ctx, "block/ip", time.Minute); err != nil {
		t.Fatalf("set block: %v", err)
	}
	ttl, err := bp.BlockTTL(ctx, "block/ip")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected active block, ttl=%v", ttl)
	}

	mock.Add(61 * time.Second)
	ttl, err = bp.BlockTTL(ctx, "block/ip")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl != 0 {
		t.Fatalf("block should have expired, ttl=%v", ttl)
	}
}

func TestLocalPubSub(t *testing.T) {
	bp := NewLocal()
	ctx := context.Background()

	sub, err := bp.Subscribe(ctx, "fanout/i1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := bp.Publish(ctx, "fanout/i1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.C():
		if msg.Channel != "fanout/i1" || string(msg.Payload) != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery")
	}

	// unsubscribed channel gets nothing
	if err := bp.Publish(ctx, "fanout/other", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLocalSubscriptionClose(t *testing.T) {
	bp := NewLocal()
	sub, err := bp.Subscribe(context.Background(), "c")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, open := <-sub.C(); open {
		t.Fatalf("channel should be closed")
	}
	// double close is safe
	if err := sub.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}
