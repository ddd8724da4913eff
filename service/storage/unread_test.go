package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestUnreadStoreOutOfOrderArrival(t *testing.T) {
	_, rdb := testRedis(t)
	u := NewUnreadStore(rdb)
	ctx := context.Background()

	// seq 大的先到、小的后到，两条都要计数
	s1, err := u.NextSeq(ctx, "c1")
	if err != nil {
		t.Fatalf("next seq: %v", err)
	}
	s2, _ := u.NextSeq(ctx, "c1")
	if _, err := u.Increment(ctx, "c1", "bob", s2); err != nil {
		t.Fatalf("incr s2: %v", err)
	}
	if _, err := u.Increment(ctx, "c1", "bob", s1); err != nil {
		t.Fatalf("incr s1: %v", err)
	}
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	// 管道 at-least-once：重放不再计数
	u.Increment(ctx, "c1", "bob", s1)
	u.Increment(ctx, "c1", "bob", s2)
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 2 {
		t.Fatalf("unread after replay = %d, want 2", n)
	}
}

func TestUnreadStoreResetForwardOnly(t *testing.T) {
	_, rdb := testRedis(t)
	u := NewUnreadStore(rdb)
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < 3; i++ {
		lastSeq, _ = u.NextSeq(ctx, "c1")
		u.Increment(ctx, "c1", "bob", lastSeq)
	}
	seq, err := u.Reset(ctx, "c1", "bob")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if seq != lastSeq {
		t.Fatalf("read seq = %d, want %d", seq, lastSeq)
	}
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 0 {
		t.Fatalf("unread after reset = %d, want 0", n)
	}

	// 已读指针之下的重放不复活计数
	u.Increment(ctx, "c1", "bob", lastSeq)
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 0 {
		t.Fatalf("unread after stale replay = %d, want 0", n)
	}

	// 更新的消息照常计数
	s, _ := u.NextSeq(ctx, "c1")
	u.Increment(ctx, "c1", "bob", s)
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestUnreadStoreSenderNeverCounted(t *testing.T) {
	_, rdb := testRedis(t)
	u := NewUnreadStore(rdb)
	ctx := context.Background()

	seq, _ := u.NextSeq(ctx, "c1")
	if err := u.MarkSenderRead(ctx, "c1", "alice", seq); err != nil {
		t.Fatalf("sender mark: %v", err)
	}
	// 同一 seq 即便误入计数路径也已在 seen 里
	if _, err := u.Increment(ctx, "c1", "alice", seq); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n, _ := u.CountFor(ctx, "c1", "alice"); n != 0 {
		t.Fatalf("sender unread = %d, want 0", n)
	}
}
