package service

import (
	"context"
	"sync"
	"testing"
)

func TestUnreadIncrementAndSender(t *testing.T) {
	u := NewMemUnread()
	ctx := context.Background()

	// alice 发两条：bob 未读 2，alice 自己 0
	for i := 0; i < 2; i++ {
		seq, err := u.NextSeq(ctx, "c1")
		if err != nil {
			t.Fatalf("next seq: %v", err)
		}
		if err := u.MarkSenderRead(ctx, "c1", "alice", seq); err != nil {
			t.Fatalf("sender mark: %v", err)
		}
		if _, err := u.Increment(ctx, "c1", "bob", seq); err != nil {
			t.Fatalf("incr: %v", err)
		}
	}

	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 2 {
		t.Fatalf("bob unread = %d, want 2", n)
	}
	if n, _ := u.CountFor(ctx, "c1", "alice"); n != 0 {
		t.Fatalf("alice unread = %d, want 0", n)
	}
}

func TestUnreadIncrementIdempotent(t *testing.T) {
	u := NewMemUnread()
	ctx := context.Background()

	seq, _ := u.NextSeq(ctx, "c1")
	// 管道 at-least-once：同一 seq 重放三次只计一次
	for i := 0; i < 3; i++ {
		if _, err := u.Increment(ctx, "c1", "bob", seq); err != nil {
			t.Fatalf("incr: %v", err)
		}
	}
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestUnreadOutOfOrderArrival(t *testing.T) {
	u := NewMemUnread()
	ctx := context.Background()

	// 两个发送方并发：seq 大的先到，seq 小的后到，两条都要计数
	s1, _ := u.NextSeq(ctx, "c1")
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

	// 乱序之上再叠加重放，仍只计一次
	u.Increment(ctx, "c1", "bob", s1)
	u.Increment(ctx, "c1", "bob", s2)
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 2 {
		t.Fatalf("unread after replay = %d, want 2", n)
	}
}

func TestUnreadReset(t *testing.T) {
	u := NewMemUnread()
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < 5; i++ {
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

	// 已读指针只进不退
	seq2, _ := u.Reset(ctx, "c1", "bob")
	if seq2 != lastSeq {
		t.Fatalf("repeat reset seq = %d, want %d", seq2, lastSeq)
	}
}

func TestUnreadResetDoesNotEatNewerMessages(t *testing.T) {
	u := NewMemUnread()
	ctx := context.Background()

	s1, _ := u.NextSeq(ctx, "c1")
	u.Increment(ctx, "c1", "bob", s1)

	// reset 先到，之后一条更新的消息必须还能计数
	readSeq, _ := u.Reset(ctx, "c1", "bob")
	if readSeq != s1 {
		t.Fatalf("read seq = %d, want %d", readSeq, s1)
	}
	s2, _ := u.NextSeq(ctx, "c1")
	u.Increment(ctx, "c1", "bob", s2)
	if n, _ := u.CountFor(ctx, "c1", "bob"); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestUnreadConcurrentWriters(t *testing.T) {
	u := NewMemUnread()
	ctx := context.Background()

	// 并发写不同用户，seq 按条去重，总量守恒
	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 50
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		user := "user-" + string(rune('a'+w))
		go func(user string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, _ := u.NextSeq(ctx, "c1")
				u.Increment(ctx, "c1", user, seq)
			}
		}(user)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		user := "user-" + string(rune('a'+w))
		if n, _ := u.CountFor(ctx, "c1", user); n != perWriter {
			t.Fatalf("%s unread = %d, want %d", user, n, perWriter)
		}
		if _, err := u.Reset(ctx, "c1", user); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if n, _ := u.CountFor(ctx, "c1", user); n != 0 {
			t.Fatalf("%s unread after reset = %d, want 0", user, n)
		}
	}
}
