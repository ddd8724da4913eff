package storage

import (
	"context"
	"testing"
	"time"
)

func TestPresenceFirstLastTransitions(t *testing.T) {
	_, rdb := testRedis(t)
	s := NewPresenceStore(rdb, PresenceConfig{NodeID: "n1", TTL: 90 * time.Second})
	ctx := context.Background()

	first, err := s.ConnOnline(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !first {
		t.Fatalf("first connection should flip online")
	}
	if first, _ := s.ConnOnline(ctx, "alice", "c2"); first {
		t.Fatalf("second connection should not be first")
	}

	if last, _ := s.ConnOffline(ctx, "alice", "c1"); last {
		t.Fatalf("one connection remains, not last")
	}
	last, err := s.ConnOffline(ctx, "alice", "c2")
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if !last {
		t.Fatalf("final disconnect should flip offline")
	}

	st, err := s.StatusOf(ctx, "alice")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.IsOnline || st.Status != StatusOffline || st.LastSeen == 0 {
		t.Fatalf("status = %+v, want offline with lastSeen", st)
	}
}

func TestPresenceStatusOverridePersists(t *testing.T) {
	mr, rdb := testRedis(t)
	s := NewPresenceStore(rdb, PresenceConfig{NodeID: "n1", TTL: 90 * time.Second})
	ctx := context.Background()

	if _, err := s.ConnOnline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("online: %v", err)
	}
	if err := s.SetStatus(ctx, "alice", StatusAway); err != nil {
		t.Fatalf("set status: %v", err)
	}

	// 覆盖态不挂过期：保持到用户重设或断开
	if ttl := mr.TTL(statusKey("alice")); ttl != 0 {
		t.Fatalf("status key ttl = %v, want none", ttl)
	}
	st, _ := s.StatusOf(ctx, "alice")
	if st.Status != StatusAway {
		t.Fatalf("status = %s, want away", st.Status)
	}

	// online 等价于清除覆盖态
	if err := s.SetStatus(ctx, "alice", StatusOnline); err != nil {
		t.Fatalf("clear status: %v", err)
	}
	st, _ = s.StatusOf(ctx, "alice")
	if st.Status != StatusOnline {
		t.Fatalf("status = %s, want online", st.Status)
	}

	// 最后一条连接断开时覆盖态被清除
	_ = s.SetStatus(ctx, "alice", StatusBusy)
	if _, err := s.ConnOffline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if mr.Exists(statusKey("alice")) {
		t.Fatalf("status override survived last disconnect")
	}
}

func TestPresenceSweepNode(t *testing.T) {
	_, rdb := testRedis(t)
	n1 := NewPresenceStore(rdb, PresenceConfig{NodeID: "n1", TTL: 90 * time.Second})
	n2 := NewPresenceStore(rdb, PresenceConfig{NodeID: "n2", TTL: 90 * time.Second})
	ctx := context.Background()

	// alice 只在 n1 有连接，bob 两个节点都有
	if _, err := n1.ConnOnline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("online: %v", err)
	}
	_, _ = n1.ConnOnline(ctx, "bob", "c2")
	_, _ = n2.ConnOnline(ctx, "bob", "c3")

	swept, err := n1.SweepNode(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 2 {
		t.Fatalf("swept = %d, want 2", swept)
	}

	st, _ := n1.StatusOf(ctx, "alice")
	if st.IsOnline || st.LastSeen == 0 {
		t.Fatalf("alice = %+v, want offline with lastSeen", st)
	}
	st, _ = n1.StatusOf(ctx, "bob")
	if !st.IsOnline {
		t.Fatalf("bob should stay online via n2")
	}
}
