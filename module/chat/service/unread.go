package service

import (
	"context"
	"sync"
)

// UnreadCounter 未读数契约。生产实现是 Redis Lua（service/storage）；
// 这里的内存实现保持同一语义，单测用。
type UnreadCounter interface {
	// NextSeq 为会话分配下一个消息序号（落库前调用，消息带着 seq 持久化）
	NextSeq(ctx context.Context, conv string) (int64, error)
	// Increment 非发送方未读 +1；同一 seq 重放幂等，乱序到达不丢
	Increment(ctx context.Context, conv, user string, seq int64) (int64, error)
	// MarkSenderRead 发送方自己的消息不产生未读
	MarkSenderRead(ctx context.Context, conv, user string, seq int64) error
	// Reset 标记会话已读：对当前会话 seq CAS，返回已读到的 seq
	Reset(ctx context.Context, conv, user string) (int64, error)
	CountFor(ctx context.Context, conv, user string) (int64, error)
}

// ===== 内存实现 =====

type memUnread struct {
	mu   sync.Mutex
	seq  map[string]int64                       // conv -> 当前 seq
	cnt  map[string]map[string]int64            // conv -> user -> 未读
	seen map[string]map[string]map[int64]bool   // conv -> user -> 已投递 seq 集合
	last map[string]map[string]int64            // conv -> user -> 已读指针
}

func NewMemUnread() UnreadCounter {
	return &memUnread{
		seq:  make(map[string]int64),
		cnt:  make(map[string]map[string]int64),
		seen: make(map[string]map[string]map[int64]bool),
		last: make(map[string]map[string]int64),
	}
}

func ensure(m map[string]map[string]int64, conv string) map[string]int64 {
	u := m[conv]
	if u == nil {
		u = make(map[string]int64)
		m[conv] = u
	}
	return u
}

func (s *memUnread) seenOf(conv, user string) map[int64]bool {
	u := s.seen[conv]
	if u == nil {
		u = make(map[string]map[int64]bool)
		s.seen[conv] = u
	}
	set := u[user]
	if set == nil {
		set = make(map[int64]bool)
		u[user] = set
	}
	return set
}

func (s *memUnread) NextSeq(ctx context.Context, conv string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[conv]++
	return s.seq[conv], nil
}

func (s *memUnread) Increment(ctx context.Context, conv, user string, seq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cnt := ensure(s.cnt, conv)
	if seq <= ensure(s.last, conv)[user] {
		return cnt[user], nil
	}
	set := s.seenOf(conv, user)
	if !set[seq] {
		set[seq] = true
		cnt[user]++
	}
	return cnt[user], nil
}

func (s *memUnread) MarkSenderRead(ctx context.Context, conv, user string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > ensure(s.last, conv)[user] {
		s.seenOf(conv, user)[seq] = true
	}
	return nil
}

func (s *memUnread) Reset(ctx context.Context, conv, user string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq[conv]
	last := ensure(s.last, conv)
	if seq > last[user] {
		last[user] = seq
	} else {
		seq = last[user]
	}
	if u := s.seen[conv]; u != nil {
		delete(u, user)
	}
	ensure(s.cnt, conv)[user] = 0
	return seq, nil
}

func (s *memUnread) CountFor(ctx context.Context, conv, user string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ensure(s.cnt, conv)[user], nil
}
