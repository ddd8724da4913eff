package storage

import (
	"context"
	"time"

	"github.com/EY-Engage/realtime-core/tools/errs"

	"github.com/redis/go-redis/v9"
)

// 未读数模型：
//   rt:conv:seq:<conv>            会话消息序号（落库前分配，随消息持久化）
//   rt:unread:cnt:<conv>:<user>   未读计数
//   rt:unread:seen:<conv>:<user>  已投递 seq 集合（按条去重，乱序到达不丢）
//   rt:unread:last:<conv>:<user>  已读指针（只前进）
// 所有变更走 Lua，单 key 组内原子，满足 per-(conv,participant) 串行化要求。
// seen 集合在标记已读时整体删除，大小以两次已读之间的消息量为界。

func convSeqKey(conv string) string         { return "rt:conv:seq:" + conv }
func unreadCntKey(conv, user string) string { return "rt:unread:cnt:" + conv + ":" + user }
func seenKey(conv, user string) string      { return "rt:unread:seen:" + conv + ":" + user }
func lastReadKey(conv, user string) string  { return "rt:unread:last:" + conv + ":" + user }

// ===== Lua 脚本 =====

// 接收方未读 +1。重放与乱序都按 seq 去重：
// 已读指针之下的 seq 直接跳过，其余首见才计数。
// KEYS: cnt / seen / last；ARGV[1] = msg seq
// 返回：应用后的未读数
const luaUnreadIncr = `
local cnt  = KEYS[1]
local seen = KEYS[2]
local last = KEYS[3]
local seq  = tonumber(ARGV[1])

local lr = tonumber(redis.call("GET", last) or "0")
if seq <= lr then
  return tonumber(redis.call("GET", cnt) or "0")
end
if redis.call("SADD", seen, seq) == 1 then
  return redis.call("INCR", cnt)
end
return tonumber(redis.call("GET", cnt) or "0")
`

// 发送方自己的消息：记入 seen，不计数
// KEYS: seen / last；ARGV[1] = msg seq
const luaSenderMark = `
local seen = KEYS[1]
local last = KEYS[2]
local seq  = tonumber(ARGV[1])

local lr = tonumber(redis.call("GET", last) or "0")
if seq > lr then
  redis.call("SADD", seen, seq)
end
return lr
`

// 标记会话已读：对当前会话 seq 做 CAS（指针只前进），清零计数并清空 seen。
// 与并发的 incr 只会有两种交错：seq 不大于快照的由已读指针挡掉（本次清零
// 已覆盖）；seq 更大的进全新的 seen 照常计入 —— 不丢增量。
// KEYS: cnt / seen / last / convseq
// 返回：{ 已读到的 seq, 清零后的未读数 }
const luaUnreadReset = `
local cnt     = KEYS[1]
local seen    = KEYS[2]
local last    = KEYS[3]
local convseq = KEYS[4]

local seq = tonumber(redis.call("GET", convseq) or "0")
local lr  = tonumber(redis.call("GET", last) or "0")
if seq > lr then
  redis.call("SET", last, seq)
else
  seq = lr
end
redis.call("DEL", seen)
redis.call("SET", cnt, 0)
return {seq, 0}
`

// ===== 存储实现 =====

type UnreadStore struct {
	rdb *redis.Client

	incrScript   *redis.Script
	senderScript *redis.Script
	resetScript  *redis.Script
}

func NewUnreadStore(rdb *redis.Client) *UnreadStore {
	return &UnreadStore{
		rdb:          rdb,
		incrScript:   redis.NewScript(luaUnreadIncr),
		senderScript: redis.NewScript(luaSenderMark),
		resetScript:  redis.NewScript(luaUnreadReset),
	}
}

// NextSeq 为会话分配下一个消息序号（落库前调用，消息带着 seq 持久化）
func (s *UnreadStore) NextSeq(ctx context.Context, conv string) (int64, error) {
	seq, err := s.rdb.Incr(ctx, convSeqKey(conv)).Result()
	if err != nil {
		return 0, errs.WrapMsg(err, "next seq", "conv", conv)
	}
	return seq, nil
}

// Increment 非发送方未读 +1；同一 seq 重放幂等，乱序到达不丢
func (s *UnreadStore) Increment(ctx context.Context, conv, user string, seq int64) (int64, error) {
	n, err := s.incrScript.Run(ctx, s.rdb,
		[]string{unreadCntKey(conv, user), seenKey(conv, user), lastReadKey(conv, user)}, seq).Int64()
	if err != nil {
		return 0, errs.WrapMsg(err, "unread incr", "conv", conv, "user", user)
	}
	return n, nil
}

// MarkSenderRead 发送方自己的消息不产生未读
func (s *UnreadStore) MarkSenderRead(ctx context.Context, conv, user string, seq int64) error {
	_, err := s.senderScript.Run(ctx, s.rdb,
		[]string{seenKey(conv, user), lastReadKey(conv, user)}, seq).Result()
	return errs.Wrap(err)
}

// Reset 显式"标记会话已读"；返回已读到的 seq。
// 瞬态冲突（脚本层面不存在，但连接抖动会有）由调用方有限重试。
func (s *UnreadStore) Reset(ctx context.Context, conv, user string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.resetScript.Run(ctx, s.rdb, []string{
			unreadCntKey(conv, user),
			seenKey(conv, user),
			lastReadKey(conv, user),
			convSeqKey(conv),
		}).Int64Slice()
		if err == nil && len(res) == 2 {
			return res[0], nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return 0, errs.ErrRetryExhausted.WrapMsg("unread reset", "conv", conv, "user", user, "err", lastErr)
}

// CountFor 当前未读数
func (s *UnreadStore) CountFor(ctx context.Context, conv, user string) (int64, error) {
	n, err := s.rdb.Get(ctx, unreadCntKey(conv, user)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "unread count", "conv", conv, "user", user)
	}
	return n, nil
}
