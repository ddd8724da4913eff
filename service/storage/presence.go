package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/EY-Engage/realtime-core/tools/errs"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ===== 状态 =====

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// PresencePayload 对外的在线状态快照
type PresencePayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix ms，离线时有效
	Status   Status `json:"status,omitempty"`
}

// ===== 配置 =====

type PresenceConfig struct {
	NodeID string        // 节点ID（连接成员名的一部分）
	TTL    time.Duration // 会话成员有效期，心跳续期
}

// ===== key 约定 =====
// rt:presence:u:<user>  ZSET  member=<node>|<connId> score=expireAtUnix
// rt:lastseen:<user>    STRING unix ms（最后一条连接断开时写入）
// rt:status:<user>      STRING away/busy 覆盖态（最后一条连接断开时删除）

func presenceKey(user string) string { return "rt:presence:u:" + user }
func lastSeenKey(user string) string { return "rt:lastseen:" + user }
func statusKey(user string) string   { return "rt:status:" + user }

// ===== Lua 脚本 =====

// 连接上线：清理过期成员 -> 判断之前是否在线 -> 登记新成员
// KEYS[1] = presence zset
// ARGV[1] = member；ARGV[2] = nowUnix；ARGV[3] = expireAtUnix
// 返回：1 = 用户由离线变为在线（集群范围首条连接）；0 = 之前已在线
const luaConnOnline = `
local z      = KEYS[1]
local member = ARGV[1]
local now    = tonumber(ARGV[2])
local expAt  = tonumber(ARGV[3])

local victims = redis.call("ZRANGEBYSCORE", z, "-inf", now)
for _, v in ipairs(victims) do
  redis.call("ZREM", z, v)
end

local before = redis.call("ZCOUNT", z, now + 1, "+inf")
redis.call("ZADD", z, expAt, member)
redis.call("EXPIRE", z, 3600)

if before == 0 then
  return 1
end
return 0
`

// 连接下线：摘除成员 -> 清理过期 -> 判断是否成为最后一条
// KEYS[1] = presence zset；KEYS[2] = lastseen key；KEYS[3] = status key
// ARGV[1] = member；ARGV[2] = nowUnix；ARGV[3] = nowMs
// 返回：1 = 该用户已无任何在线连接（写入 lastseen、删除覆盖态）；0 = 仍在线
const luaConnOffline = `
local z        = KEYS[1]
local lastseen = KEYS[2]
local status   = KEYS[3]
local member   = ARGV[1]
local now      = tonumber(ARGV[2])
local nowMs    = ARGV[3]

redis.call("ZREM", z, member)
local victims = redis.call("ZRANGEBYSCORE", z, "-inf", now)
for _, v in ipairs(victims) do
  redis.call("ZREM", z, v)
end

local cnt = redis.call("ZCOUNT", z, now + 1, "+inf")
if cnt == 0 then
  redis.call("SET", lastseen, nowMs)
  redis.call("DEL", status)
  return 1
end
return 0
`

// 在线判断（顺带清理过期成员）
// KEYS[1] = presence zset；ARGV[1] = nowUnix
// 返回：有效连接数
const luaCountActive = `
local z   = KEYS[1]
local now = tonumber(ARGV[1])
local victims = redis.call("ZRANGEBYSCORE", z, "-inf", now)
for _, v in ipairs(victims) do
  redis.call("ZREM", z, v)
end
return redis.call("ZCOUNT", z, now + 1, "+inf")
`

// 节点清扫：摘掉指定前缀（本节点）的全部成员，顺带清理过期成员；
// 摘空时写 lastseen、删除覆盖态
// KEYS[1] = presence zset；KEYS[2] = lastseen key；KEYS[3] = status key
// ARGV[1] = member 前缀；ARGV[2] = nowUnix；ARGV[3] = nowMs
// 返回：摘掉的本节点成员数
const luaSweepNode = `
local z        = KEYS[1]
local lastseen = KEYS[2]
local status   = KEYS[3]
local prefix   = ARGV[1]
local now      = tonumber(ARGV[2])
local nowMs    = ARGV[3]

local removed = 0
for _, m in ipairs(redis.call("ZRANGE", z, 0, -1)) do
  if string.sub(m, 1, string.len(prefix)) == prefix then
    redis.call("ZREM", z, m)
    removed = removed + 1
  end
end
for _, v in ipairs(redis.call("ZRANGEBYSCORE", z, "-inf", now)) do
  redis.call("ZREM", z, v)
end
if removed > 0 and redis.call("ZCOUNT", z, now + 1, "+inf") == 0 then
  redis.call("SET", lastseen, nowMs)
  redis.call("DEL", status)
end
return removed
`

// ===== 存储实现 =====

type PresenceStore struct {
	rdb  *redis.Client
	conf PresenceConfig

	onlineScript  *redis.Script
	offlineScript *redis.Script
	countScript   *redis.Script
	sweepScript   *redis.Script
}

func NewPresenceStore(rdb *redis.Client, conf PresenceConfig) *PresenceStore {
	if conf.TTL <= 0 {
		conf.TTL = 90 * time.Second
	}
	return &PresenceStore{
		rdb:           rdb,
		conf:          conf,
		onlineScript:  redis.NewScript(luaConnOnline),
		offlineScript: redis.NewScript(luaConnOffline),
		countScript:   redis.NewScript(luaCountActive),
		sweepScript:   redis.NewScript(luaSweepNode),
	}
}

func (s *PresenceStore) member(connID string) string {
	return s.conf.NodeID + "|" + connID
}

// ConnOnline 登记一条连接；返回是否为该用户集群范围内的首条连接
func (s *PresenceStore) ConnOnline(ctx context.Context, user, connID string) (first bool, err error) {
	now := time.Now()
	res, err := s.onlineScript.Run(ctx, s.rdb,
		[]string{presenceKey(user)},
		s.member(connID), now.Unix(), now.Add(s.conf.TTL).Unix(),
	).Int()
	if err != nil {
		return false, errs.WrapMsg(err, "presence online", "user", user)
	}
	return res == 1, nil
}

// ConnOffline 摘除一条连接；返回该用户是否由在线变为离线
func (s *PresenceStore) ConnOffline(ctx context.Context, user, connID string) (last bool, err error) {
	now := time.Now()
	res, err := s.offlineScript.Run(ctx, s.rdb,
		[]string{presenceKey(user), lastSeenKey(user), statusKey(user)},
		s.member(connID), now.Unix(), now.UnixMilli(),
	).Int()
	if err != nil {
		return false, errs.WrapMsg(err, "presence offline", "user", user)
	}
	return res == 1, nil
}

// Renew 心跳续期（pong 驱动）
func (s *PresenceStore) Renew(ctx context.Context, user, connID string) error {
	expAt := time.Now().Add(s.conf.TTL).Unix()
	return s.rdb.ZAdd(ctx, presenceKey(user), redis.Z{
		Score:  float64(expAt),
		Member: s.member(connID),
	}).Err()
}

// SetStatus 显式覆盖态（away/busy）；online 等价于清除覆盖态。
// 覆盖态保持到用户重设或最后一条连接断开（luaConnOffline 里 DEL），不设过期。
func (s *PresenceStore) SetStatus(ctx context.Context, user string, st Status) error {
	switch st {
	case StatusAway, StatusBusy:
		return s.rdb.Set(ctx, statusKey(user), string(st), 0).Err()
	case StatusOnline:
		return s.rdb.Del(ctx, statusKey(user)).Err()
	default:
		return errs.ErrPayloadInvalid.WrapMsg("bad status", "status", st)
	}
}

// StatusOf 聚合快照：在线性来自连接计数，覆盖态与 lastSeen 单独读取
func (s *PresenceStore) StatusOf(ctx context.Context, user string) (PresencePayload, error) {
	out := PresencePayload{UserID: user}

	cnt, err := s.countScript.Run(ctx, s.rdb, []string{presenceKey(user)}, time.Now().Unix()).Int()
	if err != nil {
		return out, errs.WrapMsg(err, "presence count", "user", user)
	}
	out.IsOnline = cnt > 0

	if out.IsOnline {
		out.Status = StatusOnline
		if v, err := s.rdb.Get(ctx, statusKey(user)).Result(); err == nil && v != "" {
			out.Status = Status(v)
		} else if err != nil && !pkgerrors.Is(err, redis.Nil) {
			return out, errs.Wrap(err)
		}
		return out, nil
	}

	out.Status = StatusOffline
	v, err := s.rdb.Get(ctx, lastSeenKey(user)).Result()
	if pkgerrors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, errs.Wrap(err)
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		out.LastSeen = ms
	}
	return out, nil
}

// SweepNode 实例启动时调用：上一次进程没走完关机流程时，本节点的旧成员
// 还挂在各用户的 ZSET 里，最长要等一个 TTL 才被动过期。这里按成员前缀
// 主动摘掉，摘空的用户补写 lastseen 并清掉覆盖态。
func (s *PresenceStore) SweepNode(ctx context.Context) (int64, error) {
	var swept int64
	iter := s.rdb.Scan(ctx, 0, presenceKey("*"), 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		user := key[len(presenceKey("")):]
		now := time.Now()
		n, err := s.sweepScript.Run(ctx, s.rdb,
			[]string{key, lastSeenKey(user), statusKey(user)},
			s.conf.NodeID+"|", now.Unix(), now.UnixMilli(),
		).Int64()
		if err != nil {
			return swept, errs.WrapMsg(err, "presence sweep", "user", user)
		}
		swept += n
	}
	if err := iter.Err(); err != nil {
		return swept, errs.Wrap(err)
	}
	return swept, nil
}
