package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EY-Engage/realtime-core/logger"
	"github.com/EY-Engage/realtime-core/module/notify/model"
	"github.com/EY-Engage/realtime-core/module/notify/store"
	userstore "github.com/EY-Engage/realtime-core/module/user/store"
	"github.com/EY-Engage/realtime-core/service/backplane"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/ids"
	"github.com/EY-Engage/realtime-core/tools/safe"
)

// NotifyPayload 通知事件载荷：通知本体 + 展开后的受众，
// 各节点收到后只投给本地在线的受众连接，离线的走收件记录补拉。
type NotifyPayload struct {
	Notification *model.Notification `json:"notification"`
	Recipients   []string            `json:"recipients"`
}

type Service struct {
	repo   store.Repo
	users  userstore.Directory
	bp     backplane.Adapter
	nodeID string
	clock  func() time.Time
}

func NewService(repo store.Repo, users userstore.Directory, bp backplane.Adapter, nodeID string) *Service {
	return &Service{repo: repo, users: users, bp: bp, nodeID: nodeID, clock: time.Now}
}

// Publish 发布一条通知：过期校验 → 受众解析 → 落库（通知 + 收件记录）→ 背板广播。
// 返回展开后的受众，空受众不算错误。
func (s *Service) Publish(ctx context.Context, n *model.Notification) ([]string, error) {
	now := s.clock()
	if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
		return nil, errs.ErrExpiredAtCreation.WithDetail(n.Type)
	}

	audience, err := s.ResolveAudience(ctx, n)
	if err != nil {
		return nil, err
	}

	if n.ID == "" {
		n.ID = ids.GenerateString()
	}
	n.CreatedAt = now
	n.IsRead = false
	n.IsDeleted = false

	recipients := make([]*model.Recipient, 0, len(audience))
	for _, uid := range audience {
		recipients = append(recipients, &model.Recipient{
			ID:             ids.GenerateString(),
			NotificationID: n.ID,
			UserID:         uid,
		})
	}
	if err := s.repo.Insert(ctx, n, recipients); err != nil {
		return nil, err
	}

	// 持久化成功后才广播，消费端看到事件时库里一定有记录
	payload, err := json.Marshal(&NotifyPayload{Notification: n, Recipients: audience})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	ev := &backplane.Event{
		EventID:   n.ID,
		Namespace: "notifications",
		Name:      "notification.new",
		Origin:    s.nodeID,
		Ts:        now.UnixMilli(),
		Payload:   payload,
	}
	if err := s.bp.Publish(ctx, backplane.ChannelNotify, ev); err != nil {
		// 广播失败不回滚：本地连接已投，离线受众靠收件记录兜底
		logger.Warnf("notify publish degraded: id=%s err=%v", n.ID, err)
	}
	return audience, nil
}

// ResolveAudience 受众解析。
// 直接指定 userId 时其余过滤条件忽略；否则部门过滤与角色过滤取交集，
// 角色列表内部任一命中即可，只收活跃用户。
func (s *Service) ResolveAudience(ctx context.Context, n *model.Notification) ([]string, error) {
	if n.UserID != "" {
		return []string{n.UserID}, nil
	}
	refs, err := s.users.FindAudience(ctx, n.DepartmentFilter, n.RoleFilter)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(refs))
	for _, u := range refs {
		// 发起者不给自己发
		if n.SenderID != "" && u.ID == n.SenderID {
			continue
		}
		out = append(out, u.ID)
	}
	return out, nil
}

func (s *Service) MarkRead(ctx context.Context, notificationID, userID string) error {
	return s.repo.MarkRead(ctx, notificationID, userID, s.clock())
}

func (s *Service) UnreadFor(ctx context.Context, userID string, limit int64) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.UnreadFor(ctx, userID, s.clock(), limit)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// StartSweeper 周期清理过期通知，ctx 取消即退出。
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	safe.SafeGo("notify-sweeper", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.SweepExpired(ctx, s.clock())
				if err != nil {
					logger.Errorf("notify sweep failed: %v", err)
					continue
				}
				if n > 0 {
					logger.Infof("notify sweep: expired=%d", n)
				}
			}
		}
	})
}
