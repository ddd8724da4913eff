package service

import (
	"context"
	"time"

	"github.com/EY-Engage/realtime-core/module/chat/model"
	"github.com/EY-Engage/realtime-core/module/chat/store"
	"github.com/EY-Engage/realtime-core/service/storage"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/ids"
)

// PresenceReader 读取聚合在线状态（读模型字段 isOnline 用，永不落库）
type PresenceReader interface {
	StatusOf(ctx context.Context, user string) (storage.PresencePayload, error)
}

// ConversationService 会话生命周期与成员管理
type ConversationService struct {
	repo     store.Repo
	engine   *PermissionEngine
	presence PresenceReader
}

func NewConversationService(repo store.Repo, engine *PermissionEngine, presence PresenceReader) *ConversationService {
	return &ConversationService{repo: repo, engine: engine, presence: presence}
}

// Create 新会话：创建者即 owner，其余成员默认 member + 可发消息
func (s *ConversationService) Create(ctx context.Context, creatorID, title string, isGroup bool, memberIDs []string) (*model.Conversation, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:        ids.GenerateString(),
		Title:     title,
		Status:    model.ConvStatusActive,
		CreatorID: creatorID,
		IsGroup:   isGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	owner := &model.Participant{
		ID:                 ids.GenerateString(),
		ConversationID:     conv.ID,
		UserID:             creatorID,
		Role:               model.RoleOwner,
		CanSendMessages:    true,
		CanAddParticipants: true,
		CanDeleteMessages:  true,
		IsActive:           true,
		JoinedAt:           now,
	}
	if err := s.repo.CreateConversation(ctx, conv, owner); err != nil {
		return nil, err
	}
	for _, uid := range memberIDs {
		if uid == creatorID {
			continue
		}
		if err := s.repo.AddParticipant(ctx, defaultMember(conv.ID, uid, now)); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// Add 拉人进会话（权限见 PermissionEngine.CanAddParticipant）
func (s *ConversationService) Add(ctx context.Context, convID, actorID, userID, nickname string) error {
	if err := s.engine.CanAddParticipant(ctx, convID, actorID); err != nil {
		return err
	}
	p := defaultMember(convID, userID, time.Now())
	p.Nickname = nickname
	return s.repo.AddParticipant(ctx, p)
}

// Leave 主动退出；owner 必须先转移所有权
func (s *ConversationService) Leave(ctx context.Context, convID, userID string) error {
	p, err := s.repo.GetParticipant(ctx, convID, userID)
	if err != nil {
		return err
	}
	if p.IsOwner() {
		return errs.ErrPermissionDenied.WrapMsg("owner must transfer ownership before leaving", "conv", convID)
	}
	return s.repo.Deactivate(ctx, convID, userID, time.Now())
}

// Archive 归档：仅 owner；归档后 CanSend 一律拒绝
func (s *ConversationService) Archive(ctx context.Context, convID, actorID string) error {
	p, err := s.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !p.IsOwner() {
		return errs.ErrPermissionDenied.WrapMsg("archive requires owner", "conv", convID, "user", actorID)
	}
	return s.repo.SetConversationStatus(ctx, convID, model.ConvStatusArchived)
}

// Participants 读模型：isOnline 从 Presence Tracker 现算
func (s *ConversationService) Participants(ctx context.Context, convID string) ([]*model.Participant, error) {
	parts, err := s.repo.ActiveParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}
	if s.presence == nil {
		return parts, nil
	}
	for _, p := range parts {
		st, err := s.presence.StatusOf(ctx, p.UserID)
		if err != nil {
			continue // 在线状态取不到不阻塞列表
		}
		online := st.IsOnline
		p.IsOnline = &online
	}
	return parts, nil
}

func defaultMember(convID, userID string, now time.Time) *model.Participant {
	return &model.Participant{
		ID:              ids.GenerateString(),
		ConversationID:  convID,
		UserID:          userID,
		Role:            model.RoleMember,
		CanSendMessages: true,
		IsActive:        true,
		JoinedAt:        now,
	}
}
