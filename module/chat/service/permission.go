package service

import (
	"context"
	"time"

	"github.com/EY-Engage/realtime-core/module/chat/model"
	"github.com/EY-Engage/realtime-core/module/chat/store"
	"github.com/EY-Engage/realtime-core/tools/errs"
)

// PermissionEngine 会话内角色/权限/风控判定。
// 所有拒绝都返回带码错误，路由层翻译成对客户端的 reject 事件，绝不静默丢弃。
type PermissionEngine struct {
	repo  store.Repo
	clock func() time.Time // 单测可注入
}

func NewPermissionEngine(repo store.Repo) *PermissionEngine {
	return &PermissionEngine{repo: repo, clock: time.Now}
}

// CanSend 发送判定：归档会话、非活跃成员、禁言（压过授权）、can_send_messages
func (e *PermissionEngine) CanSend(ctx context.Context, convID, userID string) error {
	conv, err := e.repo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.Archived() {
		return errs.ErrConversationArchived.WrapMsg("", "conv", convID)
	}
	p, err := e.repo.GetParticipant(ctx, convID, userID)
	if err != nil {
		return err
	}
	now := e.clock()
	if !p.IsActive {
		return errs.ErrPermissionDenied.WrapMsg("participant inactive", "conv", convID, "user", userID)
	}
	if p.MutedNow(now) {
		return errs.ErrPermissionDenied.WrapMsg("participant muted", "conv", convID, "user", userID)
	}
	if !p.CanSendMessages {
		return errs.ErrPermissionDenied.WrapMsg("send not granted", "conv", convID, "user", userID)
	}
	return nil
}

// CanAddParticipant owner/admin 总是可以；member 需要显式授权
func (e *PermissionEngine) CanAddParticipant(ctx context.Context, convID, actorID string) error {
	p, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return errs.ErrPermissionDenied.WrapMsg("participant inactive", "conv", convID, "user", actorID)
	}
	if p.IsAdminOrOwner() || p.CanAddParticipants {
		return nil
	}
	return errs.ErrPermissionDenied.WrapMsg("add participant not granted", "conv", convID, "user", actorID)
}

// CanDeleteMessage 自己的消息可删；他人消息需要 owner/admin 或显式授权
func (e *PermissionEngine) CanDeleteMessage(ctx context.Context, convID, actorID, authorID string) error {
	p, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return errs.ErrPermissionDenied.WrapMsg("participant inactive", "conv", convID, "user", actorID)
	}
	if actorID == authorID {
		return nil
	}
	if p.IsAdminOrOwner() || p.CanDeleteMessages {
		return nil
	}
	return errs.ErrPermissionDenied.WrapMsg("delete not granted", "conv", convID, "user", actorID)
}

// Mute 禁言：仅 owner/admin；不能对自己；不能禁言 owner
func (e *PermissionEngine) Mute(ctx context.Context, convID, actorID, targetID string, until *time.Time) error {
	if actorID == targetID {
		return errs.ErrPermissionDenied.WrapMsg("cannot mute self", "conv", convID, "user", actorID)
	}
	actor, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdminOrOwner() {
		return errs.ErrPermissionDenied.WrapMsg("mute requires owner/admin", "conv", convID, "user", actorID)
	}
	target, err := e.repo.GetParticipant(ctx, convID, targetID)
	if err != nil {
		return err
	}
	if target.IsOwner() {
		return errs.ErrPermissionDenied.WrapMsg("cannot mute owner", "conv", convID, "target", targetID)
	}
	return e.repo.SetMute(ctx, convID, targetID, true, until)
}

// Unmute 解除禁言：仅 owner/admin
func (e *PermissionEngine) Unmute(ctx context.Context, convID, actorID, targetID string) error {
	actor, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdminOrOwner() {
		return errs.ErrPermissionDenied.WrapMsg("unmute requires owner/admin", "conv", convID, "user", actorID)
	}
	return e.repo.SetMute(ctx, convID, targetID, false, nil)
}

// Remove 移出会话：仅 owner/admin；owner 必须先转移所有权；不能移出自己
func (e *PermissionEngine) Remove(ctx context.Context, convID, actorID, targetID string) error {
	if actorID == targetID {
		return errs.ErrPermissionDenied.WrapMsg("cannot remove self, leave instead", "conv", convID, "user", actorID)
	}
	actor, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdminOrOwner() {
		return errs.ErrPermissionDenied.WrapMsg("remove requires owner/admin", "conv", convID, "user", actorID)
	}
	target, err := e.repo.GetParticipant(ctx, convID, targetID)
	if err != nil {
		return err
	}
	if target.IsOwner() {
		return errs.ErrPermissionDenied.WrapMsg("cannot remove owner, transfer ownership first", "conv", convID, "target", targetID)
	}
	return e.repo.Deactivate(ctx, convID, targetID, e.clock())
}

// ChangeRole 角色变更：仅 owner。
// 升为 owner 走所有权原子转移（会话任何时刻恰有一个 owner）；
// owner 不能把自己降级，只能通过转移卸任。
func (e *PermissionEngine) ChangeRole(ctx context.Context, convID, actorID, targetID, newRole string) error {
	switch newRole {
	case model.RoleOwner, model.RoleAdmin, model.RoleMember:
	default:
		return errs.ErrPayloadInvalid.WrapMsg("bad role", "role", newRole)
	}
	actor, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.IsOwner() {
		return errs.ErrPermissionDenied.WrapMsg("change role requires owner", "conv", convID, "user", actorID)
	}
	if actorID == targetID {
		return errs.ErrPermissionDenied.WrapMsg("owner cannot change own role, transfer ownership", "conv", convID, "user", actorID)
	}
	target, err := e.repo.GetParticipant(ctx, convID, targetID)
	if err != nil {
		return err
	}
	if !target.IsActive {
		return errs.ErrPermissionDenied.WrapMsg("target inactive", "conv", convID, "target", targetID)
	}

	if newRole == model.RoleOwner {
		return e.repo.TransferOwnership(ctx, convID, actorID, targetID)
	}
	return e.repo.SetRole(ctx, convID, targetID, newRole)
}

// GrantPermission 调整成员权限位：仅 owner/admin
func (e *PermissionEngine) GrantPermission(ctx context.Context, convID, actorID, targetID, perm string, granted bool) error {
	actor, err := e.repo.GetParticipant(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdminOrOwner() {
		return errs.ErrPermissionDenied.WrapMsg("grant requires owner/admin", "conv", convID, "user", actorID)
	}
	return e.repo.SetPermission(ctx, convID, targetID, perm, granted)
}
