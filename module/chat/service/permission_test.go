package service

import (
	"context"
	"testing"
	"time"

	"github.com/EY-Engage/realtime-core/module/chat/model"
	"github.com/EY-Engage/realtime-core/module/chat/store"
	"github.com/EY-Engage/realtime-core/tools/errs"
)

func seedConversation(t *testing.T, repo store.Repo) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	conv := &model.Conversation{ID: "c1", Title: "test", Status: model.ConvStatusActive, CreatorID: "owner", IsGroup: true, CreatedAt: now, UpdatedAt: now}
	owner := &model.Participant{
		ID: "p-owner", ConversationID: "c1", UserID: "owner",
		Role: model.RoleOwner, CanSendMessages: true, CanAddParticipants: true, CanDeleteMessages: true,
		IsActive: true, JoinedAt: now,
	}
	if err := repo.CreateConversation(ctx, conv, owner); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for _, uid := range []string{"admin1", "member1", "member2"} {
		p := defaultMember("c1", uid, now)
		if err := repo.AddParticipant(ctx, p); err != nil {
			t.Fatalf("add %s: %v", uid, err)
		}
	}
	if err := repo.SetRole(ctx, "c1", "admin1", model.RoleAdmin); err != nil {
		t.Fatalf("set admin: %v", err)
	}
}

func TestCanSendMuteOverridesGrant(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	if err := e.CanSend(ctx, "c1", "member1"); err != nil {
		t.Fatalf("member should send: %v", err)
	}

	// 禁言后，哪怕 can_send_messages 还是 true，也必须拒绝
	if err := e.Mute(ctx, "c1", "owner", "member1", nil); err != nil {
		t.Fatalf("mute: %v", err)
	}
	err := e.CanSend(ctx, "c1", "member1")
	if !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("want permission denied, got %v", err)
	}
}

func TestCanSendExpiredMute(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if err := e.Mute(ctx, "c1", "owner", "member1", &past); err != nil {
		t.Fatalf("mute: %v", err)
	}
	// muted_until 已过期等价于未禁言
	if err := e.CanSend(ctx, "c1", "member1"); err != nil {
		t.Fatalf("expired mute should not block: %v", err)
	}
}

func TestCanSendArchived(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	if err := repo.SetConversationStatus(ctx, "c1", model.ConvStatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	err := e.CanSend(ctx, "c1", "owner")
	if !errs.ErrConversationArchived.Is(err) {
		t.Fatalf("want archived error, got %v", err)
	}
}

func TestCanSendRevokedGrant(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	if err := repo.SetPermission(ctx, "c1", "member1", "can_send_messages", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	err := e.CanSend(ctx, "c1", "member1")
	if !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("want permission denied, got %v", err)
	}
}

func TestMuteRules(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	// member 不能禁言
	if err := e.Mute(ctx, "c1", "member1", "member2", nil); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("member mute should be denied, got %v", err)
	}
	// 不能禁言 owner
	if err := e.Mute(ctx, "c1", "admin1", "owner", nil); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("muting owner should be denied, got %v", err)
	}
	// 不能对自己
	if err := e.Mute(ctx, "c1", "admin1", "admin1", nil); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("self mute should be denied, got %v", err)
	}
	// admin 禁言 member 可以
	if err := e.Mute(ctx, "c1", "admin1", "member1", nil); err != nil {
		t.Fatalf("admin mute member: %v", err)
	}
	if err := e.Unmute(ctx, "c1", "admin1", "member1"); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if err := e.CanSend(ctx, "c1", "member1"); err != nil {
		t.Fatalf("after unmute: %v", err)
	}
}

func TestRemoveRules(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	if err := e.Remove(ctx, "c1", "admin1", "owner"); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("removing owner should be denied, got %v", err)
	}
	if err := e.Remove(ctx, "c1", "admin1", "admin1"); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("self remove should be denied, got %v", err)
	}
	if err := e.Remove(ctx, "c1", "admin1", "member1"); err != nil {
		t.Fatalf("admin remove member: %v", err)
	}
	p, err := repo.GetParticipant(ctx, "c1", "member1")
	if err != nil {
		t.Fatalf("get removed: %v", err)
	}
	if p.IsActive || p.LeftAt == nil {
		t.Fatalf("removed participant should be inactive with left_at, got %+v", p)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	// 非 owner 不能改角色
	if err := e.ChangeRole(ctx, "c1", "admin1", "member1", model.RoleAdmin); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("admin change role should be denied, got %v", err)
	}
	// owner 不能改自己的角色
	if err := e.ChangeRole(ctx, "c1", "owner", "owner", model.RoleMember); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("owner self demote should be denied, got %v", err)
	}

	// 升为 owner 等价于所有权转移：旧 owner 降为 admin
	if err := e.ChangeRole(ctx, "c1", "owner", "member2", model.RoleOwner); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owners := 0
	parts, _ := repo.ActiveParticipants(ctx, "c1")
	for _, p := range parts {
		if p.Role == model.RoleOwner {
			owners++
			if p.UserID != "member2" {
				t.Fatalf("wrong owner: %s", p.UserID)
			}
		}
	}
	if owners != 1 {
		t.Fatalf("want exactly one owner, got %d", owners)
	}
	old, _ := repo.GetParticipant(ctx, "c1", "owner")
	if old.Role != model.RoleAdmin {
		t.Fatalf("old owner should be admin, got %s", old.Role)
	}
}

func TestDeleteMessagePermission(t *testing.T) {
	repo := store.NewMemRepo()
	seedConversation(t, repo)
	e := NewPermissionEngine(repo)
	ctx := context.Background()

	// 自己的消息总可删
	if err := e.CanDeleteMessage(ctx, "c1", "member1", "member1"); err != nil {
		t.Fatalf("own message: %v", err)
	}
	// 他人消息：member 默认不行
	if err := e.CanDeleteMessage(ctx, "c1", "member1", "member2"); !errs.ErrPermissionDenied.Is(err) {
		t.Fatalf("member deleting other's message should be denied, got %v", err)
	}
	// admin 可以
	if err := e.CanDeleteMessage(ctx, "c1", "admin1", "member2"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	// 显式授权后 member 也可以
	if err := e.GrantPermission(ctx, "c1", "owner", "member1", "can_delete_messages", true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := e.CanDeleteMessage(ctx, "c1", "member1", "member2"); err != nil {
		t.Fatalf("granted delete: %v", err)
	}
}
