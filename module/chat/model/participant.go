package model

import "time"

// 会话内角色
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Participant 表示一个用户在一个会话内的成员记录。
// 唯一键: conversation_id + user_id；每个会话恒有且仅有一个 owner。
type Participant struct {
	ID             string `bson:"_id" json:"id"`
	ConversationID string `bson:"conversation_id" json:"conversationId"` // 会话ID
	UserID         string `bson:"user_id" json:"userId"`                 // 成员用户ID

	// —— 角色/权限 ——
	Role               string `bson:"role" json:"role"`                                 // owner/admin/member
	CanSendMessages    bool   `bson:"can_send_messages" json:"canSendMessages"`         // 发消息
	CanAddParticipants bool   `bson:"can_add_participants" json:"canAddParticipants"`   // 拉人
	CanDeleteMessages  bool   `bson:"can_delete_messages" json:"canDeleteMessages"`     // 删消息

	// —— 风控状态 ——
	IsMuted    bool       `bson:"is_muted" json:"isMuted"`                          // 是否禁言
	MutedUntil *time.Time `bson:"muted_until,omitempty" json:"mutedUntil,omitempty"` // 禁言截止；过去的时间等价于未禁言

	// —— 生命周期 ——
	IsActive bool       `bson:"is_active" json:"isActive"`                  // LeftAt 置位 ⇒ false，不再参与扇出
	JoinedAt time.Time  `bson:"joined_at" json:"joinedAt"`                  // 加入时间
	LeftAt   *time.Time `bson:"left_at,omitempty" json:"leftAt,omitempty"` // 离开时间

	// —— 展示 ——
	Nickname string `bson:"nickname" json:"nickname"` // 会话内昵称

	// —— 读模型（真实来源是 Redis，持久化字段只做冷启动兜底） ——
	UnreadCount int64 `bson:"unread_count" json:"unreadCount"`

	// 读取时由 Presence Tracker 计算，永不落库
	IsOnline *bool `bson:"-" json:"isOnline,omitempty"`
	IsTyping *bool `bson:"-" json:"isTyping,omitempty"`
}

// MutedNow 禁言判定：已过期的 muted_until 等价于未禁言
func (p *Participant) MutedNow(now time.Time) bool {
	if !p.IsMuted {
		return false
	}
	if p.MutedUntil == nil {
		return true // 无限期禁言
	}
	return p.MutedUntil.After(now)
}

func (p *Participant) IsOwner() bool { return p.Role == RoleOwner }

func (p *Participant) IsAdminOrOwner() bool {
	return p.Role == RoleOwner || p.Role == RoleAdmin
}
