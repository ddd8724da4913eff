package model

import "time"

// 通知类型
const (
	TypeEventInvite    = "event_invite"
	TypeEventReminder  = "event_reminder"
	TypeJobPosted      = "job_posted"
	TypeApplication    = "application_update"
	TypeAnnouncement   = "announcement"
	TypeMention        = "mention"
	TypeSystem         = "system"
)

// Notification 通知记录。接收方由三种定向方式解析：
// 直接 user_id；department_filter；role_filter。
// 维度之间取交集，role_filter 内部取并集。
type Notification struct {
	ID      string `bson:"_id" json:"id"`
	Type    string `bson:"type" json:"type"`
	Title   string `bson:"title" json:"title"`
	Content string `bson:"content" json:"content"`

	// —— 定向 ——
	UserID           string   `bson:"user_id,omitempty" json:"userId,omitempty"`                     // 直接定向（设置时忽略过滤器）
	DepartmentFilter string   `bson:"department_filter,omitempty" json:"departmentFilter,omitempty"` // 部门过滤
	RoleFilter       []string `bson:"role_filter,omitempty" json:"roleFilter,omitempty"`             // 角色过滤（任一命中）

	// —— 来源/目标实体（只引用，不拥有） ——
	SenderID   string         `bson:"sender_id,omitempty" json:"senderId,omitempty"`
	TargetID   string         `bson:"target_id,omitempty" json:"targetId,omitempty"`
	TargetType string         `bson:"target_type,omitempty" json:"targetType,omitempty"` // event/job/application/post...
	Data       map[string]any `bson:"data,omitempty" json:"data,omitempty"`

	// —— 状态 ——
	IsRead    bool       `bson:"is_read" json:"isRead"`
	IsDeleted bool       `bson:"is_deleted" json:"-"` // 从未读统计剔除，保留审计
	CreatedAt time.Time  `bson:"created_at" json:"createdAt"`
	ReadAt    *time.Time `bson:"read_at,omitempty" json:"readAt,omitempty"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty" json:"expiresAt,omitempty"` // 过期后不再投递给新连接，可回收
}

// Expired 过期判定；nil 表示永不过期
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// Recipient 每个受众成员的已读状态（与通知分开存，通知本身可能是群发）
type Recipient struct {
	ID             string     `bson:"_id" json:"id"`
	NotificationID string     `bson:"notification_id" json:"notificationId"`
	UserID         string     `bson:"user_id" json:"userId"`
	IsRead         bool       `bson:"is_read" json:"isRead"`
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"readAt,omitempty"`
}
