package model

import "time"

// 会话生命周期
const (
	ConvStatusCreated  = "created"
	ConvStatusActive   = "active"
	ConvStatusArchived = "archived" // 归档后禁止发送
)

// Conversation 会话元数据。消息体不在本服务落库，
// 这里只持有会话级的权限/未读状态归属。
type Conversation struct {
	ID     string `bson:"_id" json:"id"`         // 会话ID
	Title  string `bson:"title" json:"title"`    // 展示标题（群聊用）
	Status string `bson:"status" json:"status"`  // created/active/archived

	CreatorID string    `bson:"creator_id" json:"creatorId"` // 创建者（初始 owner）
	IsGroup   bool      `bson:"is_group" json:"isGroup"`     // 是否群聊
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) Archived() bool { return c.Status == ConvStatusArchived }
