package store

import (
	"context"
	"time"

	"github.com/EY-Engage/realtime-core/module/chat/model"
	"github.com/EY-Engage/realtime-core/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repo 会话/成员的持久化抽象：生产用 Mongo，单测用内存实现（mem.go）。
type Repo interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation, owner *model.Participant) error
	SetConversationStatus(ctx context.Context, id, status string) error
	// DeleteConversation 级联删除全部成员（显式级联，不靠对象图）
	DeleteConversation(ctx context.Context, id string) error

	GetParticipant(ctx context.Context, convID, userID string) (*model.Participant, error)
	ActiveParticipants(ctx context.Context, convID string) ([]*model.Participant, error)
	AddParticipant(ctx context.Context, p *model.Participant) error
	SetMute(ctx context.Context, convID, userID string, muted bool, until *time.Time) error
	SetRole(ctx context.Context, convID, userID, role string) error
	SetPermission(ctx context.Context, convID, userID, perm string, granted bool) error
	Deactivate(ctx context.Context, convID, userID string, leftAt time.Time) error
	// TransferOwnership 原子转移 owner：先升后降，任何时刻不缺 owner
	TransferOwnership(ctx context.Context, convID, fromUserID, toUserID string) error
	SetUnreadSnapshot(ctx context.Context, convID, userID string, n int64) error
}

// ===== Mongo 实现 =====

const (
	collConversations = "conversations"
	collParticipants  = "conversation_participants"
)

type mongoRepo struct {
	db *mongo.Database
}

func NewMongoRepo(db *mongo.Database) Repo {
	return &mongoRepo{db: db}
}

// EnsureIndexes 启动时建索引：成员表按 (conversation_id, user_id) 唯一
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collParticipants).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "is_active", Value: 1}}},
	})
	return errs.Wrap(err)
}

func (r *mongoRepo) conversations() *mongo.Collection { return r.db.Collection(collConversations) }
func (r *mongoRepo) participants() *mongo.Collection  { return r.db.Collection(collParticipants) }

func (r *mongoRepo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrConversationNotFound.WrapMsg("", "conv", id)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &c, nil
}

func (r *mongoRepo) CreateConversation(ctx context.Context, conv *model.Conversation, owner *model.Participant) error {
	if owner.Role != model.RoleOwner {
		return errs.New("creator participant must be owner")
	}
	if _, err := r.conversations().InsertOne(ctx, conv); err != nil {
		return errs.WrapMsg(err, "insert conversation", "conv", conv.ID)
	}
	if _, err := r.participants().InsertOne(ctx, owner); err != nil {
		return errs.WrapMsg(err, "insert owner participant", "conv", conv.ID)
	}
	return nil
}

func (r *mongoRepo) SetConversationStatus(ctx context.Context, id, status string) error {
	res, err := r.conversations().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}})
	if err != nil {
		return errs.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrConversationNotFound.WrapMsg("", "conv", id)
	}
	return nil
}

func (r *mongoRepo) DeleteConversation(ctx context.Context, id string) error {
	if _, err := r.participants().DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return errs.WrapMsg(err, "cascade delete participants", "conv", id)
	}
	if _, err := r.conversations().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

func (r *mongoRepo) GetParticipant(ctx context.Context, convID, userID string) (*model.Participant, error) {
	var p model.Participant
	err := r.participants().FindOne(ctx, bson.M{"conversation_id": convID, "user_id": userID}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrParticipantNotFound.WrapMsg("", "conv", convID, "user", userID)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &p, nil
}

func (r *mongoRepo) ActiveParticipants(ctx context.Context, convID string) ([]*model.Participant, error) {
	cur, err := r.participants().Find(ctx, bson.M{"conversation_id": convID, "is_active": true})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer cur.Close(ctx)

	var out []*model.Participant
	for cur.Next(ctx) {
		var p model.Participant
		if err := cur.Decode(&p); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &p)
	}
	return out, errs.Wrap(cur.Err())
}

func (r *mongoRepo) AddParticipant(ctx context.Context, p *model.Participant) error {
	if _, err := r.participants().InsertOne(ctx, p); err != nil {
		return errs.WrapMsg(err, "insert participant", "conv", p.ConversationID, "user", p.UserID)
	}
	return nil
}

func (r *mongoRepo) setFields(ctx context.Context, convID, userID string, set bson.M) error {
	res, err := r.participants().UpdateOne(ctx,
		bson.M{"conversation_id": convID, "user_id": userID},
		bson.M{"$set": set})
	if err != nil {
		return errs.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrParticipantNotFound.WrapMsg("", "conv", convID, "user", userID)
	}
	return nil
}

func (r *mongoRepo) SetMute(ctx context.Context, convID, userID string, muted bool, until *time.Time) error {
	return r.setFields(ctx, convID, userID, bson.M{"is_muted": muted, "muted_until": until})
}

func (r *mongoRepo) SetRole(ctx context.Context, convID, userID, role string) error {
	return r.setFields(ctx, convID, userID, bson.M{"role": role})
}

func (r *mongoRepo) SetPermission(ctx context.Context, convID, userID, perm string, granted bool) error {
	switch perm {
	case "can_send_messages", "can_add_participants", "can_delete_messages":
	default:
		return errs.New("unknown permission flag", "perm", perm)
	}
	return r.setFields(ctx, convID, userID, bson.M{perm: granted})
}

func (r *mongoRepo) Deactivate(ctx context.Context, convID, userID string, leftAt time.Time) error {
	return r.setFields(ctx, convID, userID, bson.M{"is_active": false, "left_at": leftAt})
}

func (r *mongoRepo) TransferOwnership(ctx context.Context, convID, fromUserID, toUserID string) error {
	// 升在前、降在后：中间态最多双 owner，绝不出现零 owner。
	// 降级失败则回滚升级，保持唯一性。
	if err := r.setFields(ctx, convID, toUserID, bson.M{"role": model.RoleOwner}); err != nil {
		return err
	}
	if err := r.setFields(ctx, convID, fromUserID, bson.M{"role": model.RoleAdmin}); err != nil {
		_ = r.setFields(ctx, convID, toUserID, bson.M{"role": model.RoleAdmin})
		return errs.WrapMsg(err, "demote old owner", "conv", convID, "user", fromUserID)
	}
	return nil
}

func (r *mongoRepo) SetUnreadSnapshot(ctx context.Context, convID, userID string, n int64) error {
	return r.setFields(ctx, convID, userID, bson.M{"unread_count": n})
}
