package service

import (
	"context"

	"github.com/EY-Engage/realtime-core/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
)

const collMessages = "messages"

// MongoSink 消息体落库。主存储归上游业务系统，
// 这里只为投递管道保留一份可查的副本。
type MongoSink struct {
	db *mongo.Database
}

func NewMongoSink(db *mongo.Database) *MongoSink {
	return &MongoSink{db: db}
}

var _ MessageSink = (*MongoSink)(nil)

func (s *MongoSink) SaveMessage(ctx context.Context, m *Message) error {
	doc := map[string]any{
		"_id":             m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"seq":             m.Seq,
		"created_at":      m.CreatedAt,
	}
	_, err := s.db.Collection(collMessages).InsertOne(ctx, doc)
	return errs.Wrap(err)
}
