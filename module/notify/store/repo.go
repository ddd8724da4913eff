package store

import (
	"context"
	"time"

	"github.com/EY-Engage/realtime-core/module/notify/model"
	"github.com/EY-Engage/realtime-core/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repo 通知持久层：通知本体 + 按受众展开的收件记录。
// 收件记录承载离线补投与逐人已读状态。
type Repo interface {
	Insert(ctx context.Context, n *model.Notification, recipients []*model.Recipient) error
	Get(ctx context.Context, id string) (*model.Notification, error)
	// MarkRead 幂等：重复标已读不报错
	MarkRead(ctx context.Context, notificationID, userID string, at time.Time) error
	// UnreadFor 未读且未过期未删除的通知，新的在前
	UnreadFor(ctx context.Context, userID string, now time.Time, limit int64) ([]*model.Notification, error)
	Delete(ctx context.Context, id string) error
	// SweepExpired 过期通知落软删，返回清理条数
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

const (
	collNotifications = "notifications"
	collRecipients    = "notification_recipients"
)

type mongoRepo struct {
	db *mongo.Database
}

func NewMongoRepo(db *mongo.Database) Repo {
	return &mongoRepo{db: db}
}

func (r *mongoRepo) notifications() *mongo.Collection { return r.db.Collection(collNotifications) }
func (r *mongoRepo) recipients() *mongo.Collection    { return r.db.Collection(collRecipients) }

// EnsureIndexes 收件记录 (notification_id, user_id) 唯一，按用户查未读走 (user_id, is_read)
func (r *mongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.recipients().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "notification_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "is_read", Value: 1}},
		},
	})
	if err != nil {
		return errs.Wrap(err)
	}
	_, err = r.notifications().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	return errs.Wrap(err)
}

func (r *mongoRepo) Insert(ctx context.Context, n *model.Notification, recipients []*model.Recipient) error {
	if _, err := r.notifications().InsertOne(ctx, n); err != nil {
		return errs.Wrap(err)
	}
	if len(recipients) == 0 {
		return nil
	}
	docs := make([]any, 0, len(recipients))
	for _, rc := range recipients {
		docs = append(docs, rc)
	}
	_, err := r.recipients().InsertMany(ctx, docs)
	return errs.Wrap(err)
}

func (r *mongoRepo) Get(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := r.notifications().FindOne(ctx, bson.M{"_id": id, "is_deleted": false}).Decode(&n)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotificationNotFound.WithDetail(id)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &n, nil
}

func (r *mongoRepo) MarkRead(ctx context.Context, notificationID, userID string, at time.Time) error {
	res, err := r.recipients().UpdateOne(ctx,
		bson.M{"notification_id": notificationID, "user_id": userID},
		bson.M{"$set": bson.M{"is_read": true, "read_at": at}})
	if err != nil {
		return errs.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotificationNotFound.WithDetail(notificationID)
	}
	return nil
}

func (r *mongoRepo) UnreadFor(ctx context.Context, userID string, now time.Time, limit int64) ([]*model.Notification, error) {
	cur, err := r.recipients().Find(ctx,
		bson.M{"user_id": userID, "is_read": false},
		options.Find().SetSort(bson.M{"_id": -1}).SetLimit(limit))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var rc model.Recipient
		if err := cur.Decode(&rc); err != nil {
			return nil, errs.Wrap(err)
		}
		ids = append(ids, rc.NotificationID)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"_id":        bson.M{"$in": ids},
		"is_deleted": false,
		"$or": []bson.M{
			{"expires_at": nil},
			{"expires_at": bson.M{"$gt": now}},
		},
	}
	nc, err := r.notifications().Find(ctx, filter, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer nc.Close(ctx)

	var out []*model.Notification
	for nc.Next(ctx) {
		var n model.Notification
		if err := nc.Decode(&n); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &n)
	}
	return out, errs.Wrap(nc.Err())
}

func (r *mongoRepo) Delete(ctx context.Context, id string) error {
	res, err := r.notifications().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_deleted": true}})
	if err != nil {
		return errs.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotificationNotFound.WithDetail(id)
	}
	return nil
}

func (r *mongoRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.notifications().UpdateMany(ctx,
		bson.M{"is_deleted": false, "expires_at": bson.M{"$ne": nil, "$lte": now}},
		bson.M{"$set": bson.M{"is_deleted": true}})
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return res.ModifiedCount, nil
}
