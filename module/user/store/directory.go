package store

import (
	"context"
	"sync"

	"github.com/EY-Engage/realtime-core/module/user/model"
	"github.com/EY-Engage/realtime-core/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Directory 用户快照目录：身份服务同步过来的只读缓存，
// 受众解析（部门/角色过滤）在这里查。
type Directory interface {
	Get(ctx context.Context, id string) (*model.UserRef, error)
	// FindAudience 活跃用户 ∩ 部门过滤 ∩（任一角色命中）
	FindAudience(ctx context.Context, department string, roles []string) ([]*model.UserRef, error)
	Upsert(ctx context.Context, u *model.UserRef) error
}

// ===== Mongo 实现 =====

const collUsers = "user_refs"

type mongoDirectory struct {
	db *mongo.Database
}

func NewMongoDirectory(db *mongo.Database) Directory {
	return &mongoDirectory{db: db}
}

func (d *mongoDirectory) users() *mongo.Collection { return d.db.Collection(collUsers) }

func (d *mongoDirectory) Get(ctx context.Context, id string) (*model.UserRef, error) {
	var u model.UserRef
	err := d.users().FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, errs.New("user not found", "user", id)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &u, nil
}

func (d *mongoDirectory) FindAudience(ctx context.Context, department string, roles []string) ([]*model.UserRef, error) {
	filter := bson.M{"is_active": true}
	if department != "" {
		filter["department"] = department
	}
	if len(roles) > 0 {
		filter["roles"] = bson.M{"$in": roles}
	}
	cur, err := d.users().Find(ctx, filter)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer cur.Close(ctx)

	var out []*model.UserRef
	for cur.Next(ctx) {
		var u model.UserRef
		if err := cur.Decode(&u); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, &u)
	}
	return out, errs.Wrap(cur.Err())
}

func (d *mongoDirectory) Upsert(ctx context.Context, u *model.UserRef) error {
	_, err := d.users().ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	return errs.Wrap(err)
}

// ===== 内存实现（单测） =====

type memDirectory struct {
	mu sync.RWMutex
	m  map[string]*model.UserRef
}

func NewMemDirectory() Directory {
	return &memDirectory{m: make(map[string]*model.UserRef)}
}

func (d *memDirectory) Get(ctx context.Context, id string) (*model.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.m[id]
	if !ok {
		return nil, errs.New("user not found", "user", id)
	}
	cp := *u
	return &cp, nil
}

func (d *memDirectory) FindAudience(ctx context.Context, department string, roles []string) ([]*model.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*model.UserRef
	for _, u := range d.m {
		if !u.IsActive {
			continue
		}
		if department != "" && u.Department != department {
			continue
		}
		if len(roles) > 0 && !u.HasRole(roles...) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (d *memDirectory) Upsert(ctx context.Context, u *model.UserRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.m[u.ID] = &cp
	return nil
}
