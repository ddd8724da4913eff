package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EY-Engage/realtime-core/module/notify/model"
	"github.com/EY-Engage/realtime-core/tools/errs"
)

type memRepo struct {
	mu    sync.Mutex
	notes map[string]*model.Notification
	recvs map[string]map[string]*model.Recipient // notificationID -> userID -> record
}

func NewMemRepo() Repo {
	return &memRepo{
		notes: make(map[string]*model.Notification),
		recvs: make(map[string]map[string]*model.Recipient),
	}
}

func (r *memRepo) Insert(ctx context.Context, n *model.Notification, recipients []*model.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.notes[n.ID] = &cp
	m := make(map[string]*model.Recipient, len(recipients))
	for _, rc := range recipients {
		c := *rc
		m[rc.UserID] = &c
	}
	r.recvs[n.ID] = m
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok || n.IsDeleted {
		return nil, errs.ErrNotificationNotFound.WithDetail(id)
	}
	cp := *n
	return &cp, nil
}

func (r *memRepo) MarkRead(ctx context.Context, notificationID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.recvs[notificationID][userID]
	if !ok {
		return errs.ErrNotificationNotFound.WithDetail(notificationID)
	}
	rc.IsRead = true
	rc.ReadAt = &at
	return nil
}

func (r *memRepo) UnreadFor(ctx context.Context, userID string, now time.Time, limit int64) ([]*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Notification
	for nid, byUser := range r.recvs {
		rc, ok := byUser[userID]
		if !ok || rc.IsRead {
			continue
		}
		n, ok := r.notes[nid]
		if !ok || n.IsDeleted || n.Expired(now) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return errs.ErrNotificationNotFound.WithDetail(id)
	}
	n.IsDeleted = true
	return nil
}

func (r *memRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cnt int64
	for _, n := range r.notes {
		if !n.IsDeleted && n.Expired(now) {
			n.IsDeleted = true
			cnt++
		}
	}
	return cnt, nil
}
