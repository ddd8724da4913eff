package store

import (
	"context"
	"sync"
	"time"

	"github.com/EY-Engage/realtime-core/module/chat/model"
	"github.com/EY-Engage/realtime-core/tools/errs"
)

// memRepo 内存实现，契约与 Mongo 版一致；单测用。
type memRepo struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation
	parts map[string]map[string]*model.Participant // conv -> user -> participant
}

func NewMemRepo() Repo {
	return &memRepo{
		convs: make(map[string]*model.Conversation),
		parts: make(map[string]map[string]*model.Participant),
	}
}

func (r *memRepo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, errs.ErrConversationNotFound.WrapMsg("", "conv", id)
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) CreateConversation(ctx context.Context, conv *model.Conversation, owner *model.Participant) error {
	if owner.Role != model.RoleOwner {
		return errs.New("creator participant must be owner")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cc := *conv
	r.convs[conv.ID] = &cc
	oc := *owner
	r.parts[conv.ID] = map[string]*model.Participant{owner.UserID: &oc}
	return nil
}

func (r *memRepo) SetConversationStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return errs.ErrConversationNotFound.WrapMsg("", "conv", id)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) DeleteConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.parts, id) // 级联
	return nil
}

func (r *memRepo) get(convID, userID string) (*model.Participant, error) {
	m := r.parts[convID]
	if m == nil {
		return nil, errs.ErrParticipantNotFound.WrapMsg("", "conv", convID, "user", userID)
	}
	p, ok := m[userID]
	if !ok {
		return nil, errs.ErrParticipantNotFound.WrapMsg("", "conv", convID, "user", userID)
	}
	return p, nil
}

func (r *memRepo) GetParticipant(ctx context.Context, convID, userID string) (*model.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.get(convID, userID)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) ActiveParticipants(ctx context.Context, convID string) ([]*model.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Participant
	for _, p := range r.parts[convID] {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) AddParticipant(ctx context.Context, p *model.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.parts[p.ConversationID]
	if m == nil {
		m = make(map[string]*model.Participant)
		r.parts[p.ConversationID] = m
	}
	if _, exists := m[p.UserID]; exists {
		return errs.New("participant exists", "conv", p.ConversationID, "user", p.UserID)
	}
	cp := *p
	m[p.UserID] = &cp
	return nil
}

func (r *memRepo) SetMute(ctx context.Context, convID, userID string, muted bool, until *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(convID, userID)
	if err != nil {
		return err
	}
	p.IsMuted = muted
	p.MutedUntil = until
	return nil
}

func (r *memRepo) SetRole(ctx context.Context, convID, userID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(convID, userID)
	if err != nil {
		return err
	}
	p.Role = role
	return nil
}

func (r *memRepo) SetPermission(ctx context.Context, convID, userID, perm string, granted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(convID, userID)
	if err != nil {
		return err
	}
	switch perm {
	case "can_send_messages":
		p.CanSendMessages = granted
	case "can_add_participants":
		p.CanAddParticipants = granted
	case "can_delete_messages":
		p.CanDeleteMessages = granted
	default:
		return errs.New("unknown permission flag", "perm", perm)
	}
	return nil
}

func (r *memRepo) Deactivate(ctx context.Context, convID, userID string, leftAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(convID, userID)
	if err != nil {
		return err
	}
	p.IsActive = false
	la := leftAt
	p.LeftAt = &la
	return nil
}

func (r *memRepo) TransferOwnership(ctx context.Context, convID, fromUserID, toUserID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from, err := r.get(convID, fromUserID)
	if err != nil {
		return err
	}
	to, err := r.get(convID, toUserID)
	if err != nil {
		return err
	}
	to.Role = model.RoleOwner
	from.Role = model.RoleAdmin
	return nil
}

func (r *memRepo) SetUnreadSnapshot(ctx context.Context, convID, userID string, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(convID, userID)
	if err != nil {
		return err
	}
	p.UnreadCount = n
	return nil
}
