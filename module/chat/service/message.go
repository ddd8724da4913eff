package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/EY-Engage/realtime-core/logger"
	"github.com/EY-Engage/realtime-core/service/backplane"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/ids"
)

// Message 消息体。落库是外部能力（MessageSink），本服务只管投递与未读。
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageSink 消息体持久化能力（外部系统提供）
type MessageSink interface {
	SaveMessage(ctx context.Context, m *Message) error
}

// MessageEvent 消息持久化完成后进入投递管道的事件。
// Kafka 按 conversation_id 分区，保证会话内单写者有序。
type MessageEvent struct {
	EventID        string `json:"event_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	SenderPicture  string `json:"sender_picture,omitempty"`
	Body           string `json:"body"`
	Ts             int64  `json:"ts"`
}

// MessageProducer 投递管道入口（生产实现是 Kafka，service/dispatcher/kafka）
type MessageProducer interface {
	ProduceMessage(ctx context.Context, ev *MessageEvent) error
}

// DeliverRecipient 扇出事件里每个接收者的未读快照
type DeliverRecipient struct {
	UserID string `json:"user_id"`
	Unread int64  `json:"unread"`
}

// ChatDeliverPayload 背板 chat 频道上的扇出负载
type ChatDeliverPayload struct {
	Message    MessageEvent       `json:"message"`
	Recipients []DeliverRecipient `json:"recipients"`
}

// TypingPayload 输入中状态（瞬态，不落库不计未读）
type TypingPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	IsTyping       bool     `json:"is_typing"`
	Recipients     []string `json:"recipients"`
}

// ===== 发送/投递服务 =====

type MessageService struct {
	engine   *PermissionEngine
	unread   UnreadCounter
	sink     MessageSink
	producer MessageProducer
	bp       backplane.Adapter
	nodeID   string
}

func NewMessageService(engine *PermissionEngine, unread UnreadCounter, sink MessageSink,
	producer MessageProducer, bp backplane.Adapter, nodeID string) *MessageService {
	return &MessageService{
		engine:   engine,
		unread:   unread,
		sink:     sink,
		producer: producer,
		bp:       bp,
		nodeID:   nodeID,
	}
}

// Send 发送路径：权限 -> 分配 seq -> 落库 -> 进投递管道。
// 未读/扇出严格发生在持久化之后（消费端处理），
// 客户端绝不会先看到通知后查不到消息。
func (s *MessageService) Send(ctx context.Context, convID, senderID, body string) (*Message, error) {
	if err := s.engine.CanSend(ctx, convID, senderID); err != nil {
		return nil, err
	}

	// seq 先于落库分配：消息行带着自己的 seq 持久化，
	// "某条消息之后的未读" 可以直接按 seq 查。落库失败留下的序号空洞无害。
	seq, err := s.unread.NextSeq(ctx, convID)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:             ids.GenerateString(),
		ConversationID: convID,
		SenderID:       senderID,
		Body:           body,
		Seq:            seq,
		CreatedAt:      time.Now(),
	}
	if err := s.sink.SaveMessage(ctx, m); err != nil {
		return nil, errs.WrapMsg(err, "persist message", "conv", convID)
	}

	ev := &MessageEvent{
		EventID:        ids.GenerateString(),
		ConversationID: convID,
		MessageID:      m.ID,
		Seq:            seq,
		SenderID:       senderID,
		Body:           body,
		Ts:             m.CreatedAt.UnixMilli(),
	}
	if err := s.producer.ProduceMessage(ctx, ev); err != nil {
		return nil, errs.WrapMsg(err, "produce message event", "conv", convID)
	}
	return m, nil
}

// HandleMessagePersisted 投递管道消费端回调：给除发送者外的活跃成员记未读，
// 然后广播到背板 chat 频道。未读按 seq 去重，重放和乱序到达都安全。
func (s *MessageService) HandleMessagePersisted(ctx context.Context, ev *MessageEvent) error {
	parts, err := s.engine.repo.ActiveParticipants(ctx, ev.ConversationID)
	if err != nil {
		return err
	}

	recipients := make([]DeliverRecipient, 0, len(parts))
	for _, p := range parts {
		if p.UserID == ev.SenderID {
			if err := s.unread.MarkSenderRead(ctx, ev.ConversationID, p.UserID, ev.Seq); err != nil {
				logger.Warnf("[chat] sender mark read failed conv=%s user=%s: %v", ev.ConversationID, p.UserID, err)
			}
			// 发送者也收到扇出（多端同步），未读不变
			n, _ := s.unread.CountFor(ctx, ev.ConversationID, p.UserID)
			recipients = append(recipients, DeliverRecipient{UserID: p.UserID, Unread: n})
			continue
		}
		n, err := s.unread.Increment(ctx, ev.ConversationID, p.UserID, ev.Seq)
		if err != nil {
			logger.Warnf("[chat] unread incr failed conv=%s user=%s: %v", ev.ConversationID, p.UserID, err)
		}
		recipients = append(recipients, DeliverRecipient{UserID: p.UserID, Unread: n})
	}

	payload, err := json.Marshal(&ChatDeliverPayload{Message: *ev, Recipients: recipients})
	if err != nil {
		return errs.Wrap(err)
	}
	bev := &backplane.Event{
		EventID:   ev.EventID,
		Namespace: "chat",
		Name:      "message.new",
		Origin:    s.nodeID,
		Ts:        time.Now().UnixMilli(),
		Payload:   payload,
	}
	if err := s.bp.Publish(ctx, backplane.ChannelChat, bev); err != nil {
		// 降级模式：本地已投递，跨实例等重连
		logger.Warnf("[chat] backplane publish degraded conv=%s: %v", ev.ConversationID, err)
	}
	return nil
}

// MarkRead 显式"标记会话已读"；返回已读到的 seq，并把冷启动快照归零
func (s *MessageService) MarkRead(ctx context.Context, convID, userID string) (int64, error) {
	if _, err := s.engine.repo.GetParticipant(ctx, convID, userID); err != nil {
		return 0, err
	}
	seq, err := s.unread.Reset(ctx, convID, userID)
	if err != nil {
		return 0, err
	}
	if err := s.engine.repo.SetUnreadSnapshot(ctx, convID, userID, 0); err != nil {
		logger.Warnf("[chat] unread snapshot failed conv=%s user=%s: %v", convID, userID, err)
	}
	return seq, nil
}

// Typing 输入中指示：只广播给其他活跃成员，永不持久化
func (s *MessageService) Typing(ctx context.Context, convID, userID string, isTyping bool) error {
	p, err := s.engine.repo.GetParticipant(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return errs.ErrPermissionDenied.WrapMsg("participant inactive", "conv", convID, "user", userID)
	}
	parts, err := s.engine.repo.ActiveParticipants(ctx, convID)
	if err != nil {
		return err
	}
	var recipients []string
	for _, other := range parts {
		if other.UserID != userID {
			recipients = append(recipients, other.UserID)
		}
	}
	payload, err := json.Marshal(&TypingPayload{
		ConversationID: convID,
		UserID:         userID,
		IsTyping:       isTyping,
		Recipients:     recipients,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	return s.bp.Publish(ctx, backplane.ChannelChat, &backplane.Event{
		EventID:   ids.GenerateString(),
		Namespace: "chat",
		Name:      "typing",
		Origin:    s.nodeID,
		Ts:        time.Now().UnixMilli(),
		Payload:   payload,
	})
}

// UnreadFor 查询未读（REST 读模型用）
func (s *MessageService) UnreadFor(ctx context.Context, convID, userID string) (int64, error) {
	return s.unread.CountFor(ctx, convID, userID)
}

// ===== 管道的进程内实现（单节点/测试：跳过 Kafka 直接投递） =====

type DirectProducer struct {
	Svc *MessageService
}

func (d *DirectProducer) ProduceMessage(ctx context.Context, ev *MessageEvent) error {
	return d.Svc.HandleMessagePersisted(ctx, ev)
}

// ===== sink 的内存实现（测试/体外持久化未接入时） =====

type MemSink struct {
	mu   sync.Mutex
	msgs map[string][]*Message // conv -> messages
}

func NewMemSink() *MemSink {
	return &MemSink{msgs: make(map[string][]*Message)}
}

func (s *MemSink) SaveMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], &cp)
	return nil
}

func (s *MemSink) Count(conv string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs[conv])
}

func (s *MemSink) Last(conv string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[conv]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}
