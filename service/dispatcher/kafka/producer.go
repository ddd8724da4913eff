package kafka

import (
	"context"
	"encoding/json"

	chatsvc "github.com/EY-Engage/realtime-core/module/chat/service"
	"github.com/EY-Engage/realtime-core/tools/errs"

	"github.com/Shopify/sarama"
)

// Producer 消息事件进管道。
// Key 固定用 conversation_id：同一会话永远落同一分区，
// 会话内投递顺序由分区顺序保证。
type Producer struct {
	topic string
	sp    sarama.SyncProducer
}

func NewProducer(client sarama.Client, topic string) (*Producer, error) {
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if topic == "" {
		topic = "rt.messages"
	}
	return &Producer{topic: topic, sp: sp}, nil
}

var _ chatsvc.MessageProducer = (*Producer)(nil)

func (p *Producer) ProduceMessage(ctx context.Context, ev *chatsvc.MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.ConversationID),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := p.sp.SendMessage(msg); err != nil {
		return errs.WrapMsg(err, "kafka produce", "conv", ev.ConversationID)
	}
	return nil
}

func (p *Producer) Close() error { return p.sp.Close() }
