package kafka

import (
	"context"
	"encoding/json"

	"github.com/EY-Engage/realtime-core/logger"
	chatsvc "github.com/EY-Engage/realtime-core/module/chat/service"
	"github.com/EY-Engage/realtime-core/tools/errs"
	"github.com/EY-Engage/realtime-core/tools/safe"

	"github.com/Shopify/sarama"
)

// Consumer 消费消息事件并驱动未读计数 + 背板扇出。
// 同分区内串行消费，配合 seq 幂等护栏，重放不会重复计数。
type Consumer struct {
	group sarama.ConsumerGroup
	topic string
	svc   *chatsvc.MessageService
}

func NewConsumer(client sarama.Client, groupID, topic string, svc *chatsvc.MessageService) (*Consumer, error) {
	g, err := sarama.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if topic == "" {
		topic = "rt.messages"
	}
	return &Consumer{group: g, topic: topic, svc: svc}, nil
}

// Start 启动消费循环；ctx 取消即退出
func (c *Consumer) Start(ctx context.Context) {
	safe.SafeGo("kafka-consumer-errors", func() {
		for err := range c.group.Errors() {
			logger.Errorf("[kafka] consumer group error: %v", err)
		}
	})
	safe.SafeGo("kafka-consumer", func() {
		h := &groupHandler{svc: c.svc}
		for {
			// Consume 在 rebalance 后返回，需要循环重入
			if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
				logger.Errorf("[kafka] consume failed: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	})
}

func (c *Consumer) Close() error { return c.group.Close() }

type groupHandler struct {
	svc *chatsvc.MessageService
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] consumer group setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var ev chatsvc.MessageEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// 坏消息直接跳过，不卡住分区
			logger.Warnf("[kafka] bad message topic=%s offset=%d: %v", msg.Topic, msg.Offset, err)
			session.MarkMessage(msg, "")
			continue
		}
		if err := h.svc.HandleMessagePersisted(session.Context(), &ev); err != nil {
			logger.Errorf("[kafka] deliver failed conv=%s seq=%d: %v", ev.ConversationID, ev.Seq, err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
