package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Conf 投递管道配置（不读 YAML，启动时由 config 装配）
type Conf struct {
	Brokers               []string
	MessageTopic          string // 会话消息 topic，Key=conversation_id 哈希分区
	GroupID               string
	ProducerRetries       int
	ProducerCompression   string // none/snappy/lz4/zstd
	ConsumerInitialOffset string // newest/oldest
	KafkaVersion          sarama.KafkaVersion
}

func (c *Conf) norm() {
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 5
	}
	if c.MessageTopic == "" {
		c.MessageTopic = "rt.messages"
	}
	if c.GroupID == "" {
		c.GroupID = "rt-dispatcher"
	}
	var zero sarama.KafkaVersion
	if c.KafkaVersion == zero {
		c.KafkaVersion = sarama.V2_1_0_0
	}
}

func buildBaseConfig(c *Conf) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // ★ 关键：Key 控制分区
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(c.ConsumerInitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// NewClient 共享的 sarama client，生产者消费者都从它派生
func NewClient(c Conf) (sarama.Client, error) {
	c.norm()
	return sarama.NewClient(c.Brokers, buildBaseConfig(&c))
}
