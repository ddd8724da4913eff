package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ===== 节点配置 =====

const NodeTypeGateway = "rtGateway" // 网关节点（WS + 投递）
const NodeTypeWorker = "rtWorker"   // 消费节点（只跑 Kafka 消费）

// BackplaneKind 背板实现选择
const (
	BackplaneRedis  = "redis"
	BackplaneNats   = "nats"
	BackplaneMemory = "memory" // 单节点/测试
)

type RedisConf struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type MongoConf struct {
	Uri         string
	Database    string
	MaxPoolSize int
}

type BackplaneConf struct {
	Kind     string // redis | nats | memory
	Host     string
	Port     int
	Password string
}

type KafkaConf struct {
	Brokers      []string
	MessageTopic string // 按 conversation_id 分区，保证会话内有序
	GroupID      string
}

type AppConfig struct {
	NodeType string
	NodeID   string
	Port     int

	Redis     RedisConf
	Mongo     MongoConf
	Backplane BackplaneConf
	Kafka     KafkaConf

	JwtSecret []byte

	MaxConnsPerUser int           // <=0 不限制
	UnauthTTL       time.Duration // 未授权连接宽限期
	AuthTTL         time.Duration // 已授权连接 TTL（心跳续期）
	PresenceTTL     time.Duration // redis 在线 key TTL
}

var Global = defaults()

func defaults() AppConfig {
	return AppConfig{
		NodeType: NodeTypeGateway,
		NodeID:   "rt_gw-1",
		Port:     8080,
		Redis:    RedisConf{Addr: "127.0.0.1:6379", DB: 0, PoolSize: 64},
		Mongo:    MongoConf{Uri: "mongodb://localhost:27017", Database: "eyengage", MaxPoolSize: 20},
		Backplane: BackplaneConf{
			Kind: BackplaneRedis,
			Host: "127.0.0.1",
			Port: 6379,
		},
		Kafka: KafkaConf{
			Brokers:      []string{"localhost:9092"},
			MessageTopic: "rt_message_persisted",
			GroupID:      "rt-delivery-1",
		},
		JwtSecret:       []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="),
		MaxConnsPerUser: 8,
		UnauthTTL:       60 * time.Second,
		AuthTTL:         2 * time.Hour,
		PresenceTTL:     90 * time.Second,
	}
}

// LoadEnv 用环境变量覆盖默认值；main() 启动最先调用
func LoadEnv() {
	c := &Global
	setStr(&c.NodeID, "RTC_NODE_ID")
	setInt(&c.Port, "RTC_PORT")

	setStr(&c.Redis.Addr, "RTC_REDIS_ADDR")
	setStr(&c.Redis.Password, "RTC_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "RTC_REDIS_DB")

	setStr(&c.Mongo.Uri, "RTC_MONGO_URI")
	setStr(&c.Mongo.Database, "RTC_MONGO_DB")

	setStr(&c.Backplane.Kind, "RTC_BACKPLANE_KIND")
	setStr(&c.Backplane.Host, "RTC_BACKPLANE_HOST")
	setInt(&c.Backplane.Port, "RTC_BACKPLANE_PORT")
	setStr(&c.Backplane.Password, "RTC_BACKPLANE_PASSWORD")

	if v := os.Getenv("RTC_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	setStr(&c.Kafka.MessageTopic, "RTC_KAFKA_MESSAGE_TOPIC")
	setStr(&c.Kafka.GroupID, "RTC_KAFKA_GROUP_ID")

	if v := os.Getenv("RTC_JWT_SECRET"); v != "" {
		c.JwtSecret = []byte(v)
	}
	setInt(&c.MaxConnsPerUser, "RTC_MAX_CONNS_PER_USER")
}

// BackplaneAddr host:port 形式
func (c *AppConfig) BackplaneAddr() string {
	return fmt.Sprintf("%s:%d", c.Backplane.Host, c.Backplane.Port)
}

func GetJwtSecret() []byte { return Global.JwtSecret }

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
