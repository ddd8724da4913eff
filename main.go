package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EY-Engage/realtime-core/data/database/mgo/mongoutil"
	"github.com/EY-Engage/realtime-core/global/config"
	"github.com/EY-Engage/realtime-core/logger"
	chatsvc "github.com/EY-Engage/realtime-core/module/chat/service"
	chatstore "github.com/EY-Engage/realtime-core/module/chat/store"
	notifysvc "github.com/EY-Engage/realtime-core/module/notify/service"
	notifystore "github.com/EY-Engage/realtime-core/module/notify/store"
	userstore "github.com/EY-Engage/realtime-core/module/user/store"
	"github.com/EY-Engage/realtime-core/service/backplane"
	dispatch "github.com/EY-Engage/realtime-core/service/dispatcher/kafka"
	"github.com/EY-Engage/realtime-core/service/gateway"
	"github.com/EY-Engage/realtime-core/service/storage"
	storageredis "github.com/EY-Engage/realtime-core/service/storage/redis"
	"github.com/EY-Engage/realtime-core/tools/ids"
	"github.com/EY-Engage/realtime-core/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	config.LoadEnv()
	c := &config.Global

	// snowflake 节点号从 NodeID 哈希，同名节点稳定
	ids.SetNodeID(hashNodeID(c.NodeID))

	// ---- 存储 ----
	if err := storageredis.InitRedis(storageredis.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	}); err != nil {
		logger.Errorf("redis init failed: %v", err)
		os.Exit(1)
	}
	rdb := storageredis.GetRedis()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	mcli, err := mongoutil.NewMongoDB(bootCtx, &mongoutil.Config{
		Uri:         c.Mongo.Uri,
		Database:    c.Mongo.Database,
		MaxPoolSize: c.Mongo.MaxPoolSize,
	})
	bootCancel()
	if err != nil {
		logger.Errorf("mongo init failed: %v", err)
		os.Exit(1)
	}
	db := mcli.GetDB()

	// ---- 背板 ----
	bp, err := buildBackplane(c)
	if err != nil {
		logger.Errorf("backplane init failed: %v", err)
		os.Exit(1)
	}

	// ---- 领域服务 ----
	presence := storage.NewPresenceStore(rdb, storage.PresenceConfig{NodeID: c.NodeID, TTL: c.PresenceTTL})
	unread := storage.NewUnreadStore(rdb)

	// 上次进程没走完关机流程时残留的本节点成员，启动先摘干净
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if n, err := presence.SweepNode(sweepCtx); err != nil {
		logger.Warnf("presence sweep failed: %v", err)
	} else if n > 0 {
		logger.Infof("presence sweep: removed %d stale members", n)
	}
	sweepCancel()

	chatRepo := chatstore.NewMongoRepo(db)
	if err := chatstore.EnsureIndexes(context.Background(), db); err != nil {
		logger.Warnf("chat index ensure failed: %v", err)
	}
	engine := chatsvc.NewPermissionEngine(chatRepo)
	sink := chatsvc.NewMongoSink(db)

	// Kafka 管道：producer 进，consumer 出
	kclient, err := dispatch.NewClient(dispatch.Conf{
		Brokers:      c.Kafka.Brokers,
		MessageTopic: c.Kafka.MessageTopic,
		GroupID:      c.Kafka.GroupID,
	})
	if err != nil {
		logger.Errorf("kafka init failed: %v", err)
		os.Exit(1)
	}
	producer, err := dispatch.NewProducer(kclient, c.Kafka.MessageTopic)
	if err != nil {
		logger.Errorf("kafka producer init failed: %v", err)
		os.Exit(1)
	}

	msgSvc := chatsvc.NewMessageService(engine, unread, sink, producer, bp, c.NodeID)
	convSvc := chatsvc.NewConversationService(chatRepo, engine, presence)

	notifyRepo := notifystore.NewMongoRepo(db)
	users := userstore.NewMongoDirectory(db)
	notifySvc := notifysvc.NewService(notifyRepo, users, bp, c.NodeID)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	notifySvc.StartSweeper(rootCtx, 10*time.Minute)

	consumer, err := dispatch.NewConsumer(kclient, c.Kafka.GroupID, c.Kafka.MessageTopic, msgSvc)
	if err != nil {
		logger.Errorf("kafka consumer init failed: %v", err)
		os.Exit(1)
	}
	consumer.Start(rootCtx)

	// ---- 网关 ----
	deps := &routeDeps{
		msg:      msgSvc,
		conv:     convSvc,
		engine:   engine,
		notify:   notifySvc,
		presence: presence,
		chatRepo: chatRepo,
		bp:       bp,
		nodeID:   c.NodeID,
	}
	rt := buildRouter(deps)

	reg := gateway.NewRegistry(c.NodeID, gateway.RegistryConf{
		UnauthTTL:  c.UnauthTTL,
		AuthTTL:    c.AuthTTL,
		MaxPerUser: c.MaxConnsPerUser,
	})
	fan := gateway.NewFanout(8, 4096)
	idem := backplane.NewMemIdem(5 * time.Minute)
	srv := gateway.NewServer(c.NodeID, reg, fan, presence, rt, bp, idem,
		security.DefaultOptions(config.GetJwtSecret()))
	if err := srv.SubscribeAll(); err != nil {
		logger.Errorf("backplane subscribe failed: %v", err)
		os.Exit(1)
	}

	// ---- HTTP + WS ----
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"degraded": bp.Degraded()})
	})
	registerREST(r, deps)

	go func() {
		addr := fmt.Sprintf(":%d", c.Port)
		logger.Infof("[http] listening on %s node=%s", addr, c.NodeID)
		if err := r.Run(addr); err != nil {
			logger.Errorf("http server failed: %v", err)
			os.Exit(1)
		}
	}()

	// ---- 优雅退出 ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	rootCancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	_ = consumer.Close()
	_ = producer.Close()
	_ = bp.Close()
	mcli.Close(shutCtx)
	storageredis.CloseRedis()
}

func buildBackplane(c *config.AppConfig) (backplane.Adapter, error) {
	switch c.Backplane.Kind {
	case config.BackplaneNats:
		return backplane.NewNatsBackplane(backplane.NatsConfig{
			Servers: []string{"nats://" + c.BackplaneAddr()},
			Name:    c.NodeID,
			NodeID:  c.NodeID,
		})
	case config.BackplaneMemory:
		return backplane.NewMemoryBackplane(c.NodeID), nil
	default:
		return backplane.NewRedisBackplane(backplane.RedisConfig{
			Addr:     c.BackplaneAddr(),
			Password: c.Backplane.Password,
			NodeID:   c.NodeID,
		}), nil
	}
}

func hashNodeID(id string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum32() % 1024)
}
