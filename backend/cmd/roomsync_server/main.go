package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"roomsync/backend/config"
	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/collab"
	"roomsync/backend/internal/httpapi/handlers"
	"roomsync/backend/internal/httpapi/middleware"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/store"
	"roomsync/backend/internal/transport"
	"roomsync/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

var (
	_ collab.SnapshotStore     = (*store.SnapshotStore)(nil)
	_ collab.SnapshotStore     = (*cache.SnapshotCache)(nil)
	_ collab.PresenceMirror    = (*cache.RedisPresence)(nil)
	_ ws.PresenceReader        = (*cache.RedisPresence)(nil)
	_ handlers.SnapshotHistory = (*store.SnapshotStore)(nil)
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting roomsync", "version", buildVersion, "commit", buildCommit, "transport", cfg.Room.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Redis：一个地址单机，多个地址集群 ===
	var rdb redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
	}

	var tr transport.Transport = transport.NewLocal()
	if cfg.Room.Transport == config.TransportRedis {
		tr = transport.NewRedis(rdb, transport.WithLogger(logger))
	}
	defer tr.Close()

	opts := collab.ManagerOptions{
		Node:      cfg.Running.Node,
		Transport: tr,
		MirrorOptions: collab.MirrorOptions{
			QueueSize: cfg.Room.MirrorQueue,
			Logger:    logger,
		},
		SessionOptions: []collab.SessionOption{collab.WithThreshold(cfg.Room.OnlineThreshold)},
		Logger:         logger,
	}

	// === MySQL 快照 ===
	var history handlers.SnapshotHistory
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN, store.MySQLOptions{
			MaxOpenConns:    cfg.Mysql.MaxOpenConns,
			MaxIdleConns:    cfg.Mysql.MaxIdleConns,
			ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
			AutoMigrate:     cfg.Mysql.AutoMigrate,
		})
		if err != nil {
			log.Fatalf("Failed to connect to mysql: %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		snapshots := store.NewSnapshotStore(db)
		history = snapshots
		opts.Snapshots = snapshots
		// 有 Redis 时最新快照走旁路缓存
		if rdb != nil {
			opts.Snapshots = cache.NewSnapshotCache(rdb, snapshots)
		}
	}

	// === Kafka 变更审计 ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.ClientID = "roomsync"
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.MaxInFlight),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
				Logger:      logger,
			},
		)
		// 在 producer.Close 之前执行，先把队列发完
		defer dispatcher.Close()
		opts.Audit = dispatcher
	}

	// === Redis 在场镜像 ===
	var alive *cache.RedisPresence
	if rdb != nil {
		alive = cache.NewRedisPresence(rdb,
			cache.WithMemberTTL(cfg.Room.OnlineThreshold),
			cache.WithCursorTTL(cfg.Room.OnlineThreshold),
		)
		opts.Mirror = alive
	}

	rooms := collab.NewManager(opts)

	wsOpts := ws.Options{
		Semaphore:      collab.NewSemaphoreControl(cfg.Room.MaxSubmits),
		SendQueueSize:  cfg.Room.SendQueue,
		AllowedOrigins: cfg.Running.AllowedOrigins,
		Logger:         logger,
	}
	var aliveMembers handlers.AliveMembers
	if alive != nil {
		wsOpts.Presence = alive
		aliveMembers = alive
	}
	hub := ws.NewHub()
	wsManager := ws.NewManager(hub, rooms, wsOpts)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/collab/healthz", handlers.Healthz)
	api := r.Group("/collab")
	// 从 Authorization 或 ?token= 取令牌
	api.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	api.GET("/ws", wsManager.WebSocketConnect)
	handlers.NewRooms(rooms, aliveMembers, history, logger).Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "node", rooms.Node())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()

		// 被劫持的 WebSocket 连接 Shutdown 管不到，先主动断开
		hub.CloseAll()
		err := srv.Shutdown(shutdownCtx)
		if cerr := rooms.Close(shutdownCtx); cerr != nil {
			logger.Error("close rooms failed", "err", cerr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "err", err)
		return
	}
	logger.Info("server stopped")
}
