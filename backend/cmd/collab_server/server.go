package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/logx"
	"collabSync/backend/internal/revision"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type revisionStore interface {
	revision.DiskStore
	collab.ObjectSource
}

// deps 启动时打开的外部资源，退出时按 closers 逆序释放
type deps struct {
	revisions revisionStore
	docs      handlers.DocumentDirectory
	users     middleware.UserLookup
	snapshots collab.SnapshotSaver
	presence  cache.PresenceCache
	events    collab.EventPublisher
	closers   []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDeps(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	var db *sql.DB
	switch cfg.Store.Driver {
	case "memory":
		d.revisions = store.NewMemoryRevisionStore()
	case "bolt":
		s, err := store.OpenBolt(cfg.Store.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		d.closers = append(d.closers, func() { _ = s.Close() })
		d.revisions = s
	case "mysql":
		gdb, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if db, err = gdb.DB(); err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = db.Close() })
		d.revisions = store.NewGormRevisionStore(gdb)
	case "postgres":
		pool, err := store.OpenPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		d.revisions = store.NewPgRevisionStore(pool)
	}

	// 文档目录和快照表在 MySQL 上；修订存在别处时也可以单独配置 mysql.dsn
	if db == nil && cfg.Mysql.DSN != "" {
		if db, err = sql.Open("mysql", cfg.Mysql.DSN); err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		d.closers = append(d.closers, func() { _ = db.Close() })
	}
	if db != nil {
		docs := store.NewDocumentStore(db)
		snaps := store.NewSnapshotStore(db)
		if err := docs.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate documents: %w", err)
		}
		if err := snaps.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate snapshots: %w", err)
		}
		d.docs, d.snapshots, d.users = docs, snaps, store.NewUserStore(db)
	} else {
		d.docs = store.NewMemoryDocumentStore()
	}

	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })
		d.presence = cache.NewRedisPresence(rdb)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(0),
			collab.KafkaDispatcherOptions{
				QueueSize: cfg.Kafka.QueueSize,
				Workers:   cfg.Kafka.Workers,
				MaxRetry:  cfg.Kafka.MaxRetry,
			}, logx.Component(log, "kafka"))
		d.closers = append(d.closers, func() { _ = producer.Close() }, dispatcher.Close)
		d.events = dispatcher
	}
	return d, nil
}

// requestLogger 用 zerolog 替换 gin.Logger
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func newRouter(cfg *config.Config, d *deps, objects *collab.Manager, hub *ws.Hub, wsOpts ws.Options, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logx.Component(log, "http")))
	if cfg.HTTP.Cors {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "objects": objects.Open()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/collab")
	if cfg.Auth.Path != "" {
		// 从 Authorization 或 ?token= 取 token，调用 /v1/auth/verify，写入 userId/username
		g.Use(middleware.AuthMiddleware(cfg.Auth.Path, logx.Component(log, "auth")))
	} else {
		log.Warn().Msg("auth.path not set, identity is taken from query parameters")
		g.Use(middleware.QueryIdentity(d.users, logx.Component(log, "auth")))
	}
	wsServer := ws.NewServer(hub, objects, cfg.HTTP.AllowedOrigins, wsOpts, logx.Component(log, "ws"))
	g.GET("/ws", wsServer.WebSocketConnect)
	handlers.NewObjectHandler(objects, hub, logx.Component(log, "http")).Register(g)
	handlers.NewDocumentHandler(d.docs).Register(g)
	return r
}

func run(parent context.Context, cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	objects := collab.NewManager(d.revisions, d.revisions, d.events, d.snapshots, collab.ManagerOptions{
		Server: collab.ServerOptions{
			MailboxSize:    cfg.Sync.MailboxSize,
			MailboxTimeout: cfg.Sync.MailboxTimeout,
			SnapshotEvery:  cfg.Sync.SnapshotEvery,
			HistoryLimit:   cfg.Sync.HistoryLimit,
		},
		Cache: revision.CacheOptions{
			CheckpointInterval:  cfg.Sync.CheckpointInterval,
			CheckpointThreshold: cfg.Sync.CheckpointThreshold,
			HotWindow:           cfg.Sync.HotWindow,
		},
		MaxConcurrentOpens: cfg.Sync.MaxConcurrentOpens,
	}, logx.Component(log, "collab"))

	wsOpts := ws.Options{
		PingInterval: cfg.WS.PingInterval,
		PongWait:     cfg.WS.PongWait,
		SendQueue:    cfg.WS.SendQueue,
		PresenceTTL:  cfg.WS.PresenceTTL,
	}
	hub := ws.NewHub(d.presence, wsOpts, logx.Component(log, "hub"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           newRouter(cfg, d, objects, hub, wsOpts, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 先断开 websocket，连接退出时会 Release 对象
		hub.CloseAll()
		err := srv.Shutdown(sctx)
		// 剩下的 actor 做最后一次 checkpoint
		if cerr := objects.CloseAll(sctx); cerr != nil {
			log.Error().Err(cerr).Msg("close objects")
			err = errors.Join(err, cerr)
		}
		return err
	})
	return g.Wait()
}
