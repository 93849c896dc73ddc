package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"notesCollab/backend/config"
	"notesCollab/backend/internal/cache"
	"notesCollab/backend/internal/collab"
	"notesCollab/backend/internal/discovery"
	"notesCollab/backend/internal/httpapi/handlers"
	"notesCollab/backend/internal/store"
	"notesCollab/backend/internal/ws"
)

func newLogger(level, format string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to collabConfig.yaml")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("collab server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// === 可选：Redis（跨实例转发 + 在线状态） ===
	var (
		rdb      redis.UniversalClient
		presence cache.PresenceCache
		relay    *cache.Relay
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb, clock)
		relay = cache.NewRelay(rdb, uuid.NewString(), logger)
		logger.Info("redis enabled", "addrs", cfg.Redis.Addrs, "relayOrigin", relay.Origin())
	}

	// === 可选：Kafka 房间事件 ===
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      logger,
			},
		)
		// producer 之前关闭
		defer dispatcher.Close()
		events = dispatcher
		logger.Info("kafka enabled", "topic", cfg.Kafka.Topic)
	}

	// === 可选：MySQL 归档 ===
	var archive *store.Archive
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		archive = store.NewArchive(db)
		logger.Info("room archive enabled")
	}

	var hub *ws.Hub
	rooms := collab.NewStore(collab.Options{
		OpLogCapacity:   cfg.Room.OpLogCapacity,
		TransformWindow: cfg.Room.TransformWindow,
		TransformDepth:  cfg.Room.TransformDepth,
		EmptyGrace:      cfg.Room.EmptyGrace,
		IdleTTL:         cfg.Room.IdleTTL,
		Clock:           clock,
		Logger:          logger,
		Events:          events,
		OnEvict: func(roomID string, snapshot map[string]string, reason string) {
			hub.CloseRoom(roomID)
			if archive == nil {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := archive.Save(saveCtx, roomID, snapshot, reason, clock.Now()); err != nil {
				logger.Warn("archive room failed", "room", roomID, "err", err)
			}
		},
	})

	hubOpt := ws.HubOptions{
		Presence:    presence,
		PresenceTTL: cfg.Redis.PresenceTTL,
		Clock:       clock,
		Logger:      logger,
	}
	// 不能把 nil *Relay 赋给接口
	if relay != nil {
		hubOpt.Relay = relay
	}
	hub = ws.NewHub(rooms, hubOpt)
	manager := ws.NewManager(hub, ws.ManagerOptions{
		AllowedOrigins: cfg.WS.AllowedOrigins,
		SendQueue:      cfg.WS.SendQueue,
		ReadLimit:      cfg.WS.ReadLimit,
		Logger:         logger,
	})

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if len(cfg.WS.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.WS.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	r.GET("/ws", manager.WebSocketConnect)
	handlers.NewRoomHandler(rooms, presence, clock, logger).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	if cfg.Discovery.Enabled {
		shutdown, err := discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, cfg.Discovery.Domain, cfg.Running.Port, "/ws")
		if err != nil {
			logger.Warn("mdns advertise failed", "err", err)
		} else {
			defer shutdown()
			logger.Info("mdns advertised", "service", cfg.Discovery.Service)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collab server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return rooms.RunSweeper(gctx, cfg.Room.SweepInterval)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, hub.HandleRelayed)
		})
	}
	return g.Wait()
}
