package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classpulse-engagement/internal/config"
	"classpulse-engagement/internal/database"
	httpapi "classpulse-engagement/internal/http"
	"classpulse-engagement/internal/identity"
	"classpulse-engagement/internal/logger"
	"classpulse-engagement/internal/mqtt"
	"classpulse-engagement/internal/registry"
	"classpulse-engagement/internal/repository"
	"classpulse-engagement/internal/service"
	"classpulse-engagement/internal/ws"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "classpulse-engagement")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var redisClient *redis.Client
	if !cfg.Identity.CacheDisabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Warn("Redis unavailable, identity cache disabled", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	// Repositories: Postgres when available, in-memory fallback for local dev.
	var (
		db       *sql.DB
		sessions repository.EngagementRepository
		classes  repository.ClassRepository
	)
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			log.Info("DB enabled for classpulse-engagement")
		} else {
			log.Warn("DB enabled but connection failed, falling back to in-memory stores", zap.Error(err))
		}
	}
	if db != nil {
		sessions = repository.NewPostgresEngagementRepository(db)
		classes = repository.NewPostgresClassRepository(db)
	} else {
		sessions = repository.NewMemoryEngagementRepository()
		classes = repository.NewMemoryClassRepository()
	}

	identityClient := identity.NewClient(cfg.Identity.BaseURL, redisClient, cfg.Identity.CacheTTL, log)

	hub := ws.NewHub(log)
	engagement := service.NewEngagementService(
		sessions,
		classes,
		registry.NewSignalRegistry(),
		hub,
		service.EngagementPolicy{
			AttendanceThreshold: cfg.Engagement.AttendanceThreshold,
			FrameInterval:       cfg.Engagement.FrameInterval,
			FrameTolerance:      cfg.Engagement.FrameTolerance,
			MetadataMaxInterval: cfg.Engagement.MetadataMaxInterval,
			LiveActivityWindow:  cfg.Engagement.LiveActivityWindow,
		},
		log,
	)

	router := httpapi.NewRouter(log)
	router.RegisterEngagementRoutes(httpapi.NewEngagementHandler(engagement, identityClient, classes, log))
	router.RegisterWSRoutes(httpapi.NewWSHandler(hub, identityClient, classes, log))

	// Optional broker-side ingest for classrooms with MQTT capture devices.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		if c, err := mqtt.NewClient(&cfg.MQTT, log); err == nil {
			mqttClient = c
			bridge := mqtt.NewSignalBridge(engagement, log)
			if err := mqttClient.Subscribe(cfg.MQTT.Topic, 1, bridge.HandleMessage); err != nil {
				log.Error("Failed to subscribe to signal topic", zap.Error(err))
			} else {
				log.Info("MQTT signal bridge active", zap.String("topic", cfg.MQTT.Topic))
			}
		} else {
			log.Warn("MQTT enabled but connection failed", zap.Error(err))
		}
	}

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		cancel()
	case <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		_ = db.Close()
	}
}
