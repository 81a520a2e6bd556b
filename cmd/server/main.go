package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"

	"github.com/busfleet/kiosk-sync/internal/aggregator"
	"github.com/busfleet/kiosk-sync/internal/boarding"
	"github.com/busfleet/kiosk-sync/internal/config"
	"github.com/busfleet/kiosk-sync/internal/consensus"
	"github.com/busfleet/kiosk-sync/internal/database"
	"github.com/busfleet/kiosk-sync/internal/dispatch"
	"github.com/busfleet/kiosk-sync/internal/embedding"
	"github.com/busfleet/kiosk-sync/internal/eventbus"
	"github.com/busfleet/kiosk-sync/internal/faceengine"
	"github.com/busfleet/kiosk-sync/internal/httpapi"
	"github.com/busfleet/kiosk-sync/internal/kioskauth"
	"github.com/busfleet/kiosk-sync/internal/objectstore"
	"github.com/busfleet/kiosk-sync/internal/snapshot"
	"github.com/busfleet/kiosk-sync/internal/urlcache"
	"github.com/busfleet/kiosk-sync/internal/verify"
)

func main() {
	cfg := config.Get()
	port := cfg.GetPort()

	store, err := database.New(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("database: connect failed: %v", err)
	}
	defer store.Close()

	if err := database.Migrate(store.DB()); err != nil {
		log.Fatalf("database: migration failed: %v", err)
	}
	slog.Info("database: migrations applied")

	// Object store (C1) — Supabase Storage if configured, else an in-memory
	// fake, the same enabled/fallback pattern used throughout for optional
	// infrastructure.
	var objects objectstore.Store
	if cfg.Storage.Endpoint != "" && cfg.Storage.ServiceKey != "" {
		objects = objectstore.NewSupabaseStore(cfg.Storage.Endpoint, cfg.Storage.ServiceKey, cfg.Storage.Bucket)
		slog.Info("objectstore: using Supabase Storage", "bucket", cfg.Storage.Bucket)
	} else {
		objects = objectstore.NewInMemoryStore()
		slog.Warn("objectstore: no storage endpoint configured, using in-memory store")
	}

	// Redis (C2's cross-instance layer) — optional.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			slog.Warn("redis: ping failed, urlcache falls back to process-local cache only", "error", err)
			redisClient = nil
		}
	}
	urlCache := urlcache.New(objects, time.Duration(cfg.URLCache.SignTTLMinutes)*time.Minute, time.Duration(cfg.URLCache.SafetyMarginMins)*time.Minute, redisClient)

	activation := kioskauth.NewActivationService(store)
	sessionIssuer := kioskauth.NewSessionIssuer(cfg.Security.JWTSecret, time.Duration(cfg.Security.AccessTokenTTLSec)*time.Second, time.Duration(cfg.Security.RefreshTokenTTLSec)*time.Second)
	heartbeat := kioskauth.NewHeartbeatService(store, cfg.Security.BatteryWarningPercent, cfg.Security.BatteryCriticalPercent, time.Duration(cfg.Security.HeartbeatOfflineMins)*time.Minute, time.Duration(cfg.Security.HeartbeatAlertHours)*time.Hour)

	snapshotBuilder := snapshot.NewBuilder(store, cfg.Snapshot.TempDir, snapshot.NoopDecrypt)

	registry := embedding.NewRegistry(store)

	embedderConfigs := make([]faceengine.Config, 0, len(cfg.Models.Enabled))
	for _, m := range cfg.Models.Enabled {
		embedderConfigs = append(embedderConfigs, faceengine.Config{Name: m.Name, Threshold: m.Threshold, Weight: m.Weight})
	}
	ensemble, err := faceengine.NewEnsemble(embedderConfigs)
	if err != nil {
		log.Fatalf("faceengine: build ensemble failed: %v", err)
	}

	consensusEngine := consensus.NewEngine(ensemble, consensus.Config{
		AmbiguityGap:      cfg.Consensus.AmbiguityGap,
		FastPathModel:     cfg.Consensus.FastPathModel,
		FastPathThreshold: cfg.Consensus.FastPathThreshold,
		MinConsensus:      cfg.Consensus.MinConsensus,
	})
	agg := aggregator.NewAggregator(consensusEngine)

	// Event bus (verdict fan-out) — Pub/Sub if enabled, else a no-op.
	var publisher verify.EventPublisher
	var pubsubPublisher *eventbus.PubSubPublisher
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		p, err := eventbus.NewPubSubPublisher(context.Background(), cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("eventbus: pubsub init failed, verdicts will not be published", "error", err)
			publisher = eventbus.NoopPublisher{}
		} else {
			pubsubPublisher = p
			publisher = p
		}
	} else {
		publisher = eventbus.NoopPublisher{}
	}
	if pubsubPublisher != nil {
		defer pubsubPublisher.Shutdown()
	}

	orchestrator := verify.NewOrchestrator(store, objects, registry, agg, publisher)

	// Task dispatcher (C7) — Cloud Tasks if enabled, else inline execution,
	// matching the teacher's Cloud Tasks/in-memory fallback shape.
	inline := dispatch.NewInlineDispatcher(orchestrator)
	var dispatcher dispatch.Dispatcher = inline
	var cloudDispatcher *dispatch.CloudDispatcher
	if cfg.CloudTasks.Enabled && cfg.CloudTasks.ProjectID != "" {
		client, err := cloudtasks.NewClient(context.Background())
		if err != nil {
			slog.Warn("dispatch: cloud tasks client init failed, using inline dispatch", "error", err)
		} else {
			cloudDispatcher = dispatch.NewCloudDispatcher(client, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.CloudTasks.BackendURL, inline)
			dispatcher = cloudDispatcher
		}
	}
	if cloudDispatcher != nil {
		defer cloudDispatcher.Shutdown()
	}

	boardingService := boarding.NewService(store, objects, dispatcher.Enqueue)

	router := httpapi.NewRouter(&httpapi.Deps{
		Store:         store,
		Activation:    activation,
		SessionIss:    sessionIssuer,
		Heartbeat:     heartbeat,
		SnapshotB:     snapshotBuilder,
		URLCache:      urlCache,
		Boarding:      boardingService,
		Verifier:      orchestrator,
		AllowedQueues: []string{cfg.CloudTasks.QueueID},
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("kiosk-sync server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}
