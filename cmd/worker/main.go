package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/subalert/notification-worker/internal/config"
	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/infrastructure/idempotency"
	"github.com/subalert/notification-worker/internal/infrastructure/messaging/rabbitmq"
	"github.com/subalert/notification-worker/internal/infrastructure/postgres"
	"github.com/subalert/notification-worker/internal/infrastructure/web"
	"github.com/subalert/notification-worker/internal/logger"
	"github.com/subalert/notification-worker/internal/notification"
	"github.com/subalert/notification-worker/internal/processor"
	"github.com/subalert/notification-worker/internal/retry"
	"github.com/subalert/notification-worker/internal/status"
	"github.com/subalert/notification-worker/internal/worker"
)

func main() {
	logger.Init()
	lg := log.With().Str("service", "notification-worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		lg.Fatal().Err(err).Msg("configuration load failed")
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker := status.NewTracker()

	// --- Postgres
	retryCfg := retry.Config{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryInitial,
		MaxDelay:     cfg.RetryMax,
		Factor:       2,
	}
	db := postgres.NewGateway(cfg.DBDSN, retryCfg, lg)
	if err := db.TestConnection(rootCtx); err != nil {
		tracker.SetDBActive(false, err)
		lg.Warn().Err(err).Msg("database unreachable at startup; retrying once")
		select {
		case <-time.After(5 * time.Second):
		case <-rootCtx.Done():
			return
		}
		if err := db.TestConnection(rootCtx); err != nil {
			tracker.SetDBActive(false, err)
			lg.Error().Err(err).Msg("database still unreachable; starting degraded")
		} else {
			tracker.SetDBActive(true, nil)
		}
	} else {
		tracker.SetDBActive(true, nil)
	}
	defer db.Close()

	// --- Envelope idempotency (optional Redis)
	var idem idempotency.Store = idempotency.Noop{}
	if cfg.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			lg.Warn().Err(err).Msg("redis unreachable; envelope dedupe disabled")
		} else {
			idem = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL, lg)
			lg.Info().Str("addr", cfg.RedisAddr).Msg("redis idempotency enabled")
		}
	}

	// --- Messaging gateway (the notification service publishes through it)
	notifStore := postgres.NewNotificationStore(db)
	users := postgres.NewUserDirectory(db)

	mq := rabbitmq.NewGateway(rabbitmq.Config{
		URL:      cfg.RabbitURL,
		Exchange: cfg.RabbitExchange,
		Queue:    cfg.Queue,
		BindKeys: cfg.BindKeys(),
		Prefetch: cfg.Prefetch,
		Tag:      cfg.ConsumeTag,
		Topics: rabbitmq.Topics{
			DLQ:            cfg.DLQTopic,
			EmailImmediate: cfg.EmailImmediateTopic,
			EmailDaily:     cfg.EmailDailyTopic,
			Realtime:       cfg.RealtimeTopic,
		},
		WorkerSlots: cfg.WorkerSlots,
		TaskTimeout: cfg.TaskTimeout,
	}, nil, tracker, lg)

	svc := notification.NewService(notifStore, users, mq, cfg.DedupeWindow, lg)

	// --- Processors + pipeline
	registry := processor.NewRegistry(lg)
	registry.SetDBCheck(func() bool { return tracker.Snapshot().DBActive })
	for _, p := range []processor.Processor{
		processor.NewBOE(svc, lg),
		processor.NewRealEstate(svc, lg),
	} {
		if err := registry.Register(p); err != nil {
			lg.Fatal().Err(err).Str("type", p.Type()).Msg("processor registration failed")
		}
	}

	validator := envelope.NewValidator(registry.Has, lg)
	pipeline := worker.NewPipeline(validator, registry, idem, lg)
	pipeline.SetHealthSink(tracker)
	mq.SetHandler(pipeline)

	// --- HTTP surface
	statusSrv := web.NewServer(fmt.Sprintf(":%d", cfg.HealthPort), tracker, db, registry, lg)
	go func() {
		if err := statusSrv.Start(); err != nil {
			lg.Error().Err(err).Msg("status server failed")
			cancel()
		}
	}()

	// Periodic database probe so ERROR/READONLY modes recover without restarts.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(rootCtx, 5*time.Second)
				err := db.Ping(pctx)
				pcancel()
				tracker.SetDBActive(err == nil, err)
			}
		}
	}()

	tracker.MarkInitialized()

	if err := mq.Subscribe(rootCtx); err != nil {
		lg.Fatal().Err(err).Msg("subscribe failed")
	}
	lg.Info().
		Str("queue", cfg.Queue).
		Strs("bind_keys", cfg.BindKeys()).
		Int("worker_slots", cfg.WorkerSlots).
		Msg("notification worker started")

	<-rootCtx.Done()
	lg.Info().Msg("shutdown signal received; draining")

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer graceCancel()

	if err := mq.Close(graceCtx); err != nil {
		lg.Warn().Err(err).Msg("messaging gateway drain incomplete")
	}
	if err := statusSrv.Shutdown(graceCtx); err != nil {
		lg.Warn().Err(err).Msg("status server shutdown incomplete")
	}
	lg.Info().Msg("notification worker stopped")
}
