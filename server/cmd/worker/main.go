package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"esocore-server/shared/cachex"
	"esocore-server/shared/config"
	"esocore-server/shared/dbx"
	"esocore-server/shared/events"
	"esocore-server/shared/influxx"
	"esocore-server/shared/lockx"
	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"
	"esocore-server/shared/mqx"
	"esocore-server/shared/observability"

	"esocore-server/server/internal/dispatch"
	"esocore-server/server/internal/repos"
	"esocore-server/server/internal/stream"
)

const (
	taskNotifyScan     = "notify.scan"
	taskNotifyDispatch = "notify.dispatch"
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"

	notifyScanLockKey = "locks:notify_scan"
)

type notifyPayload struct {
	EntryID    string `json:"entry_id"`
	RetryCount int    `json:"retry_count"`
}

type outboxPayload struct {
	OutboxID string `json:"outbox_id"`
}

func notifyQueue(channel string) string {
	return "notify-" + channel
}

func main() {
	cfg, problems := config.Load("telemetry-worker", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	notificationsRepo := repos.NewNotificationsRepo(dbPool)
	eventsRepo := repos.NewEventsRepo(dbPool)
	alertsRepo := repos.NewAlertsRepo(dbPool)
	outboxRepo := repos.NewOutboxRepo(dbPool)

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "scan lock disabled",
				slog.String("error", err.Error()),
			)
		}
	}
	if cache != nil {
		defer cache.Close()
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if reader, err := mqx.NewConsumer(cfg, events.TopicSystemEvents, cfg.ServiceName); err != nil {
		logger.Warn(context.Background(), "consumer_init_failed", "event relay disabled",
			slog.String("error", err.Error()),
		)
	} else {
		defer reader.Close()
		var sink stream.Sink
		if cfg.InfluxURL != "" {
			if influx, err := influxx.New(cfg); err != nil {
				logger.Warn(context.Background(), "influx_init_failed", "event mirror disabled",
					slog.String("error", err.Error()),
				)
			} else {
				sink = influx
				defer influx.Close()
			}
		}
		relay := stream.NewRelay(reader, sink, logger, events.TopicSystemEvents, cfg.ServiceName)
		go func() {
			if err := relay.Run(relayCtx); err != nil {
				logger.Error(relayCtx, "relay_failed", "event relay stopped",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.DispatchAttemptTimeoutMS) * time.Millisecond}
	providers := map[string]dispatch.Provider{
		"webhook": dispatch.NewWebhookProvider(httpClient),
	}
	if cfg.EmailAPIURL != "" {
		providers["email"] = dispatch.NewHTTPProvider(httpClient, cfg.EmailAPIURL, cfg.EmailAPIToken)
	}
	if cfg.SMSAPIURL != "" {
		providers["sms"] = dispatch.NewHTTPProvider(httpClient, cfg.SMSAPIURL, cfg.SMSAPIToken)
	}

	dispatcher := dispatch.NewDispatcher(
		notificationsRepo,
		eventsRepo,
		alertsRepo,
		providers,
		logger,
		time.Duration(cfg.DispatchAttemptTimeoutMS)*time.Millisecond,
		cfg.DispatchDefaultMaxRetry,
	)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	// One queue per delivery channel bounds concurrency against each
	// provider independently; a backed-up channel cannot starve the rest.
	queues := map[string]int{cfg.AsynqQueue: 2}
	for channel := range providers {
		queues[notifyQueue(channel)] = 1
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      queues,
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()

	mux.HandleFunc(taskNotifyScan, func(ctx context.Context, t *asynq.Task) error {
		if cache != nil {
			lock, acquired, err := lockx.Acquire(ctx, cache.Client(), notifyScanLockKey, time.Duration(cfg.DispatchScanSec)*time.Second)
			if err != nil {
				return err
			}
			if !acquired {
				return nil
			}
			defer func() { _ = lockx.Release(ctx, cache.Client(), lock) }()
		}

		due, err := dispatcher.Due(ctx, cfg.DispatchBatchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		for _, entry := range due {
			payload, _ := json.Marshal(notifyPayload{EntryID: entry.EntryID.String(), RetryCount: entry.RetryCount})
			queue := cfg.AsynqQueue
			if _, ok := providers[entry.Channel]; ok {
				queue = notifyQueue(entry.Channel)
			}
			task := asynq.NewTask(taskNotifyDispatch, payload, asynq.Queue(queue))
			// TaskID keyed on retry_count: a rescan before the attempt
			// lands cannot enqueue the same attempt twice.
			taskID := fmt.Sprintf("notify:%s:%d", entry.EntryID.String(), entry.RetryCount)
			if _, err := client.Enqueue(task, asynq.TaskID(taskID), asynq.Timeout(time.Duration(cfg.DispatchAttemptTimeoutMS)*time.Millisecond)); err != nil {
				if errors.Is(err, asynq.ErrTaskIDConflict) {
					continue
				}
				logger.Error(ctx, "enqueue_failed", "failed to enqueue notification dispatch",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("entry_id", entry.EntryID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})

	mux.HandleFunc(taskNotifyDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "notify.dispatch")
		if queue, ok := asynq.GetQueueName(ctx); ok {
			span.SetAttributes(attribute.String("queue", queue))
		}
		defer span.End()
		var payload notifyPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		entryID, err := uuid.Parse(strings.TrimSpace(payload.EntryID))
		if err != nil {
			return err
		}
		return dispatcher.Attempt(ctx, entryID, payload.RetryCount)
	})

	mux.HandleFunc(taskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		claimed, err := outboxRepo.ClaimPending(ctx, cfg.ServiceName, cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		for _, event := range claimed {
			payload, _ := json.Marshal(outboxPayload{OutboxID: event.OutboxID.String()})
			task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(cfg.AsynqQueue))
			if _, err := client.Enqueue(task); err != nil {
				logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
				attempts := event.Attempts + 1
				nextRetry := time.Now().UTC().Add(dispatch.Delay(attempts))
				_ = outboxRepo.MarkFailed(ctx, event.OutboxID, attempts, &nextRetry, err.Error(), attempts >= cfg.OutboxMaxAttempts)
			}
		}
		return nil
	})

	mux.HandleFunc(taskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		var payload outboxPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		outboxID, err := uuid.Parse(strings.TrimSpace(payload.OutboxID))
		if err != nil {
			return err
		}
		event, err := outboxRepo.GetByID(ctx, outboxID)
		if err != nil {
			return err
		}
		if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
			return nil
		}
		headers := map[string]string{
			"outbox_id":      event.OutboxID.String(),
			"site_id":        event.SiteID.String(),
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID.String(),
			"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := producer.Publish(ctx, event.Topic, []byte(event.AggregateID.String()), event.Payload, headers); err != nil {
			attempts := event.Attempts + 1
			nextRetry := time.Now().UTC().Add(dispatch.Delay(attempts))
			dead := attempts >= cfg.OutboxMaxAttempts
			_ = outboxRepo.MarkFailed(ctx, event.OutboxID, attempts, &nextRetry, err.Error(), dead)
			if dead {
				logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
					slog.String("outbox_id", event.OutboxID.String()),
					slog.Int("attempts", attempts),
				)
				return nil
			}
			return err
		}
		return outboxRepo.MarkDelivered(ctx, event.OutboxID)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.DispatchScanSec)+"s", asynq.NewTask(taskNotifyScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			for queue := range queues {
				if info, err := inspector.GetQueueInfo(queue); err == nil {
					metricsx.SetAsynqQueueDepth(queue, info.Size)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if counts, err := notificationsRepo.CountByStatus(ctx); err == nil {
				for status, depth := range counts {
					metricsx.SetNotificationQueueDepth(status, depth)
				}
			}
			cancel()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("dispatch_scan_sec", cfg.DispatchScanSec),
			slog.Int("outbox_scan_sec", cfg.OutboxScanSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "worker stopped")
}
