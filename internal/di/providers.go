package di

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/internal/domain/repository"
	"LevelWatch/internal/handler/api"
	internalrepo "LevelWatch/internal/repository"
	"LevelWatch/internal/service/notify"
	"LevelWatch/internal/service/pricefeed"
	"LevelWatch/internal/service/quote"
	"LevelWatch/internal/service/stream"
	"LevelWatch/internal/usecase"
	pkgcache "LevelWatch/pkg/cache"
	pkgch "LevelWatch/pkg/clickhouse"
	"LevelWatch/pkg/config"
	pkgkafka "LevelWatch/pkg/kafka"
	"LevelWatch/pkg/logger"
	"LevelWatch/pkg/metrics"
	"LevelWatch/pkg/queue"
	"LevelWatch/pkg/server"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger creates the application logger. With operator logs
// configured and redis available, error-level logs are aggregated and
// flushed to the operator.logs queue topic.
func ProvideLogger(cfg *config.Config, cli *redis.Client) (*logger.Logger, error) {
	log, err := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Logging.OperatorLogs.Enabled && cli != nil {
		log.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Logging.OperatorLogs.FlushInterval,
			CountThreshold: cfg.Logging.OperatorLogs.MaxEntries,
			Topic:          models.MsgTypeOperatorLogs,
			Publisher:      queue.NewRedisPublisher(log, cli),
		})
	}
	return log, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideRedisClient creates the shared redis client, or nil for the
// in-memory store profile.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Store.Type != "redis" {
		return nil, nil
	}
	cli := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cli, nil
}

// ProvideAlertStore selects the durable alert store.
func ProvideAlertStore(cfg *config.Config, cli *redis.Client) repository.AlertStore {
	if cfg.Store.Type == "redis" {
		return internalrepo.NewRedisAlertStore(cli)
	}
	return internalrepo.NewMemoryAlertStore()
}

// ProvideQuoteCache builds the last-tick cache on the same backend
// family as the alert store.
func ProvideQuoteCache(cfg *config.Config, log *logger.Logger) (*quote.Cache, error) {
	var svc pkgcache.Service
	if cfg.Store.Type == "redis" {
		host, portStr, err := net.SplitHostPort(cfg.Store.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("redis addr: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("redis port: %w", err)
		}
		rc, err := pkgcache.NewRedisCache(
			pkgcache.WithRedisHost(host),
			pkgcache.WithRedisPort(port),
			pkgcache.WithRedisPassword(cfg.Store.Redis.Password),
			pkgcache.WithRedisDB(cfg.Store.Redis.DB),
			pkgcache.WithRedisPrefix("levelwatch"),
		)
		if err != nil {
			return nil, err
		}
		svc = pkgcache.NewLayeredCache(rc, pkgcache.WithLayeredMemorySize(cfg.Stream.QuoteCacheSize))
	} else {
		svc = pkgcache.NewMemoryCache(pkgcache.WithMemoryMaxSize(cfg.Stream.QuoteCacheSize))
	}
	return quote.NewCache(svc, cfg.Stream.QuoteCacheTTL, log), nil
}

// ProvidePriceSource creates the upstream WebSocket feed.
func ProvidePriceSource(cfg *config.Config, log *logger.Logger) repository.PriceSource {
	return pricefeed.New(
		cfg.PriceFeed.APIKey,
		cfg.PriceFeed.WebSocketURL,
		cfg.PriceFeed.PingInterval,
		log,
	)
}

// ProvideMultiplexer creates the per-symbol stream multiplexer.
func ProvideMultiplexer(
	source repository.PriceSource,
	quotes *quote.Cache,
	mtr repository.Metrics,
	log *logger.Logger,
	cfg *config.Config,
) *stream.Multiplexer {
	return stream.NewMultiplexer(source, log, mtr,
		stream.WithGraceWindow(cfg.Stream.GraceWindow),
		stream.WithHandleBuffer(cfg.Stream.HandleBuffer),
		stream.WithReconnect(cfg.Stream.ReconnectDelay, cfg.Stream.ReconnectMax),
		stream.WithQuoteSink(quotes),
	)
}

// ProvideNotifier creates the webhook notification sink.
func ProvideNotifier(cfg *config.Config, log *logger.Logger) repository.Notifier {
	return notify.NewWebhookNotifier(
		cfg.Dispatch.WebhookURL,
		cfg.Dispatch.Timeout,
		cfg.Dispatch.AuthToken,
		log,
	)
}

// ProvideFireRecorder assembles the enabled audit sinks. Returns nil
// when auditing is off; the manager treats that as a no-op.
func ProvideFireRecorder(cfg *config.Config, log *logger.Logger) (repository.FireRecorder, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}

	var sinks []repository.FireRecorder

	if cfg.Audit.Kafka.Enabled {
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Audit.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Audit.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Audit.Kafka.RequiredAcks),
			pkgkafka.WithBatchSize(cfg.Audit.Kafka.BatchSize),
			pkgkafka.WithBatchBytes(cfg.Audit.Kafka.BatchBytes),
			pkgkafka.WithBatchTimeout(cfg.Audit.Kafka.Linger),
			pkgkafka.WithTimeouts(cfg.Audit.Kafka.WriteTimeout, cfg.Audit.Kafka.ReadTimeout),
			pkgkafka.WithMaxAttempts(cfg.Audit.Kafka.MaxAttempts),
			pkgkafka.WithAsync(cfg.Audit.Kafka.Async),
			pkgkafka.WithHashByKey(true),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		sinks = append(sinks, internalrepo.NewKafkaFireRecorder(producer, cfg.Audit.Kafka.Topic))
	}

	if cfg.Audit.ClickHouse.Enabled {
		client, err := pkgch.NewClient(
			pkgch.WithHost(cfg.Audit.ClickHouse.Host),
			pkgch.WithPort(cfg.Audit.ClickHouse.Port),
			pkgch.WithDatabase(cfg.Audit.ClickHouse.Database),
			pkgch.WithCredentials(cfg.Audit.ClickHouse.User, cfg.Audit.ClickHouse.Password),
			pkgch.WithHTTP(cfg.Audit.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.Audit.ClickHouse.AsyncInsert, cfg.Audit.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.Audit.ClickHouse.DialTimeout, cfg.Audit.ClickHouse.ReadTimeout, cfg.Audit.ClickHouse.WriteTimeout),
			pkgch.WithMaxExecutionTime(cfg.Audit.ClickHouse.MaxExecutionTime),
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.InitSchema(ctx, internalrepo.FireAuditSchema); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		sinks = append(sinks, internalrepo.NewClickHouseFireAudit(client.DB()))
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return internalrepo.NewMultiFireRecorder(log, sinks...), nil
	}
}

// ProvideManager creates the alert manager with the dead letter queue
// attached when redis is available.
func ProvideManager(
	store repository.AlertStore,
	mux *stream.Multiplexer,
	notifier repository.Notifier,
	recorder repository.FireRecorder,
	mtr repository.Metrics,
	log *logger.Logger,
	cfg *config.Config,
	cli *redis.Client,
) *usecase.Manager {
	m := usecase.NewManager(store, mux, notifier, recorder, mtr, log, usecase.ManagerConfig{
		DispatchMode:       cfg.Dispatch.Mode,
		DispatchRetryMax:   cfg.Dispatch.RetryMax,
		DispatchBackoffMin: cfg.Dispatch.BackoffMin,
		DispatchBackoffMax: cfg.Dispatch.BackoffMax,
		PersistRetryMax:    cfg.Persistence.RetryMax,
		PersistBackoff:     cfg.Persistence.Backoff,
	})
	if cli != nil {
		m.SetDeadLetter(queue.NewRedisPublisher(log, cli))
	}
	return m
}

// ProvideRedeliveryConsumer drains the notification dead letter queue.
// Nil when redis is not configured.
func ProvideRedeliveryConsumer(
	cli *redis.Client,
	notifier repository.Notifier,
	log *logger.Logger,
	cfg *config.Config,
) *queue.RedisQueue {
	if cli == nil {
		return nil
	}
	return queue.NewRedisConsumer(log, &queue.QueueConfig{
		Workers:    1,
		RetryLimit: cfg.Dispatch.RetryMax,
		RetryDelay: cfg.Dispatch.BackoffMax,
	}, cli, []queue.Job{notify.NewRedeliverJob(notifier, log)})
}

// ProvideAlertsHandler creates the registration API handler.
func ProvideAlertsHandler(
	log *logger.Logger,
	manager *usecase.Manager,
	quotes *quote.Cache,
	cfg *config.Config,
) *api.AlertsEchoHandler {
	rate := api.RateLimitConfig{Enabled: cfg.RateLimit.Enabled}
	if rate.Enabled {
		window := cfg.RateLimit.Window
		if window <= 0 {
			window = time.Minute
		}
		rate.Capacity = float64(cfg.RateLimit.Limit)
		rate.RefillPerSec = float64(cfg.RateLimit.Limit) / window.Seconds()
	}
	return api.NewAlertsEchoHandler(log, manager, quotes, rate)
}

// ProvideJanitor creates the retention janitor. Nil when disabled.
func ProvideJanitor(store repository.AlertStore, log *logger.Logger, cfg *config.Config) *usecase.Janitor {
	if !cfg.Retention.Enabled {
		return nil
	}
	return usecase.NewJanitor(store, log, usecase.JanitorConfig{
		Schedule: cfg.Retention.Schedule,
		MaxAge:   cfg.Retention.MaxAge,
	})
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	source repository.PriceSource,
	store repository.AlertStore,
	manager *usecase.Manager,
	mux *stream.Multiplexer,
	handler *api.AlertsEchoHandler,
	janitor *usecase.Janitor,
	redelivery *queue.RedisQueue,
	recorder repository.FireRecorder,
) *server.App {
	return server.New(cfg, log, source, store, manager, mux, handler, janitor, redelivery, recorder)
}
