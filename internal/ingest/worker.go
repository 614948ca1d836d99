package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"procodus.dev/hydro-ingest/pkg/cache"
	"procodus.dev/hydro-ingest/pkg/metrics"
	"procodus.dev/hydro-ingest/pkg/mq"
	"procodus.dev/hydro-ingest/pkg/objstore"
)

// WorkerConfig holds the configuration for the queue Worker. The
// database, cache, storage, and HMAC sections mirror ServerConfig:
// the worker executes the same pipeline the inline path does.
type WorkerConfig struct {
	Logger *slog.Logger

	QueueURL  string
	QueueName string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisURL string

	StorageEndpoint     string
	StorageRegion       string
	StorageBucket       string
	StorageAccessKey    string
	StorageSecretKey    string
	StorageUsePathStyle bool

	PhotoTZ string
}

// Worker drains the ingest queue and executes the pipeline for each
// job. Jobs are redelivered at least once on failure; the pipeline is
// idempotent under redelivery (deterministic photo keys, (site, ts)
// uniqueness), so a nack+requeue is always safe.
type Worker struct {
	logger    *slog.Logger
	config    *WorkerConfig
	db        *gorm.DB
	cache     *cache.Cache
	mqClient  *mq.Client
	pipeline  *Pipeline
	mqMetrics *metrics.MQMetrics
	done      chan struct{}
}

// NewWorker creates a new Worker instance.
func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("worker config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.QueueURL == "" || cfg.QueueName == "" {
		return nil, errors.New("queue URL and queue name cannot be empty")
	}

	if cfg.DBHost == "" || cfg.DBName == "" || cfg.DBUser == "" {
		return nil, errors.New("database host, name, and user cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("redis URL cannot be empty")
	}

	return &Worker{
		logger: cfg.Logger,
		config: cfg,
		done:   make(chan struct{}),
	}, nil
}

// Run starts the worker and blocks until shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting ingest worker")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	db, err := NewDB(&DBConfig{
		Host:     w.config.DBHost,
		Port:     w.config.DBPort,
		User:     w.config.DBUser,
		Password: w.config.DBPassword,
		DBName:   w.config.DBName,
		SSLMode:  w.config.DBSSLMode,
		Logger:   w.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	w.db = db

	latestCache, err := cache.New(&cache.Config{
		Logger: w.logger,
		URL:    w.config.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	w.cache = latestCache

	loc, err := time.LoadLocation(w.config.PhotoTZ)
	if err != nil {
		return fmt.Errorf("invalid photo time zone %q: %w", w.config.PhotoTZ, err)
	}

	photos, err := objstore.New(&objstore.Config{
		Logger:       w.logger,
		Endpoint:     w.config.StorageEndpoint,
		Region:       w.config.StorageRegion,
		Bucket:       w.config.StorageBucket,
		AccessKey:    w.config.StorageAccessKey,
		SecretKey:    w.config.StorageSecretKey,
		UsePathStyle: w.config.StorageUsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	repo, err := NewGormRepository(db)
	if err != nil {
		return err
	}

	pipeline, err := NewPipeline(&PipelineConfig{
		Logger:  w.logger,
		Repo:    repo,
		Photos:  photos,
		Latest:  latestCache,
		PhotoTZ: loc,
		Metrics: metrics.NewIngestMetrics("hydro"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	w.pipeline = pipeline

	w.mqMetrics = metrics.NewMQMetrics("hydro")
	w.mqClient = mq.New(w.config.QueueName, w.config.QueueURL, w.logger)
	w.mqClient.SetMetrics(w.mqMetrics)

	// Give the MQ client time to establish its first connection.
	time.Sleep(2 * time.Second)

	deliveries, err := w.mqClient.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("worker started, waiting for jobs")

	go w.processDeliveries(ctx, deliveries)

	select {
	case sig := <-sigChan:
		w.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		w.logger.Info("context canceled")
	}

	return w.Shutdown()
}

// processDeliveries drains the deliveries channel until shutdown.
func (w *Worker) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("context canceled, stopping job processing")
			close(w.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("deliveries channel closed")
				close(w.done)
				return
			}

			w.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery processes a single queued job. Malformed jobs and
// rejections are acked and dropped: redelivering them cannot succeed.
// Dependency failures are nacked for redelivery.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		w.logger.Error("failed to unmarshal job", "error", err)
		if w.mqMetrics != nil {
			w.mqMetrics.ConsumptionFailures.WithLabelValues(w.config.QueueName, "unmarshal_error").Inc()
		}
		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("failed to ack job", "error", ackErr)
		}
		return
	}

	w.logger.Info("processing job",
		"job_id", job.JobID,
		"site_slug", job.Meta.SiteSlug,
		"ts", job.Meta.TS,
	)

	outcome, err := w.pipeline.Process(ctx, &job)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			w.logger.Warn("job rejected", "job_id", job.JobID, "code", rej.Code)
			if w.mqMetrics != nil {
				w.mqMetrics.ConsumptionFailures.WithLabelValues(w.config.QueueName, rej.Code).Inc()
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("failed to ack job", "error", ackErr)
			}
			return
		}

		w.logger.Error("job failed, requeueing", "job_id", job.JobID, "error", err)
		if w.mqMetrics != nil {
			w.mqMetrics.ConsumptionFailures.WithLabelValues(w.config.QueueName, "dependency_error").Inc()
		}
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			w.logger.Error("failed to nack job", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("failed to ack job", "error", err)
		return
	}

	if w.mqMetrics != nil {
		w.mqMetrics.MessagesConsumed.WithLabelValues(w.config.QueueName).Inc()
	}

	w.logger.Debug("job processed",
		"job_id", job.JobID,
		"persisted", outcome.Persisted,
		"duplicate", outcome.Duplicate,
		"photo_key", outcome.PhotoKey,
	)
}

// Shutdown gracefully shuts down the worker.
func (w *Worker) Shutdown() error {
	w.logger.Info("shutting down ingest worker")

	var shutdownErr error

	if w.mqClient != nil {
		w.logger.Info("closing MQ client")
		if err := w.mqClient.Close(); err != nil {
			w.logger.Error("failed to close MQ client", "error", err)
			shutdownErr = fmt.Errorf("mq client close error: %w", err)
		}
		// Wait for in-flight job processing to finish
		<-w.done
	}

	if w.cache != nil {
		if err := w.cache.Close(); err != nil {
			w.logger.Error("failed to close cache", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("cache close error: %w", err))
		}
	}

	if w.db != nil {
		if err := CloseDB(w.db, w.logger); err != nil {
			w.logger.Error("failed to close database", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("database close error: %w", err))
		}
	}

	if shutdownErr != nil {
		w.logger.Error("ingest worker shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	w.logger.Info("ingest worker shutdown completed successfully")
	return nil
}
