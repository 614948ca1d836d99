package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/hydro-ingest/pkg/cache"
	"procodus.dev/hydro-ingest/pkg/metrics"
	"procodus.dev/hydro-ingest/pkg/mq"
	"procodus.dev/hydro-ingest/pkg/objstore"
)

// ServerConfig holds the configuration for the ingest Server.
type ServerConfig struct {
	Logger *slog.Logger

	// HTTP configuration
	Port       int
	MaxBodyMB  int
	MaxPhotoMB int

	// Queue configuration. When QueueEnabled the handler acknowledges
	// submissions as "queued" and a separate worker drains the queue.
	QueueEnabled bool
	QueueURL     string
	QueueName    string

	// Database configuration
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Cache configuration
	RedisURL string

	// Object storage configuration
	StorageEndpoint     string
	StorageRegion       string
	StorageBucket       string
	StorageAccessKey    string
	StorageSecretKey    string
	StorageUsePathStyle bool

	// HMAC configuration
	HMACMasterKeyBase64 string
	HMACAlgo            string

	// Default identity for unlabelled traffic; empty disables it.
	DefaultClientSlug string
	DefaultSiteSlug   string
	DefaultYdocSerial string

	// PhotoTZ is the IANA zone photo keys are rendered in.
	PhotoTZ string
}

// Server is the ingestion HTTP server. It owns the database, cache,
// object store, and (when queueing is enabled) the MQ client.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	cache      *cache.Cache
	mqClient   *mq.Client
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Port <= 0 {
		return nil, errors.New("port must be positive")
	}

	if cfg.MaxBodyMB <= 0 || cfg.MaxPhotoMB <= 0 {
		return nil, errors.New("body and photo size limits must be positive")
	}

	if cfg.QueueEnabled && (cfg.QueueURL == "" || cfg.QueueName == "") {
		return nil, errors.New("queue URL and queue name are required when queueing is enabled")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("redis URL cannot be empty")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the ingest server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting ingest server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	latestCache, err := cache.New(&cache.Config{
		Logger: s.logger,
		URL:    s.config.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	s.cache = latestCache

	handler, err := s.buildHandler(latestCache)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ingest", handler.ServeIngest)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("ingest server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// buildHandler wires the normalizer, authenticator, and either the
// queue client or the inline pipeline into the ingest handler.
func (s *Server) buildHandler(latestCache *cache.Cache) (*Handler, error) {
	repo, err := NewGormRepository(s.db)
	if err != nil {
		return nil, err
	}

	masterKey, err := decodeMasterKey(s.config.HMACMasterKeyBase64)
	if err != nil {
		return nil, err
	}

	auth, err := NewAuthenticator(&AuthenticatorConfig{
		Logger:    s.logger,
		Devices:   repo,
		MasterKey: masterKey,
		Algo:      s.config.HMACAlgo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	normalizer := NewNormalizer(DefaultIdentity{
		ClientSlug: s.config.DefaultClientSlug,
		SiteSlug:   s.config.DefaultSiteSlug,
		YdocSerial: s.config.DefaultYdocSerial,
	})

	ingestMetrics := metrics.NewIngestMetrics("hydro")

	handlerCfg := &HandlerConfig{
		Logger:        s.logger,
		Normalizer:    normalizer,
		Auth:          auth,
		MaxBodyBytes:  int64(s.config.MaxBodyMB) * 1024 * 1024,
		MaxPhotoBytes: int64(s.config.MaxPhotoMB) * 1024 * 1024,
		Metrics:       ingestMetrics,
	}

	if s.config.QueueEnabled {
		mqClient := mq.New(s.config.QueueName, s.config.QueueURL, s.logger)
		mqClient.SetMetrics(metrics.NewMQMetrics("hydro"))
		s.mqClient = mqClient
		handlerCfg.Queue = mqClient
	} else {
		loc, err := time.LoadLocation(s.config.PhotoTZ)
		if err != nil {
			return nil, fmt.Errorf("invalid photo time zone %q: %w", s.config.PhotoTZ, err)
		}

		photos, err := objstore.New(&objstore.Config{
			Logger:       s.logger,
			Endpoint:     s.config.StorageEndpoint,
			Region:       s.config.StorageRegion,
			Bucket:       s.config.StorageBucket,
			AccessKey:    s.config.StorageAccessKey,
			SecretKey:    s.config.StorageSecretKey,
			UsePathStyle: s.config.StorageUsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize object store: %w", err)
		}

		pipeline, err := NewPipeline(&PipelineConfig{
			Logger:  s.logger,
			Repo:    repo,
			Photos:  photos,
			Latest:  latestCache,
			PhotoTZ: loc,
			Metrics: ingestMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
		}
		handlerCfg.Processor = pipeline
	}

	return NewHandler(handlerCfg)
}

// handleHealthz reports healthy only when both the durable store and
// the cache respond.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ok := PingDB(ctx, s.db) == nil && s.cache.Ping(ctx) == nil

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// handleReadyz is a plain process-up check.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ready":true}`))
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down ingest server")

	var shutdownErr error

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		s.logger.Info("HTTP server stopped")
	}

	if s.mqClient != nil {
		s.logger.Info("closing MQ client")
		if err := s.mqClient.Close(); err != nil {
			s.logger.Error("failed to close MQ client", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("mq client close error: %w", err))
		}
	}

	if s.cache != nil {
		s.logger.Info("closing cache connection")
		if err := s.cache.Close(); err != nil {
			s.logger.Error("failed to close cache", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("cache close error: %w", err))
		}
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			shutdownErr = joinShutdownErr(shutdownErr, fmt.Errorf("database close error: %w", err))
		}
	}

	if shutdownErr != nil {
		s.logger.Error("ingest server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("ingest server shutdown completed successfully")
	return nil
}

// decodeMasterKey decodes the base64 HMAC master key. Empty is allowed
// and disables signature verification server-side (signed submissions
// then fail closed).
func decodeMasterKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid HMAC master key: %w", err)
	}
	return key, nil
}

func joinShutdownErr(existing, next error) error {
	if existing == nil {
		return next
	}
	return fmt.Errorf("%w; %w", existing, next)
}
