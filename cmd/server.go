package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/hydro-ingest/internal/ingest"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ingest HTTP server",
	Long: `Run the ingest HTTP server that:
- Accepts dam telemetry submissions on POST /api/ingest
- Authenticates devices by bearer token and optional HMAC signature
- Stores photos in S3-compatible object storage
- Persists readings to PostgreSQL and caches the latest per site in Redis
- Optionally defers processing to a RabbitMQ-backed worker`,
	PreRunE: bindServerFlags,
	RunE:    runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().Int("port", 8080, "HTTP server port")
	serverCmd.Flags().Int("max-body-mb", 25, "Maximum request body size in MB")
	serverCmd.Flags().Int("max-photo-mb", 20, "Maximum photo size in MB")
	serverCmd.Flags().Bool("queue-enabled", false, "Enqueue submissions instead of processing inline")
	serverCmd.Flags().String("queue-url", "amqp://localhost:5672", "RabbitMQ URL")
	serverCmd.Flags().String("queue-name", "ingest-jobs", "RabbitMQ queue name for ingest jobs")
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "hydro", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("redis-url", "redis://localhost:6379/0", "Redis URL")
	serverCmd.Flags().String("storage-endpoint", "", "S3-compatible storage endpoint")
	serverCmd.Flags().String("storage-region", "us-east-1", "S3 region")
	serverCmd.Flags().String("storage-bucket", "dam-photos", "S3 bucket for photos")
	serverCmd.Flags().String("storage-access-key", "", "S3 access key")
	serverCmd.Flags().String("storage-secret-key", "", "S3 secret key")
	serverCmd.Flags().Bool("storage-path-style", false, "Use path-style S3 addressing (MinIO)")
	serverCmd.Flags().String("hmac-master-key", "", "Base64 master key for device HMAC secret decryption")
	serverCmd.Flags().String("hmac-algo", "sha256", "HMAC algorithm (sha256, sha512)")
	serverCmd.Flags().String("default-client", "metrovancouver", "Default client slug for unlabelled submissions (empty disables)")
	serverCmd.Flags().String("default-site", "coquitlam", "Default site slug for unlabelled submissions")
	serverCmd.Flags().String("default-serial", "ML-417ADS-125638581", "Default YDOC serial for unlabelled submissions")
	serverCmd.Flags().String("photo-tz", "America/Vancouver", "IANA zone photo keys are rendered in")
}

// bindServerFlags binds flags to viper. Binding happens at run time
// rather than init so commands can share config keys like db.host
// without clobbering each other's flag bindings.
func bindServerFlags(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	_ = viper.BindPFlag("server.port", flags.Lookup("port"))
	_ = viper.BindPFlag("server.max_body_mb", flags.Lookup("max-body-mb"))
	_ = viper.BindPFlag("server.max_photo_mb", flags.Lookup("max-photo-mb"))
	_ = viper.BindPFlag("queue.enabled", flags.Lookup("queue-enabled"))
	_ = viper.BindPFlag("queue.url", flags.Lookup("queue-url"))
	_ = viper.BindPFlag("queue.name", flags.Lookup("queue-name"))
	_ = viper.BindPFlag("db.host", flags.Lookup("db-host"))
	_ = viper.BindPFlag("db.port", flags.Lookup("db-port"))
	_ = viper.BindPFlag("db.user", flags.Lookup("db-user"))
	_ = viper.BindPFlag("db.password", flags.Lookup("db-password"))
	_ = viper.BindPFlag("db.name", flags.Lookup("db-name"))
	_ = viper.BindPFlag("db.sslmode", flags.Lookup("db-sslmode"))
	_ = viper.BindPFlag("redis.url", flags.Lookup("redis-url"))
	_ = viper.BindPFlag("storage.endpoint", flags.Lookup("storage-endpoint"))
	_ = viper.BindPFlag("storage.region", flags.Lookup("storage-region"))
	_ = viper.BindPFlag("storage.bucket", flags.Lookup("storage-bucket"))
	_ = viper.BindPFlag("storage.access_key", flags.Lookup("storage-access-key"))
	_ = viper.BindPFlag("storage.secret_key", flags.Lookup("storage-secret-key"))
	_ = viper.BindPFlag("storage.path_style", flags.Lookup("storage-path-style"))
	_ = viper.BindPFlag("hmac.master_key_base64", flags.Lookup("hmac-master-key"))
	_ = viper.BindPFlag("hmac.algo", flags.Lookup("hmac-algo"))
	_ = viper.BindPFlag("ingest.default_client_slug", flags.Lookup("default-client"))
	_ = viper.BindPFlag("ingest.default_site_slug", flags.Lookup("default-site"))
	_ = viper.BindPFlag("ingest.default_ydoc_serial", flags.Lookup("default-serial"))
	_ = viper.BindPFlag("ingest.photo_tz", flags.Lookup("photo-tz"))
	return nil
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting ingest server service")

	// Create server configuration from viper
	config := &ingest.ServerConfig{
		Logger:              logger,
		Port:                viper.GetInt("server.port"),
		MaxBodyMB:           viper.GetInt("server.max_body_mb"),
		MaxPhotoMB:          viper.GetInt("server.max_photo_mb"),
		QueueEnabled:        viper.GetBool("queue.enabled"),
		QueueURL:            viper.GetString("queue.url"),
		QueueName:           viper.GetString("queue.name"),
		DBHost:              viper.GetString("db.host"),
		DBPort:              viper.GetInt("db.port"),
		DBUser:              viper.GetString("db.user"),
		DBPassword:          viper.GetString("db.password"),
		DBName:              viper.GetString("db.name"),
		DBSSLMode:           viper.GetString("db.sslmode"),
		RedisURL:            viper.GetString("redis.url"),
		StorageEndpoint:     viper.GetString("storage.endpoint"),
		StorageRegion:       viper.GetString("storage.region"),
		StorageBucket:       viper.GetString("storage.bucket"),
		StorageAccessKey:    viper.GetString("storage.access_key"),
		StorageSecretKey:    viper.GetString("storage.secret_key"),
		StorageUsePathStyle: viper.GetBool("storage.path_style"),
		HMACMasterKeyBase64: viper.GetString("hmac.master_key_base64"),
		HMACAlgo:            viper.GetString("hmac.algo"),
		DefaultClientSlug:   viper.GetString("ingest.default_client_slug"),
		DefaultSiteSlug:     viper.GetString("ingest.default_site_slug"),
		DefaultYdocSerial:   viper.GetString("ingest.default_ydoc_serial"),
		PhotoTZ:             viper.GetString("ingest.photo_tz"),
	}

	// Create and run server
	server, err := ingest.NewServer(config)
	if err != nil {
		logger.Error("failed to create ingest server", "error", err)
		return err
	}

	logger.Info("ingest server configuration",
		"port", config.Port,
		"queue_enabled", config.QueueEnabled,
		"db_host", config.DBHost,
		"db_name", config.DBName,
		"storage_bucket", config.StorageBucket,
		"photo_tz", config.PhotoTZ,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("ingest server error", "error", err)
		return err
	}

	logger.Info("ingest server stopped")
	return nil
}
