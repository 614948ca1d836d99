package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/hydro-ingest/internal/ingest"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingest queue worker",
	Long: `Run the queue worker that:
- Consumes ingest jobs from RabbitMQ
- Stores photos in S3-compatible object storage
- Persists readings to PostgreSQL and caches the latest per site in Redis`,
	PreRunE: bindWorkerFlags,
	RunE:    runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	// Worker-specific flags. The queue, database, cache, and storage
	// keys are shared with the server command.
	workerCmd.Flags().String("queue-url", "amqp://localhost:5672", "RabbitMQ URL")
	workerCmd.Flags().String("queue-name", "ingest-jobs", "RabbitMQ queue name for ingest jobs")
	workerCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	workerCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	workerCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	workerCmd.Flags().String("db-password", "", "PostgreSQL password")
	workerCmd.Flags().String("db-name", "hydro", "PostgreSQL database name")
	workerCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	workerCmd.Flags().String("redis-url", "redis://localhost:6379/0", "Redis URL")
	workerCmd.Flags().String("storage-endpoint", "", "S3-compatible storage endpoint")
	workerCmd.Flags().String("storage-region", "us-east-1", "S3 region")
	workerCmd.Flags().String("storage-bucket", "dam-photos", "S3 bucket for photos")
	workerCmd.Flags().String("storage-access-key", "", "S3 access key")
	workerCmd.Flags().String("storage-secret-key", "", "S3 secret key")
	workerCmd.Flags().Bool("storage-path-style", false, "Use path-style S3 addressing (MinIO)")
	workerCmd.Flags().String("photo-tz", "America/Vancouver", "IANA zone photo keys are rendered in")
}

// bindWorkerFlags binds flags to viper at run time, mirroring
// bindServerFlags.
func bindWorkerFlags(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
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
	_ = viper.BindPFlag("ingest.photo_tz", flags.Lookup("photo-tz"))
	return nil
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting ingest worker service")

	// Create worker configuration from viper
	config := &ingest.WorkerConfig{
		Logger:              logger,
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
		PhotoTZ:             viper.GetString("ingest.photo_tz"),
	}

	// Create and run worker
	worker, err := ingest.NewWorker(config)
	if err != nil {
		logger.Error("failed to create ingest worker", "error", err)
		return err
	}

	logger.Info("ingest worker configuration",
		"queue_name", config.QueueName,
		"db_host", config.DBHost,
		"db_name", config.DBName,
		"storage_bucket", config.StorageBucket,
	)

	if err := worker.Run(context.Background()); err != nil {
		logger.Error("ingest worker error", "error", err)
		return err
	}

	logger.Info("ingest worker stopped")
	return nil
}
