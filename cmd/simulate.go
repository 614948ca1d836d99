package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/hydro-ingest/internal/ingest"
	"procodus.dev/hydro-ingest/internal/simulator"
	"procodus.dev/hydro-ingest/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the submission simulator",
	Long: `Run the submission simulator that:
- Generates synthetic YDOC logger readings and photos
- Posts them to a running ingest server in varied payload shapes
- Optionally seeds the database with matching device fixtures`,
	PreRunE: bindSimulateFlags,
	RunE:    runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("target-url", "http://localhost:8080", "Base URL of the ingest server")
	simulateCmd.Flags().Int("device-count", 3, "Number of simulated logger devices")
	simulateCmd.Flags().Duration("interval", 10*time.Second, "Interval between submissions per device")
	simulateCmd.Flags().Bool("seed", false, "Insert client/site/device fixtures for the simulated devices")
	simulateCmd.Flags().String("db-host", "localhost", "PostgreSQL host (seeding only)")
	simulateCmd.Flags().Int("db-port", 5432, "PostgreSQL port (seeding only)")
	simulateCmd.Flags().String("db-user", "postgres", "PostgreSQL user (seeding only)")
	simulateCmd.Flags().String("db-password", "", "PostgreSQL password (seeding only)")
	simulateCmd.Flags().String("db-name", "hydro", "PostgreSQL database name (seeding only)")
	simulateCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode (seeding only)")
}

// bindSimulateFlags binds flags to viper at run time, mirroring
// bindServerFlags.
func bindSimulateFlags(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	_ = viper.BindPFlag("simulate.target_url", flags.Lookup("target-url"))
	_ = viper.BindPFlag("simulate.device_count", flags.Lookup("device-count"))
	_ = viper.BindPFlag("simulate.interval", flags.Lookup("interval"))
	_ = viper.BindPFlag("simulate.seed", flags.Lookup("seed"))
	_ = viper.BindPFlag("db.host", flags.Lookup("db-host"))
	_ = viper.BindPFlag("db.port", flags.Lookup("db-port"))
	_ = viper.BindPFlag("db.user", flags.Lookup("db-user"))
	_ = viper.BindPFlag("db.password", flags.Lookup("db-password"))
	_ = viper.BindPFlag("db.name", flags.Lookup("db-name"))
	_ = viper.BindPFlag("db.sslmode", flags.Lookup("db-sslmode"))
	return nil
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:      logger,
		TargetURL:   viper.GetString("simulate.target_url"),
		DeviceCount: viper.GetInt("simulate.device_count"),
		Interval:    viper.GetDuration("simulate.interval"),
		Metrics:     metrics.NewSimulatorMetrics("hydro"),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	if viper.GetBool("simulate.seed") {
		if err := seedDevices(logger, server.Devices()); err != nil {
			logger.Error("failed to seed devices", "error", err)
			return err
		}
	}

	logger.Info("simulator configuration",
		"target_url", config.TargetURL,
		"device_count", config.DeviceCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}

// seedDevices inserts fixtures for the simulated devices over a
// short-lived database connection.
func seedDevices(logger *slog.Logger, devices []*simulator.LoggerDevice) error {
	db, err := ingest.NewDB(&ingest.DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetInt("db.port"),
		User:     viper.GetString("db.user"),
		Password: viper.GetString("db.password"),
		DBName:   viper.GetString("db.name"),
		SSLMode:  viper.GetString("db.sslmode"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = ingest.CloseDB(db, logger) }()

	return simulator.Seed(db, logger, devices)
}
