package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"procodus.dev/hydro-ingest/pkg/metrics"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// TargetURL is the base URL of the ingest server
	TargetURL string
	// DeviceCount is the number of concurrent simulated loggers
	DeviceCount int
	// Interval is the time between submissions per device
	Interval time.Duration
	// Devices overrides the generated device set (used after seeding)
	Devices []*LoggerDevice
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
}

// Server manages multiple simulated logger devices.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	devices    []*LoggerDevice
	generators []*LevelGenerator
	httpClient *http.Client
	wg         sync.WaitGroup
	metrics    *metrics.SimulatorMetrics
}

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.TargetURL == "" {
		return nil, fmt.Errorf("target URL is required")
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be greater than 0")
	}

	devices := cfg.Devices
	if len(devices) == 0 {
		if cfg.DeviceCount <= 0 {
			return nil, fmt.Errorf("device count must be greater than 0")
		}
		devices = make([]*LoggerDevice, 0, cfg.DeviceCount)
		for range cfg.DeviceCount {
			devices = append(devices, NewLoggerDevice())
		}
	}

	generators := make([]*LevelGenerator, len(devices))
	for i := range devices {
		generators[i] = NewLevelGenerator()
	}

	return &Server{
		logger:     cfg.Logger,
		config:     cfg,
		devices:    devices,
		generators: generators,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		metrics:    cfg.Metrics,
	}, nil
}

// Devices returns the simulated device set, e.g. for seeding fixtures.
func (s *Server) Devices() []*LoggerDevice {
	return s.devices
}

// Run starts all device loops and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	for i := range s.devices {
		s.wg.Add(1)
		go s.runDevice(ctx, i)
	}

	s.logger.Info("simulator started",
		"device_count", len(s.devices),
		"interval", s.config.Interval,
		"target", s.config.TargetURL,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for devices to shut down...")
	s.wg.Wait()

	s.logger.Info("simulator stopped")
	return nil
}

// runDevice runs a single device loop, submitting readings at the
// configured interval.
func (s *Server) runDevice(ctx context.Context, id int) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveDevices.Inc()
		defer s.metrics.ActiveDevices.Dec()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	device := s.devices[id]
	gen := s.generators[id]
	deviceLogger := s.logger.With(
		slog.Int("device_id", id),
		slog.String("site_slug", device.SiteSlug),
	)
	deviceLogger.Info("device started", "ydoc_serial", device.YdocSerial)

	for {
		select {
		case <-ctx.Done():
			deviceLogger.Info("device shutting down")
			return

		case <-ticker.C:
			shape, err := s.submit(ctx, device, gen.GenerateReading(time.Now()))
			if err != nil {
				deviceLogger.Error("submission failed", "shape", shape, "error", err)
				if s.metrics != nil {
					s.metrics.SubmissionFailures.WithLabelValues("http_error").Inc()
				}
				continue
			}

			if s.metrics != nil {
				s.metrics.SubmissionsSent.WithLabelValues(shape).Inc()
			}
			deviceLogger.Debug("submission sent", "shape", shape)
		}
	}
}

// payload shapes exercised by the simulator, mirroring what real
// loggers have been observed to send.
var shapes = []string{"canonical", "quoted", "value_alias", "data_rows", "photo"}

// submit sends one reading using a randomly chosen payload shape.
func (s *Server) submit(ctx context.Context, device *LoggerDevice, reading *Reading) (string, error) {
	ts := time.Now().UTC().Format(time.RFC3339)
	shape := shapes[rand.Intn(len(shapes))] // #nosec G404 - weak random is acceptable for simulation

	var (
		req *http.Request
		err error
	)
	switch shape {
	case "photo":
		req, err = s.photoRequest(ctx, device)
	default:
		req, err = s.jsonRequest(ctx, device, reading, ts, shape)
	}
	if err != nil {
		return shape, err
	}

	req.Header.Set("Authorization", "Bearer "+device.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return shape, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return shape, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return shape, nil
}

// jsonRequest builds a JSON submission in the requested shape.
func (s *Server) jsonRequest(ctx context.Context, device *LoggerDevice, reading *Reading, ts, shape string) (*http.Request, error) {
	body := map[string]any{
		"client_slug": device.ClientSlug,
		"site_slug":   device.SiteSlug,
		"ydoc_serial": device.YdocSerial,
		"ts":          ts,
	}

	switch shape {
	case "quoted":
		// firmware that stringifies every number
		body["level_m"] = strconv.FormatFloat(reading.LevelM, 'f', 3, 64)
		body["battery_v"] = strconv.FormatFloat(reading.BatteryV, 'f', 2, 64)
		body["temp_c"] = strconv.FormatFloat(reading.TempC, 'f', 2, 64)
	case "value_alias":
		body["value"] = reading.LevelM
		body["battery_v"] = reading.BatteryV
	case "data_rows":
		body["data"] = []map[string]any{{"AIN": reading.LevelM}}
		body["battery_v"] = reading.BatteryV
		body["temp_c"] = reading.TempC
	default:
		body["level_m"] = reading.LevelM
		body["battery_v"] = reading.BatteryV
		body["temp_c"] = reading.TempC
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.TargetURL+"/api/ingest", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// photoRequest builds a raw JPEG submission. Loggers sending camera
// frames carry their identity in query parameters because the body is
// the image itself.
func (s *Server) photoRequest(ctx context.Context, device *LoggerDevice) (*http.Request, error) {
	q := url.Values{}
	q.Set("client_slug", device.ClientSlug)
	q.Set("site_slug", device.SiteSlug)
	q.Set("ydoc_serial", device.YdocSerial)

	target := s.config.TargetURL + "/api/ingest?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(gofakeit.ImageJpeg(160, 120)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	return req, nil
}
