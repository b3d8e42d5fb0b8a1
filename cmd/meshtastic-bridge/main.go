// Package main implements the entry point for the bridge. It connects
// the configured brokers and radios, assembles the packet pipelines,
// and feeds every received packet through the pipelines bound to its
// radio.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/black-roland/meshtastic-bridge/broker"
	"github.com/black-roland/meshtastic-bridge/config"
	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/health"
	"github.com/black-roland/meshtastic-bridge/metric"
	"github.com/black-roland/meshtastic-bridge/output/aprs"
	"github.com/black-roland/meshtastic-bridge/pipeline"
	"github.com/black-roland/meshtastic-bridge/stage"
)

const (
	// Version is the build version (set by build)
	Version = "0.1.0"
	appName = "meshtastic-bridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Bridge failed", "error", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flags.
type cliFlags struct {
	configPath  string
	logFormat   string
	validate    bool
	showVersion bool
}

func parseFlags() *cliFlags {
	flags := &cliFlags{}

	flag.StringVar(&flags.configPath, "config", "bridge.json", "Path to the bridge configuration file")
	flag.StringVar(&flags.logFormat, "log-format", "text", "Log output format: text or json")
	flag.BoolVar(&flags.validate, "validate", false, "Validate the configuration and exit")
	flag.BoolVar(&flags.showVersion, "version", false, "Show version information")
	flag.Parse()

	return flags
}

func run() error {
	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	// Secrets referenced by the config come from the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg, err := config.NewLoader().LoadFile(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if flags.validate {
		slog.Info("Configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.SlogLevel(), flags.logFormat)
	slog.SetDefault(logger)

	logger.Info("Starting bridge", "version", Version, "config_path", flags.configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := metric.NewRegistry()
	monitor := health.NewMonitor()
	stopMetrics := startMetricsServer(cfg.Metrics, metrics, monitor, logger)
	defer stopMetrics()

	brokers, err := connectBrokers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBrokers(brokers)

	for name, client := range brokers {
		monitor.Register("broker:"+name, brokerCheck(client))
	}

	devices, err := attachDevices(cfg, brokers, logger)
	if err != nil {
		return err
	}

	pipelines, err := assemblePipelines(cfg, brokers, devices, metrics, logger)
	if err != nil {
		return err
	}

	if err := startReceiving(ctx, cfg, devices, pipelines, logger); err != nil {
		return err
	}
	defer stopDevices(devices)

	for name := range devices {
		monitor.Register("device:"+name, func() health.Status {
			return health.NewHealthy("", "listening")
		})
	}

	logger.Info("Bridge running", "devices", len(devices), "pipelines", len(pipelines))
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	return nil
}

// connectBrokers connects every configured broker. A broker that cannot
// be reached at startup is a hard error; reconnects after that are the
// client's business.
func connectBrokers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Registry, error) {
	brokers := make(broker.Registry, len(cfg.Brokers))

	for name, brokerCfg := range cfg.Brokers {
		client := broker.NewClient(name, brokerCfg, logger)

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := client.Connect(connectCtx, brokerCfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect broker %q: %w", name, err)
		}

		brokers[name] = client
	}

	return brokers, nil
}

func closeBrokers(brokers broker.Registry) {
	for _, client := range brokers {
		client.Close()
	}
}

// attachDevices builds the device registry. Radios attach through a
// broker subject pair; a device without a broker is configuration for
// a transport this build does not carry.
func attachDevices(cfg *config.Config, brokers broker.Registry, logger *slog.Logger) (device.Registry, error) {
	devices := make(device.Registry, len(cfg.Devices))

	for name, deviceCfg := range cfg.Devices {
		if deviceCfg.Broker == "" {
			logger.Warn("Device has no broker attachment, skipping",
				"device", name, "transport", deviceCfg.Transport())
			continue
		}

		client := brokers.Get(deviceCfg.Broker)
		devices[name] = device.NewRemote(name, deviceCfg.NodeNum, client, deviceCfg.Topic, logger)
	}

	return devices, nil
}

// assemblePipelines builds every configured pipeline against the full
// stage registry. The first broker-attached radio serves as the local
// radio for stages that need one.
func assemblePipelines(
	cfg *config.Config,
	brokers broker.Registry,
	devices device.Registry,
	metrics *metric.Registry,
	logger *slog.Logger,
) (map[string]*pipeline.Pipeline, error) {
	registry := pipeline.NewRegistry()
	if err := stage.Register(registry, aprs.NewConnCache(nil, logger)); err != nil {
		return nil, fmt.Errorf("register stages: %w", err)
	}

	deps := pipeline.Deps{
		Devices: devices,
		Brokers: brokers,
		Radio:   localRadio(cfg, devices),
		Logger:  logger,
		Metrics: metrics,
	}

	pipelines := make(map[string]*pipeline.Pipeline, len(cfg.Pipelines))
	for name, stages := range cfg.Pipelines {
		pl, err := pipeline.New(name, stages, registry, deps)
		if err != nil {
			return nil, fmt.Errorf("assemble pipeline %q: %w", name, err)
		}
		pipelines[name] = pl
	}

	return pipelines, nil
}

// localRadio picks the radio that represents this bridge node: the
// device named "local" when present, otherwise any attached radio.
func localRadio(cfg *config.Config, devices device.Registry) device.Device {
	if radio, ok := devices["local"]; ok {
		return radio
	}
	for _, radio := range devices {
		return radio
	}
	return nil
}

// startReceiving subscribes every attached radio and runs its bound
// pipelines for each received packet.
func startReceiving(
	ctx context.Context,
	cfg *config.Config,
	devices device.Registry,
	pipelines map[string]*pipeline.Pipeline,
	logger *slog.Logger,
) error {
	for name, dev := range devices {
		remote, ok := dev.(*device.Remote)
		if !ok {
			continue
		}

		bound := make([]*pipeline.Pipeline, 0, len(cfg.Devices[name].Pipelines))
		for _, pipelineName := range cfg.Devices[name].Pipelines {
			bound = append(bound, pipelines[pipelineName])
		}

		if len(bound) == 0 {
			logger.Warn("Device has no pipelines bound", "device", name)
		}

		if err := remote.Start(func(data []byte) {
			for _, pl := range bound {
				if _, err := pl.Run(ctx, data); err != nil {
					logger.Error("Pipeline run failed", "pipeline", pl.Name(), "error", err)
				}
			}
		}); err != nil {
			return fmt.Errorf("start device %q: %w", name, err)
		}
	}

	return nil
}

func stopDevices(devices device.Registry) {
	for _, dev := range devices {
		if remote, ok := dev.(*device.Remote); ok {
			remote.Stop()
		}
	}
}

// brokerCheck reports a broker's connection state for the health
// endpoint.
func brokerCheck(client *broker.Client) health.Check {
	return func() health.Status {
		if client.IsConnected() {
			return health.NewHealthy("", "connected")
		}
		return health.NewUnhealthy("", "not connected")
	}
}

// startMetricsServer exposes the metrics and health endpoints when
// enabled. The returned function shuts the server down.
func startMetricsServer(cfg config.MetricsConfig, metrics *metric.Registry, monitor *health.Monitor, logger *slog.Logger) func() {
	if !cfg.Enabled {
		return func() {}
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", health.Handler(monitor))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}
