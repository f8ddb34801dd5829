package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mjasion/balena-home/victron/buffer"
	"github.com/mjasion/balena-home/victron/collector"
	"github.com/mjasion/balena-home/victron/config"
	"github.com/mjasion/balena-home/victron/decoder"
	"github.com/mjasion/balena-home/victron/influx"
	"github.com/mjasion/balena-home/victron/metrics"
	"github.com/mjasion/balena-home/victron/mqtt"
	"github.com/mjasion/balena-home/victron/profiling"
	"github.com/mjasion/balena-home/victron/scanner"
	"github.com/mjasion/balena-home/victron/status"
	"github.com/mjasion/balena-home/victron/telemetry"
	"github.com/mjasion/balena-home/victron/types"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	discover := flag.Bool("discover", false, "List nearby Victron devices and exit")
	flag.Parse()

	if *discover {
		os.Exit(runDiscovery())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting Victron solar charger bridge")
	cfg.PrintConfig(logger)

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Error("failed to initialize profiler", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		}
	}()

	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Validate already checked both values
	address, _ := decoder.ParseAddress(cfg.Device.MACAddress)
	key, _ := decoder.ParseKey(cfg.Device.Key)

	var indicator status.Indicator = status.Noop{}
	if cfg.Status.Enabled {
		led, err := status.Open(cfg.Status.Pin, logger)
		if err != nil {
			logger.Warn("status LED unavailable", zap.String("pin", cfg.Status.Pin), zap.Error(err))
		} else {
			indicator = led
			defer led.Off()
		}
	}

	var (
		sinks  []collector.Sink
		stats  collector.StatsRecorder
		pusher *metrics.Pusher
		wg     sync.WaitGroup
	)

	if cfg.MQTT.Enabled {
		publisher := mqtt.New(cfg.MQTT, address, logger)
		if err := publisher.Connect(ctx); err != nil {
			// The client keeps retrying in the background
			logger.Warn("MQTT broker not reachable yet", zap.Error(err))
			indicator.Blink(ctx, status.CodeNetwork)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	var ringBuffer *buffer.RingBuffer[*types.Reading]
	if cfg.Prometheus.Enabled {
		ringBuffer = buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)
		logger.Info("ring buffer created", zap.Int("capacity", cfg.Prometheus.BufferSize))

		pusher = metrics.New(metrics.Config{
			URL:             cfg.Prometheus.URL,
			Username:        cfg.Prometheus.Username,
			Password:        cfg.Prometheus.Password,
			PushIntervalSec: cfg.Prometheus.PushIntervalSeconds,
			BatchSize:       cfg.Prometheus.BatchSize,
			TimeSeriesBuilder: metrics.CombineBuilders(
				metrics.BuildSolarTimeSeries,
				metrics.BuildMetricTimeSeries,
			),
		}, ringBuffer, logger)
		logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))

		bufferSink := metrics.NewBufferSink(ringBuffer)
		sinks = append(sinks, bufferSink)
		stats = bufferSink

		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Start(ctx)
		}()
	}

	influxWriter, err := influx.Connect(ctx, cfg.InfluxDB, logger)
	switch {
	case errors.Is(err, influx.ErrDisabled):
		logger.Info("influxdb output disabled")
	case err != nil:
		logger.Error("failed to connect to InfluxDB", zap.Error(err))
		indicator.Blink(ctx, status.CodeNetwork)
	default:
		defer influxWriter.Close()
		sinks = append(sinks, influxWriter)
	}

	if len(sinks) == 0 {
		logger.Warn("no sinks configured, readings will only be logged")
	}

	pipeline := decoder.NewPipeline(address, key)
	bleScanner := scanner.New(scanner.NewBLESource(logger), pipeline, cfg.ScanWindow(), logger)

	coll, err := collector.New(collector.Config{
		Schedule:   cfg.Scan.Schedule,
		DeviceName: cfg.Device.Name,
		Device:     address,
	}, bleScanner, sinks, stats, indicator, logger)
	if err != nil {
		logger.Error("failed to create collector", zap.Error(err))
		os.Exit(1)
	}
	if err := coll.Start(ctx); err != nil {
		logger.Error("failed to start collector", zap.Error(err))
		os.Exit(1)
	}

	var healthChecker *metrics.HealthChecker
	if cfg.Health.Enabled {
		staleness := cfg.HealthStaleness(time.Now())
		logger.Info("health staleness derived from scan schedule",
			zap.String("schedule", cfg.Scan.Schedule),
			zap.Duration("staleness", staleness),
		)
		healthChecker = metrics.NewHealthChecker(coll, pusher, staleness, cfg.Health.Port, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthChecker.Start(); err != nil {
				logger.Error("health check server failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()
	coll.Stop()

	if healthChecker != nil {
		if err := healthChecker.Stop(); err != nil {
			logger.Error("failed to stop health check server", zap.Error(err))
		}
	}

	if pusher != nil {
		logger.Info("performing final metrics push")
		readings := ringBuffer.GetAllAndClear()
		if len(readings) > 0 {
			finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer finalCancel()

			if err := pusher.Push(finalCtx, readings); err != nil {
				logger.Error("failed final metrics push", zap.Error(err))
			} else {
				logger.Info("final metrics push successful", zap.Int("reading_count", len(readings)))
			}
		}
	}

	logger.Info("waiting for goroutines to finish")
	wg.Wait()

	logger.Info("Victron solar charger bridge stopped")
}

func runDiscovery() int {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, err := scanner.Discover(ctx, scanner.NewBLESource(logger), 15*time.Second, logger)
	if err != nil {
		logger.Error("discovery failed", zap.Error(err))
		return 1
	}

	for _, d := range devices {
		fmt.Printf("%s  %4d dBm  %s\n", d.Address, d.RSSI, scanner.SignalStrength(d.RSSI))
	}
	return 0
}
