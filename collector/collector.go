package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mjasion/balena-home/victron/decoder"
	"github.com/mjasion/balena-home/victron/scanner"
	"github.com/mjasion/balena-home/victron/status"
	"github.com/mjasion/balena-home/victron/types"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sink receives every decoded reading
type Sink interface {
	Name() string
	Publish(ctx context.Context, reading *types.SolarReading) error
}

// SessionRunner runs one bounded scan session
type SessionRunner interface {
	RunSession(ctx context.Context) (scanner.Session, error)
}

// StatsRecorder stores per-session scan counters
type StatsRecorder interface {
	Record(metric *types.MetricReading)
}

// Config describes the device and the scan schedule
type Config struct {
	Schedule   string
	DeviceName string
	Device     decoder.DeviceAddress
}

// Collector runs scan sessions on a cron schedule and fans the results out to sinks
type Collector struct {
	cfg       Config
	runner    SessionRunner
	sinks     []Sink
	stats     StatsRecorder
	indicator status.Indicator
	logger    *zap.Logger

	cron *cron.Cron

	tracer       trace.Tracer
	sessions     metric.Int64Counter
	decoded      metric.Int64Counter
	sinkFailures metric.Int64Counter

	mu   sync.RWMutex
	last *types.SolarReading
}

// New creates a collector. stats may be nil.
func New(cfg Config, runner SessionRunner, sinks []Sink, stats StatsRecorder, indicator status.Indicator, logger *zap.Logger) (*Collector, error) {
	meter := otel.Meter("collector")

	sessions, err := meter.Int64Counter("solar.scan.sessions",
		metric.WithDescription("Number of BLE scan sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}
	decoded, err := meter.Int64Counter("solar.measurements.decoded",
		metric.WithDescription("Number of scan sessions that produced a measurement"))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoded counter: %w", err)
	}
	sinkFailures, err := meter.Int64Counter("solar.sink.failures",
		metric.WithDescription("Number of failed sink publishes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sink failures counter: %w", err)
	}

	if indicator == nil {
		indicator = status.Noop{}
	}

	return &Collector{
		cfg:          cfg,
		runner:       runner,
		sinks:        sinks,
		stats:        stats,
		indicator:    indicator,
		logger:       logger,
		tracer:       otel.Tracer("collector"),
		sessions:     sessions,
		decoded:      decoded,
		sinkFailures: sinkFailures,
	}, nil
}

// Start schedules RunCycle. A cycle still running when the next one is due is skipped.
func (c *Collector) Start(ctx context.Context) error {
	c.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(c.logger))),
	))

	_, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		if err := c.RunCycle(ctx); err != nil {
			c.logger.Error("scan cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", c.cfg.Schedule, err)
	}

	c.logger.Info("starting collector",
		zap.String("schedule", c.cfg.Schedule),
		zap.String("device_name", c.cfg.DeviceName),
		zap.Int("sink_count", len(c.sinks)),
	)
	c.cron.Start()
	return nil
}

// Stop waits for a running cycle to finish
func (c *Collector) Stop() {
	if c.cron == nil {
		return
	}
	c.logger.Info("stopping collector")
	<-c.cron.Stop().Done()
}

// RunCycle runs one scan session and publishes its measurement
func (c *Collector) RunCycle(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "collector.RunCycle",
		trace.WithAttributes(attribute.String("device.mac", c.cfg.Device.String())),
	)
	defer span.End()

	session, err := c.runner.RunSession(ctx)
	c.sessions.Add(ctx, 1)
	c.recordStats(session.Stats)
	span.SetAttributes(
		attribute.Int("scan.matched", session.Stats.Matched),
		attribute.Int("scan.duplicates", session.Stats.Duplicates),
		attribute.Int("scan.malformed", session.Stats.Malformed),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		c.indicator.Blink(ctx, status.CodeRadio)
		return err
	}

	if !session.Found {
		c.logger.Warn("no data from device, not in range?",
			zap.String("device_name", c.cfg.DeviceName),
			zap.Stringer("mac", c.cfg.Device),
		)
		span.SetStatus(codes.Ok, "no measurement")
		c.indicator.Blink(ctx, status.CodeRadio)
		return nil
	}
	c.decoded.Add(ctx, 1)

	reading := &types.SolarReading{
		Timestamp:   session.SeenAt,
		MAC:         c.cfg.Device.String(),
		DeviceName:  c.cfg.DeviceName,
		RSSI:        session.RSSI,
		Measurement: session.Measurement,
	}
	c.mu.Lock()
	c.last = reading
	c.mu.Unlock()

	m := reading.Measurement
	c.logger.Info("solar_reading",
		zap.String("device_name", reading.DeviceName),
		zap.String("mac", reading.MAC),
		zap.Stringer("device_state", m.DeviceState),
		zap.Uint8("charger_error", m.ChargerError),
		zap.Float64("batt_voltage", m.BatteryVoltage),
		zap.Float64("batt_current", m.BatteryCurrent),
		zap.Float64("yield_today", m.YieldToday),
		zap.Float64("pv_power", m.PVPower),
		zap.Int16("rssi_dbm", reading.RSSI),
	)

	var errs []error
	for _, sink := range c.sinks {
		if err := sink.Publish(ctx, reading); err != nil {
			c.logger.Error("failed to publish reading",
				zap.String("sink", sink.Name()),
				zap.Error(err),
			)
			c.sinkFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink.Name())))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink publish failed")
		c.indicator.Blink(ctx, status.CodeBroker)
		return err
	}

	span.SetStatus(codes.Ok, "measurement published")
	c.indicator.OK()
	return nil
}

func (c *Collector) recordStats(stats decoder.Stats) {
	if c.stats == nil {
		return
	}

	now := time.Now()
	labels := map[string]string{
		"device_name": c.cfg.DeviceName,
		"mac":         c.cfg.Device.String(),
	}
	for _, s := range []struct {
		name  string
		value int
	}{
		{"solar_scan_matched", stats.Matched},
		{"solar_scan_duplicates", stats.Duplicates},
		{"solar_scan_malformed", stats.Malformed},
		{"solar_scan_decoded", stats.Decoded},
	} {
		c.stats.Record(&types.MetricReading{
			Timestamp: now,
			Name:      s.name,
			Value:     float64(s.value),
			Labels:    labels,
		})
	}
}

// LastReading returns the most recent published reading
func (c *Collector) LastReading() (*types.SolarReading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last != nil
}

// LastReadingTime returns when the device was last decoded, zero if never
func (c *Collector) LastReadingTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return time.Time{}
	}
	return c.last.Timestamp
}
