package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/mjasion/balena-home/victron/config"
	"github.com/mjasion/balena-home/victron/types"
	"go.uber.org/zap"
)

const defaultPingTimeout = 5 * time.Second

var (
	// ErrDisabled is returned by Connect when InfluxDB output is turned off
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed is returned when the server cannot be reached
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Writer batches solar measurements into InfluxDB
type Writer struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	logger      *zap.Logger
}

// Connect pings the server and starts the non-blocking write API
func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(cfg.FlushIntervalMs),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	logger.Info("connected to InfluxDB",
		zap.String("url", cfg.URL),
		zap.String("org", cfg.Org),
		zap.String("bucket", cfg.Bucket),
	)

	w := newWriter(client.WriteAPI(cfg.Org, cfg.Bucket), cfg.Measurement, logger)
	w.client = client
	return w, nil
}

func newWriter(writeAPI api.WriteAPI, measurement string, logger *zap.Logger) *Writer {
	w := &Writer{
		writeAPI:    writeAPI,
		measurement: measurement,
		logger:      logger,
	}
	go w.handleWriteErrors(writeAPI.Errors())
	return w
}

// Write errors surface asynchronously from the batching goroutine
func (w *Writer) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		w.logger.Error("influxdb write failed", zap.Error(err))
	}
}

func (w *Writer) Name() string { return "influxdb" }

// Publish queues the reading; it is sent with the next batch
func (w *Writer) Publish(_ context.Context, reading *types.SolarReading) error {
	w.writeAPI.WritePoint(newPoint(w.measurement, reading))
	return nil
}

// Close flushes pending points and closes the client
func (w *Writer) Close() {
	w.writeAPI.Flush()
	if w.client != nil {
		w.client.Close()
	}
}

func newPoint(measurement string, reading *types.SolarReading) *write.Point {
	fields := make(map[string]interface{}, 7)
	for _, f := range reading.Measurement.Fields() {
		fields[f.Name] = f.Value
	}
	fields["rssi"] = int64(reading.RSSI)

	return write.NewPoint(
		measurement,
		map[string]string{
			"device_name": reading.DeviceName,
			"mac":         reading.MAC,
		},
		fields,
		reading.Timestamp,
	)
}
