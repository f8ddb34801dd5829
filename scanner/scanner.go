package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/mjasion/balena-home/victron/decoder"
	"go.uber.org/zap"
)

// Session is the outcome of one scan window
type Session struct {
	Measurement decoder.Measurement
	RSSI        int16
	SeenAt      time.Time
	Found       bool
	Stats       decoder.Stats
}

// Scanner runs scan sessions for one solar charger
type Scanner struct {
	source   Source
	pipeline *decoder.Pipeline
	window   time.Duration
	logger   *zap.Logger
}

// New creates a scanner feeding source into pipeline
func New(source Source, pipeline *decoder.Pipeline, window time.Duration, logger *zap.Logger) *Scanner {
	return &Scanner{
		source:   source,
		pipeline: pipeline,
		window:   window,
		logger:   logger,
	}
}

// RunSession scans for one window and keeps the latest decoded measurement.
// Records are not deduplicated across sessions.
func (s *Scanner) RunSession(ctx context.Context) (Session, error) {
	s.pipeline.Reset()

	var session Session
	err := s.source.Scan(ctx, s.window, func(adv decoder.RawAdvertisement) {
		m, ok := s.pipeline.Decode(adv)
		if !ok {
			return
		}
		session.Measurement = m
		session.RSSI = adv.RSSI
		session.SeenAt = time.Now()
		session.Found = true

		s.logger.Debug("solar_measurement",
			zap.Stringer("mac", adv.Address),
			zap.Int16("rssi_dbm", adv.RSSI),
			zap.Stringer("device_state", m.DeviceState),
			zap.Float64("batt_voltage", m.BatteryVoltage),
			zap.Float64("pv_power", m.PVPower),
		)
	})
	session.Stats = s.pipeline.Stats()
	if err != nil {
		return session, fmt.Errorf("scan session failed: %w", err)
	}
	return session, nil
}
