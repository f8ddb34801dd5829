package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mjasion/balena-home/victron/decoder"
	"github.com/mjasion/balena-home/victron/scanner"
	"github.com/mjasion/balena-home/victron/status"
	"github.com/mjasion/balena-home/victron/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testDevice = decoder.DeviceAddress{0xFD, 0xAD, 0x42, 0xD6, 0x35, 0x6B}

type fakeRunner struct {
	session scanner.Session
	err     error
	calls   int
}

func (r *fakeRunner) RunSession(context.Context) (scanner.Session, error) {
	r.calls++
	return r.session, r.err
}

type fakeSink struct {
	name     string
	err      error
	readings []*types.SolarReading
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(_ context.Context, reading *types.SolarReading) error {
	s.readings = append(s.readings, reading)
	return s.err
}

type fakeIndicator struct {
	mu     sync.Mutex
	events []string
}

func (i *fakeIndicator) record(e string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, e)
}

func (i *fakeIndicator) OK() { i.record("ok") }

func (i *fakeIndicator) Off() { i.record("off") }

func (i *fakeIndicator) Blink(_ context.Context, code status.Code) { i.record("blink:" + code.String()) }

type fakeRecorder struct {
	metrics []*types.MetricReading
}

func (r *fakeRecorder) Record(m *types.MetricReading) { r.metrics = append(r.metrics, m) }

func testConfig() Config {
	return Config{Schedule: "@every 10s", DeviceName: "shed", Device: testDevice}
}

func foundSession() scanner.Session {
	return scanner.Session{
		Measurement: decoder.Measurement{
			DeviceState:    decoder.StateBulk,
			BatteryVoltage: 12.8,
			BatteryCurrent: 3.2,
			YieldToday:     0.15,
			PVPower:        48,
		},
		RSSI:   -71,
		SeenAt: time.Unix(1700000000, 0),
		Found:  true,
		Stats:  decoder.Stats{Matched: 4, Duplicates: 2, Decoded: 2},
	}
}

func TestRunCycle_PublishesToAllSinks(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	runner := &fakeRunner{session: foundSession()}
	mqttSink := &fakeSink{name: "mqtt"}
	promSink := &fakeSink{name: "prometheus"}
	indicator := &fakeIndicator{}
	recorder := &fakeRecorder{}

	c, err := New(testConfig(), runner, []Sink{mqttSink, promSink}, recorder, indicator, logger)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, sink := range []*fakeSink{mqttSink, promSink} {
		if len(sink.readings) != 1 {
			t.Fatalf("Sink %s: expected 1 reading, got %d", sink.name, len(sink.readings))
		}
		r := sink.readings[0]
		if r.MAC != "FD:AD:42:D6:35:6B" || r.DeviceName != "shed" || r.RSSI != -71 {
			t.Errorf("Sink %s: unexpected reading %+v", sink.name, r)
		}
		if r.Measurement.PVPower != 48 {
			t.Errorf("Sink %s: expected PV power 48, got %v", sink.name, r.Measurement.PVPower)
		}
	}

	if len(indicator.events) != 1 || indicator.events[0] != "ok" {
		t.Errorf("Expected LED ok, got %v", indicator.events)
	}

	last, ok := c.LastReading()
	if !ok || last.Measurement.BatteryVoltage != 12.8 {
		t.Errorf("Expected last reading to be stored, got %+v", last)
	}
	if !c.LastReadingTime().Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Unexpected last reading time %v", c.LastReadingTime())
	}

	if len(recorder.metrics) != 4 {
		t.Fatalf("Expected 4 session metrics, got %d", len(recorder.metrics))
	}
	values := make(map[string]float64)
	for _, m := range recorder.metrics {
		values[m.Name] = m.Value
		if m.Labels["mac"] != "FD:AD:42:D6:35:6B" {
			t.Errorf("Expected mac label on %s", m.Name)
		}
	}
	if values["solar_scan_matched"] != 4 || values["solar_scan_duplicates"] != 2 || values["solar_scan_decoded"] != 2 {
		t.Errorf("Unexpected session metrics %v", values)
	}
}

func TestRunCycle_NoData(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	runner := &fakeRunner{session: scanner.Session{}}
	sink := &fakeSink{name: "mqtt"}
	indicator := &fakeIndicator{}

	c, err := New(testConfig(), runner, []Sink{sink}, nil, indicator, logger)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(sink.readings) != 0 {
		t.Errorf("Expected nothing published, got %d", len(sink.readings))
	}
	if logs.FilterMessage("no data from device, not in range?").Len() != 1 {
		t.Errorf("Expected a no data warning, got %v", logs.All())
	}
	if len(indicator.events) != 1 || indicator.events[0] != "blink:radio" {
		t.Errorf("Expected radio blink, got %v", indicator.events)
	}
	if _, ok := c.LastReading(); ok {
		t.Error("Expected no last reading")
	}
	if !c.LastReadingTime().IsZero() {
		t.Error("Expected zero last reading time")
	}
}

func TestRunCycle_SinkFailureDoesNotStopOthers(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	sinkErr := errors.New("broker down")
	failing := &fakeSink{name: "mqtt", err: sinkErr}
	healthy := &fakeSink{name: "influxdb"}
	indicator := &fakeIndicator{}

	c, err := New(testConfig(), &fakeRunner{session: foundSession()}, []Sink{failing, healthy}, nil, indicator, logger)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	err = c.RunCycle(context.Background())
	if !errors.Is(err, sinkErr) {
		t.Errorf("Expected sink error, got: %v", err)
	}
	if len(healthy.readings) != 1 {
		t.Errorf("Expected the healthy sink to receive the reading")
	}
	if len(indicator.events) != 1 || indicator.events[0] != "blink:broker" {
		t.Errorf("Expected broker blink, got %v", indicator.events)
	}
}

func TestRunCycle_ScanError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	scanErr := errors.New("adapter unavailable")
	sink := &fakeSink{name: "mqtt"}
	indicator := &fakeIndicator{}

	c, err := New(testConfig(), &fakeRunner{err: scanErr}, []Sink{sink}, nil, indicator, logger)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	if err := c.RunCycle(context.Background()); !errors.Is(err, scanErr) {
		t.Errorf("Expected scan error, got: %v", err)
	}
	if len(sink.readings) != 0 {
		t.Error("Expected nothing published")
	}
	if len(indicator.events) != 1 || indicator.events[0] != "blink:radio" {
		t.Errorf("Expected radio blink, got %v", indicator.events)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = "every ten seconds"

	c, err := New(cfg, &fakeRunner{}, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Expected error for invalid schedule")
	}
}

func TestStartStop(t *testing.T) {
	c, err := New(testConfig(), &fakeRunner{}, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Stop to return")
	}
}
