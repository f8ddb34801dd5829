package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mjasion/balena-home/victron/config"
	"github.com/mjasion/balena-home/victron/decoder"
	"github.com/mjasion/balena-home/victron/types"
	"go.uber.org/zap"
)

var testDevice = decoder.DeviceAddress{0xFD, 0xAD, 0x42, 0xD6, 0x35, 0x6B}

type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakeClient records publishes; unimplemented methods panic via the nil interface
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	connected    bool
	connectToken pahomqtt.Token
	publishErr   error
	messages     []message
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() pahomqtt.Token {
	return c.connectToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, qos: qos, retained: retained, payload: payload.(string)})
	return completedToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.connected = false
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:               true,
		Host:                  "broker.local",
		Port:                  1883,
		ClientID:              "victron-test",
		TopicPrefix:           "victron",
		QoS:                   1,
		Retain:                true,
		KeepAliveSeconds:      30,
		ConnectTimeoutSeconds: 1,
	}
}

func testSolarReading() *types.SolarReading {
	return &types.SolarReading{
		Timestamp:  time.Now(),
		MAC:        testDevice.String(),
		DeviceName: "shed",
		RSSI:       -70,
		Measurement: decoder.Measurement{
			DeviceState:    decoder.StateFloat,
			ChargerError:   0,
			BatteryVoltage: 13.5,
			BatteryCurrent: 0.4,
			YieldToday:     1.23,
			PVPower:        42,
		},
	}
}

func TestPublish_TopicsAndPayloads(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, logger)

	if err := p.Publish(context.Background(), testSolarReading()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := []message{
		{"victron/fdad42d6356b/device_state", 1, true, "5"},
		{"victron/fdad42d6356b/charger_error", 1, true, "0"},
		{"victron/fdad42d6356b/batt_voltage", 1, true, "13.5"},
		{"victron/fdad42d6356b/batt_current", 1, true, "0.4"},
		{"victron/fdad42d6356b/yield_today", 1, true, "1.23"},
		{"victron/fdad42d6356b/pv_power", 1, true, "42"},
	}
	if len(client.messages) != len(expected) {
		t.Fatalf("Expected %d messages, got %d: %+v", len(expected), len(client.messages), client.messages)
	}
	for i, want := range expected {
		if client.messages[i] != want {
			t.Errorf("Message %d: expected %+v, got %+v", i, want, client.messages[i])
		}
	}
}

func TestPublish_WholeQuantitiesKeepDecimal(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, logger)

	reading := testSolarReading()
	reading.Measurement.BatteryVoltage = 10
	reading.Measurement.BatteryCurrent = 0
	if err := p.Publish(context.Background(), reading); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	payloads := make(map[string]string)
	for _, m := range client.messages {
		payloads[m.topic] = m.payload
	}
	if got := payloads["victron/fdad42d6356b/batt_voltage"]; got != "10.0" {
		t.Errorf("Expected batt_voltage 10.0, got %q", got)
	}
	if got := payloads["victron/fdad42d6356b/batt_current"]; got != "0.0" {
		t.Errorf("Expected batt_current 0.0, got %q", got)
	}
	if got := payloads["victron/fdad42d6356b/pv_power"]; got != "42" {
		t.Errorf("Expected pv_power 42, got %q", got)
	}
}

func TestFormatPayload(t *testing.T) {
	tests := []struct {
		name     string
		field    decoder.Field
		expected string
	}{
		{"Whole voltage", decoder.Field{Name: decoder.FieldBattVoltage, Value: 12}, "12.0"},
		{"Fractional voltage", decoder.Field{Name: decoder.FieldBattVoltage, Value: 12.34}, "12.34"},
		{"Negative current", decoder.Field{Name: decoder.FieldBattCurrent, Value: -1.5}, "-1.5"},
		{"Zero yield", decoder.Field{Name: decoder.FieldYieldToday, Value: 0}, "0.0"},
		{"State", decoder.Field{Name: decoder.FieldDeviceState, Value: 3, Integral: true}, "3"},
		{"Power", decoder.Field{Name: decoder.FieldPVPower, Value: 250, Integral: true}, "250"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatPayload(tt.field); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestPublish_NotConnected(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := &fakeClient{}
	p := newPublisher(client, testConfig(), testDevice, logger)

	err := p.Publish(context.Background(), testSolarReading())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got: %v", err)
	}
	if len(client.messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(client.messages))
	}
}

func TestPublish_BrokerError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := &fakeClient{connected: true, publishErr: errors.New("not authorized")}
	p := newPublisher(client, testConfig(), testDevice, logger)

	err := p.Publish(context.Background(), testSolarReading())
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Expected ErrPublishFailed, got: %v", err)
	}
	// Stops at the first failing field
	if len(client.messages) != 1 {
		t.Errorf("Expected 1 attempted message, got %d", len(client.messages))
	}
}

func TestPublish_InvalidMAC(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, logger)

	reading := testSolarReading()
	reading.MAC = "garbage"
	if err := p.Publish(context.Background(), reading); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Expected ErrPublishFailed, got: %v", err)
	}
}

func TestConnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	tests := []struct {
		name    string
		token   func() pahomqtt.Token
		wantErr bool
	}{
		{"success", func() pahomqtt.Token { return completedToken(nil) }, false},
		{"refused", func() pahomqtt.Token { return completedToken(errors.New("connection refused")) }, true},
		{"timeout", func() pahomqtt.Token { return pendingToken() }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{connectToken: tt.token()}
			p := newPublisher(client, testConfig(), testDevice, logger)
			p.connectTimeout = 10 * time.Millisecond

			err := p.Connect(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrConnectionFailed) {
					t.Errorf("Expected ErrConnectionFailed, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestClose_PublishesOffline(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), testDevice, logger)

	p.Close()

	if !client.disconnected {
		t.Error("Expected client to be disconnected")
	}
	if len(client.messages) != 1 {
		t.Fatalf("Expected 1 status message, got %d", len(client.messages))
	}
	want := message{"victron/fdad42d6356b/status", 1, true, "offline"}
	if client.messages[0] != want {
		t.Errorf("Expected %+v, got %+v", want, client.messages[0])
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = true
	cfg.Username = "user"
	cfg.Password = "secret"

	opts := buildClientOptions(cfg, StatusTopic(cfg.TopicPrefix, testDevice.Hex()))

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker.local:1883" {
		t.Errorf("Expected ssl://broker.local:1883, got %v", opts.Servers)
	}
	if opts.ClientID != "victron-test" {
		t.Errorf("Expected client ID victron-test, got %s", opts.ClientID)
	}
	if opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("Expected credentials to be set, got %s", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("Expected auto reconnect")
	}
	if opts.TLSConfig == nil {
		t.Error("Expected TLS config")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("Expected keepalive 30s, got %d", opts.KeepAlive)
	}
	if !opts.WillEnabled || opts.WillTopic != "victron/fdad42d6356b/status" ||
		string(opts.WillPayload) != "offline" || !opts.WillRetained {
		t.Errorf("Expected retained offline will on the status topic, got %s %q", opts.WillTopic, opts.WillPayload)
	}
}

func TestTopic(t *testing.T) {
	if got := Topic("home/solar", "fdad42d6356b", "pv_power"); got != "home/solar/fdad42d6356b/pv_power" {
		t.Errorf("Unexpected topic %s", got)
	}
	if got := StatusTopic("victron", "fdad42d6356b"); got != "victron/fdad42d6356b/status" {
		t.Errorf("Unexpected status topic %s", got)
	}
}
