package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mjasion/balena-home/victron/config"
	"github.com/mjasion/balena-home/victron/decoder"
	"github.com/mjasion/balena-home/victron/types"
	"go.uber.org/zap"
)

// Publisher sends solar measurements to an MQTT broker, one message per field
type Publisher struct {
	client         pahomqtt.Client
	cfg            config.MQTTConfig
	statusTopic    string
	connectTimeout time.Duration
	publishTimeout time.Duration
	logger         *zap.Logger
}

// New creates a publisher for the given device. Call Connect before publishing.
func New(cfg config.MQTTConfig, device decoder.DeviceAddress, logger *zap.Logger) *Publisher {
	p := newPublisher(nil, cfg, device, logger)

	opts := buildClientOptions(cfg, p.statusTopic)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.Info("connected to MQTT broker")
		p.publishStatus(payloadOnline)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info("reconnecting to MQTT broker")
	})

	p.client = pahomqtt.NewClient(opts)
	return p
}

func newPublisher(client pahomqtt.Client, cfg config.MQTTConfig, device decoder.DeviceAddress, logger *zap.Logger) *Publisher {
	connectTimeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Publisher{
		client:         client,
		cfg:            cfg,
		statusTopic:    StatusTopic(cfg.TopicPrefix, device.Hex()),
		connectTimeout: connectTimeout,
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

func (p *Publisher) Name() string { return "mqtt" }

// Connect performs the initial connection. Later reconnects are automatic.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info("connecting to MQTT broker",
		zap.String("host", p.cfg.Host),
		zap.Int("port", p.cfg.Port),
		zap.String("client_id", p.cfg.ClientID),
	)

	if err := wait(ctx, p.client.Connect(), p.connectTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// Publish sends every measurement field to <prefix>/<mac hex>/<field>
func (p *Publisher) Publish(ctx context.Context, reading *types.SolarReading) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	addr, err := decoder.ParseAddress(reading.MAC)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	device := addr.Hex()

	for _, field := range reading.Measurement.Fields() {
		topic := Topic(p.cfg.TopicPrefix, device, field.Name)
		payload := formatPayload(field)

		token := p.client.Publish(topic, byte(p.cfg.QoS), p.cfg.Retain, payload)
		if err := wait(ctx, token, p.publishTimeout); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
		}
	}

	p.logger.Debug("published measurement to MQTT",
		zap.String("device", device),
		zap.String("topic_prefix", p.cfg.TopicPrefix),
	)
	return nil
}

// Close announces a graceful shutdown and disconnects
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.publishStatus(payloadOffline)
	}
	p.client.Disconnect(defaultDisconnectQuiesce)
	p.logger.Info("disconnected from MQTT broker")
}

func (p *Publisher) publishStatus(status string) {
	token := p.client.Publish(p.statusTopic, byte(p.cfg.QoS), true, status)
	if err := wait(context.Background(), token, p.publishTimeout); err != nil {
		p.logger.Warn("failed to publish bridge status",
			zap.String("topic", p.statusTopic),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	}
}

// formatPayload renders counts as integers and quantities with at least one
// decimal place, so 10 V is sent as "10.0"
func formatPayload(field decoder.Field) string {
	if field.Integral {
		return strconv.FormatFloat(field.Value, 'f', 0, 64)
	}
	s := strconv.FormatFloat(field.Value, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
