package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mjasion/balena-home/victron/decoder"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Scan          ScanConfig          `yaml:"scan"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Status        StatusConfig        `yaml:"status"`
	Health        HealthConfig        `yaml:"health"`
	Logging       LoggingConfig       `yaml:"logging"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	OpenTelemetry OpenTelemetryConfig `yaml:"openTelemetry"`
}

// DeviceConfig identifies the one charger this deployment listens to
type DeviceConfig struct {
	Name       string `yaml:"name" env:"DEVICE_NAME" env-default:"solar"`
	MACAddress string `yaml:"macAddress" env:"DEVICE_MAC_ADDRESS" env-required:"true"`
	Key        string `yaml:"key" env:"DEVICE_KEY" env-required:"true"`
}

// ScanConfig contains BLE scan scheduling
type ScanConfig struct {
	Schedule      string `yaml:"schedule" env:"SCAN_SCHEDULE" env-default:"@every 10s"`
	WindowSeconds int    `yaml:"windowSeconds" env:"SCAN_WINDOW_SECONDS" env-default:"5"`
}

// MQTTConfig contains MQTT broker configuration
type MQTTConfig struct {
	Enabled               bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"true"`
	Host                  string `yaml:"host" env:"MQTT_HOST" env-default:"localhost"`
	Port                  int    `yaml:"port" env:"MQTT_PORT" env-default:"1883"`
	TLS                   bool   `yaml:"tls" env:"MQTT_TLS" env-default:"false"`
	Username              string `yaml:"username" env:"MQTT_USERNAME"`
	Password              string `yaml:"password" env:"MQTT_PASSWORD"`
	ClientID              string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"victron-bridge"`
	TopicPrefix           string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX" env-default:"victron"`
	QoS                   int    `yaml:"qos" env:"MQTT_QOS" env-default:"0"`
	Retain                bool   `yaml:"retain" env:"MQTT_RETAIN" env-default:"false"`
	KeepAliveSeconds      int    `yaml:"keepAliveSeconds" env:"MQTT_KEEPALIVE_SECONDS" env-default:"60"`
	ConnectTimeoutSeconds int    `yaml:"connectTimeoutSeconds" env:"MQTT_CONNECT_TIMEOUT_SECONDS" env-default:"10"`
}

// PrometheusConfig contains Prometheus metrics push configuration
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"100"`
}

// InfluxDBConfig contains InfluxDB v2 write configuration
type InfluxDBConfig struct {
	Enabled         bool   `yaml:"enabled" env:"INFLUXDB_ENABLED" env-default:"false"`
	URL             string `yaml:"url" env:"INFLUXDB_URL"`
	Token           string `yaml:"token" env:"INFLUXDB_TOKEN"`
	Org             string `yaml:"org" env:"INFLUXDB_ORG"`
	Bucket          string `yaml:"bucket" env:"INFLUXDB_BUCKET"`
	Measurement     string `yaml:"measurement" env:"INFLUXDB_MEASUREMENT" env-default:"solar_charger"`
	BatchSize       uint   `yaml:"batchSize" env:"INFLUXDB_BATCH_SIZE" env-default:"100"`
	FlushIntervalMs uint   `yaml:"flushIntervalMs" env:"INFLUXDB_FLUSH_INTERVAL_MS" env-default:"10000"`
}

// StatusConfig contains the status LED configuration
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" env:"STATUS_LED_ENABLED" env-default:"false"`
	Pin     string `yaml:"pin" env:"STATUS_LED_PIN" env-default:"GPIO17"`
}

// HealthConfig contains the health endpoint configuration
type HealthConfig struct {
	Enabled bool `yaml:"enabled" env:"HEALTH_ENABLED" env-default:"true"`
	Port    int  `yaml:"port" env:"HEALTH_PORT" env-default:"8080"`
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and normalises the device address
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device name is required")
	}

	addr, err := decoder.ParseAddress(c.Device.MACAddress)
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	c.Device.MACAddress = addr.String()

	// Never echo the key itself in the error
	if _, err := decoder.ParseKey(c.Device.Key); err != nil {
		return fmt.Errorf("device key must be %d hex encoded bytes", decoder.KeySize)
	}

	if _, err := cron.ParseStandard(c.Scan.Schedule); err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", c.Scan.Schedule, err)
	}
	if c.Scan.WindowSeconds < 1 {
		return fmt.Errorf("scan window must be at least 1 second")
	}

	if err := c.validateMQTT(); err != nil {
		return err
	}
	if err := c.validatePrometheus(); err != nil {
		return err
	}
	if err := c.validateInfluxDB(); err != nil {
		return err
	}

	if c.Status.Enabled && c.Status.Pin == "" {
		return fmt.Errorf("status LED pin is required when the status LED is enabled")
	}

	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health port must be between 1 and 65535, got %d", c.Health.Port)
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}
	if err := ValidateProfiling(&c.Profiling); err != nil {
		return err
	}
	return ValidateOpenTelemetry(&c.OpenTelemetry)
}

func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt host is required when mqtt is enabled")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port must be between 1 and 65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	c.MQTT.TopicPrefix = strings.Trim(c.MQTT.TopicPrefix, "/")
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic prefix is required")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt topic prefix must not contain wildcards, got %q", c.MQTT.TopicPrefix)
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt client id is required")
	}
	return nil
}

func (c *Config) validatePrometheus() error {
	if !c.Prometheus.Enabled {
		return nil
	}
	if c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus URL is required")
	}
	if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
		return fmt.Errorf("invalid prometheus URL: %w", err)
	}
	if c.Prometheus.Username == "" {
		return fmt.Errorf("prometheus username is required")
	}
	if c.Prometheus.PushIntervalSeconds < 1 {
		return fmt.Errorf("push interval must be at least 1 second")
	}
	if c.Prometheus.BufferSize < 1 {
		return fmt.Errorf("buffer size must be at least 1")
	}
	if c.Prometheus.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	return nil
}

func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled {
		return nil
	}
	if c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb URL is required when influxdb is enabled")
	}
	if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb org and bucket are required when influxdb is enabled")
	}
	if c.InfluxDB.Measurement == "" {
		return fmt.Errorf("influxdb measurement is required")
	}
	if c.InfluxDB.BatchSize < 1 {
		return fmt.Errorf("influxdb batch size must be at least 1")
	}
	return nil
}

// ScanWindow returns the scan window as a duration
func (c *Config) ScanWindow() time.Duration {
	return time.Duration(c.Scan.WindowSeconds) * time.Second
}

// ScanPeriod returns the gap between the two scan cycles scheduled after now
func (c *Config) ScanPeriod(now time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(c.Scan.Schedule)
	if err != nil {
		return 0, fmt.Errorf("invalid scan schedule %q: %w", c.Scan.Schedule, err)
	}
	next := sched.Next(now)
	return sched.Next(next).Sub(next), nil
}

// HealthStaleness returns the interval the health endpoint scales its
// staleness limit from. It covers one full scan cycle, the scan window and
// the Prometheus push interval, and is never below 30s.
func (c *Config) HealthStaleness(now time.Time) time.Duration {
	staleness := c.ScanWindow()
	if period, err := c.ScanPeriod(now); err == nil {
		staleness = max(staleness, period)
	}
	if c.Prometheus.Enabled {
		staleness = max(staleness, time.Duration(c.Prometheus.PushIntervalSeconds)*time.Second)
	}
	return max(staleness, 30*time.Second)
}

// NewLogger creates a logger based on the logging configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.String("device_name", c.Device.Name),
		zap.String("device_mac", c.Device.MACAddress),
		zap.Bool("device_key_set", c.Device.Key != ""),
		zap.String("scan_schedule", c.Scan.Schedule),
		zap.Int("scan_window_seconds", c.Scan.WindowSeconds),
		zap.Bool("mqtt_enabled", c.MQTT.Enabled),
		zap.String("mqtt_broker", fmt.Sprintf("%s:%d", c.MQTT.Host, c.MQTT.Port)),
		zap.String("mqtt_topic_prefix", c.MQTT.TopicPrefix),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.String("prometheus_username", c.Prometheus.Username),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Int("push_interval_seconds", c.Prometheus.PushIntervalSeconds),
		zap.Int("buffer_size", c.Prometheus.BufferSize),
		zap.Bool("influxdb_enabled", c.InfluxDB.Enabled),
		zap.String("influxdb_url", c.InfluxDB.URL),
		zap.String("influxdb_bucket", c.InfluxDB.Bucket),
		zap.Bool("influxdb_token_set", c.InfluxDB.Token != ""),
		zap.Bool("status_led_enabled", c.Status.Enabled),
		zap.String("status_led_pin", c.Status.Pin),
		zap.Bool("health_enabled", c.Health.Enabled),
		zap.Int("health_port", c.Health.Port),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
	)
}
