package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mjasion/balena-home/victron/config"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	maxReconnectInterval     = 2 * time.Minute
)

// buildClientOptions maps the bridge config onto paho options: broker URL,
// credentials, auto-reconnect, keepalive and the offline will message.
func buildClientOptions(cfg config.MQTTConfig, statusTopic string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(time.Duration(cfg.ConnectTimeoutSeconds) * time.Second)
	opts.SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Published by the broker if the bridge disappears without Close
	opts.SetWill(statusTopic, payloadOffline, byte(cfg.QoS), true)

	return opts
}
