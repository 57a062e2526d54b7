package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// clientIDSuffixLen is the number of random characters appended to a
	// generated client ID.
	clientIDSuffixLen = 8
)

// Will is the Last Will and Testament the broker publishes if the
// connection drops without a clean disconnect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Option configures a Client at connect time.
type Option func(*clientOptions)

type clientOptions struct {
	will           *Will
	clientIDPrefix string
	logger         Logger
	newClient      func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// WithWill sets the Last Will and Testament.
func WithWill(w Will) Option {
	return func(o *clientOptions) {
		o.will = &w
	}
}

// WithClientIDPrefix sets the prefix used to generate a client ID when the
// configuration leaves it empty.
func WithClientIDPrefix(prefix string) Option {
	return func(o *clientOptions) {
		o.clientIDPrefix = prefix
	}
}

// WithLogger sets the logger used for handler errors and connection events.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// withPahoFactory replaces the paho client constructor. Used by tests.
func withPahoFactory(f func(*pahomqtt.ClientOptions) pahomqtt.Client) Option {
	return func(o *clientOptions) {
		o.newClient = f
	}
}

func buildOptions(opts []Option) clientOptions {
	o := clientOptions{
		clientIDPrefix: "velbus-bridge",
		newClient:      pahomqtt.NewClient,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// resolveClientID returns the configured client ID, or prefix plus a random
// suffix so two bridges never collide on the broker.
func resolveClientID(configured, prefix string) string {
	if configured != "" {
		return configured
	}
	return prefix + "-" + uuid.NewString()[:clientIDSuffixLen]
}

// buildClientOptions creates paho MQTT options from the bridge config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff
//   - TLS configuration (if enabled)
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(clientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Subscriptions are restored by the client itself after reconnect.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureWill applies the Last Will and Testament, if any.
func configureWill(opts *pahomqtt.ClientOptions, w *Will) {
	if w == nil || w.Topic == "" {
		return
	}
	opts.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retained)
}
