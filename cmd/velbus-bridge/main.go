// Velbus Bridge - Gray Logic protocol bridge for the Velbus home automation bus.
//
// The bridge reads packets from a Velbus USB/RS-232 interface or a TCP bus
// server, publishes them to MQTT annotated with module and channel numbers,
// and writes packets to the bus on command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither -config nor the environment names a file.
	defaultConfigPath = "configs/config.yaml"

	// configEnvVar names the environment variable holding the config path.
	configEnvVar = "VELBUS_BRIDGE_CONFIG"

	// willQoS is the QoS of the offline health message.
	willQoS = 1

	// healthCheckTimeout bounds the startup connection check.
	healthCheckTimeout = 5 * time.Second
)

func main() {
	configFlag := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, getConfigPath(*configFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting velbus bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"bridge_id", cfg.Bridge.ID,
		"modules", len(cfg.Modules),
	)

	registry, err := buildRegistry(cfg.Modules)
	if err != nil {
		return fmt.Errorf("building module registry: %w", err)
	}

	willPayload, err := velbus.LWTPayload(cfg.Bridge.ID)
	if err != nil {
		return fmt.Errorf("encoding will message: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithClientIDPrefix(cfg.Bridge.ID),
		mqtt.WithWill(mqtt.Will{
			Topic:    velbus.LWTTopic(),
			Payload:  willPayload,
			QoS:      willQoS,
			Retained: true,
		}),
		mqtt.WithLogger(log.Component("mqtt")),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	var metrics velbus.MetricsWriter
	var influxCheck healthChecker
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
		influxCheck = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	busLog := log.Component("velbus")
	busClient, err := velbus.NewClient(velbus.ClientConfig{
		Connection:        cfg.Velbus.Connection,
		ConnectTimeout:    cfg.ConnectTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		ReconnectInterval: cfg.ReconnectInterval(),
		SendInterval:      cfg.SendInterval(),
	}, velbus.WithClientLogger(busLog))
	if err != nil {
		return fmt.Errorf("configuring velbus interface: %w", err)
	}
	defer func() {
		log.Info("closing velbus connection")
		if closeErr := busClient.Close(); closeErr != nil {
			log.Error("error closing velbus connection", "error", closeErr)
		}
	}()

	bridge, err := velbus.NewBridge(velbus.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		HealthInterval: cfg.HealthInterval(),
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Client:         busClient,
		Registry:       registry,
		Metrics:        metrics,
		Logger:         busLog,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// The bridge registers as packet listener before the bus is opened.
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	if err := busClient.Start(ctx); err != nil {
		return fmt.Errorf("connecting to velbus interface: %w", err)
	}

	checkCtx, checkCancel := context.WithTimeout(ctx, healthCheckTimeout)
	err = healthCheck(checkCtx, mqttClient, busClient, influxCheck)
	checkCancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if pubErr := bridge.PublishHealth(); pubErr != nil {
		log.Warn("failed to publish health", "error", pubErr)
	}

	// The broker may have published the will while we were away.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if pubErr := bridge.PublishHealth(); pubErr != nil {
			log.Warn("failed to republish health", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: bridge, velbus, InfluxDB, MQTT.
	return nil
}

// getConfigPath returns the flag value, then VELBUS_BRIDGE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthChecker is implemented by every connection the bridge depends on.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies all connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - mqttClient: MQTT client to check
//   - busClient: Velbus interface to check
//   - influxClient: InfluxDB client to check (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, mqttClient, busClient, influxClient healthChecker) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if err := busClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("velbus: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// buildRegistry converts module configuration into a velbus.Registry.
// Address ranges have already been checked by config validation.
func buildRegistry(modules []config.ModuleConfig) (*velbus.Registry, error) {
	registry := velbus.NewRegistry()
	for _, mc := range modules {
		subs := make([]byte, len(mc.SubAddresses))
		for i, s := range mc.SubAddresses {
			subs[i] = byte(s) // #nosec G115 -- validated to 0x01..0xFF
		}
		m := &velbus.Module{
			ID:      mc.ID,
			Name:    mc.Name,
			Type:    mc.Type,
			Address: velbus.NewModuleAddress(byte(mc.Address), subs...), // #nosec G115 -- validated
		}
		if err := registry.Add(m); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface, whose handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements velbus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements velbus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements velbus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements velbus.MQTTClient.
// The MQTT client is closed by run's defer chain, so this is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {}
