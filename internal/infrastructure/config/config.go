package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Address limits for configured modules.
const (
	// minModuleAddress and maxModuleAddress bound a primary address.
	// 0x00 is the host interface and 0xFF marks an unused slot.
	minModuleAddress = 0x01
	maxModuleAddress = 0xFE

	// inactiveSubAddress marks an unused sub-address slot.
	inactiveSubAddress = 0xFF
)

// Config is the root configuration structure for the Velbus bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Velbus   VelbusConfig   `yaml:"velbus"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Modules  []ModuleConfig `yaml:"modules"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in MQTT client ID and health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// VelbusConfig contains the bus interface connection settings.
type VelbusConfig struct {
	// Connection is the interface URL.
	// Supported formats:
	//   - "serial:///dev/ttyACM0" (USB or RS-232 interface, 38400 baud)
	//   - "serial:///dev/ttyUSB0?baud=38400"
	//   - "tcp://192.168.1.10:6000" (network interface or bus server)
	Connection string `yaml:"connection"`

	// ConnectTimeout is the maximum time to wait for the transport (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// WriteTimeout bounds a single packet write (seconds).
	WriteTimeout int `yaml:"write_timeout"`

	// ReconnectInterval is the initial delay between reconnection attempts (seconds).
	ReconnectInterval int `yaml:"reconnect_interval"`

	// SendInterval is the minimum gap between outgoing packets (milliseconds).
	SendInterval int `yaml:"send_interval_ms"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	// ClientID defaults to bridge.id plus a random suffix when empty.
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`

	// Password for MQTT authentication (optional).
	// WARNING: Never log this value. Use String() method for safe logging.
	Password string `yaml:"password"`
}

// String returns a string representation with password masked.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = redacted
	}
	return fmt.Sprintf("MQTTAuthConfig{Username:%q, Password:%s}", a.Username, password)
}

// MarshalJSON redacts the password in JSON output.
func (a MQTTAuthConfig) MarshalJSON() ([]byte, error) {
	type plain MQTTAuthConfig
	safe := plain(a)
	if safe.Password != "" {
		safe.Password = redacted
	}
	return json.Marshal(safe)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MarshalJSON redacts the token in JSON output.
func (c InfluxDBConfig) MarshalJSON() ([]byte, error) {
	type plain InfluxDBConfig
	safe := plain(c)
	if safe.Token != "" {
		safe.Token = redacted
	}
	return json.Marshal(safe)
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ModuleConfig describes one Velbus module and its addresses.
//
// Addresses may be written in hex in YAML (address: 0x2A).
type ModuleConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Address is the module's primary bus address.
	Address int `yaml:"address"`

	// SubAddresses are the module's additional 8-channel banks in order.
	// 0xFF marks an unused slot; the slot count must match the module type.
	SubAddresses []int `yaml:"sub_addresses"`
}

const redacted = "[REDACTED]"

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VELBUS_BRIDGE_SECTION_KEY
// For example: VELBUS_BRIDGE_VELBUS_CONNECTION, VELBUS_BRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "velbus-bridge-01",
			HealthInterval: 30,
		},
		Velbus: VelbusConfig{
			Connection:        "serial:///dev/ttyACM0",
			ConnectTimeout:    10,
			WriteTimeout:      5,
			ReconnectInterval: 5,
			SendInterval:      60,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Modules: []ModuleConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VELBUS_BRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("VELBUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	// Velbus
	if v := os.Getenv("VELBUS_BRIDGE_VELBUS_CONNECTION"); v != "" {
		cfg.Velbus.Connection = v
	}

	// MQTT
	if v := os.Getenv("VELBUS_BRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("VELBUS_BRIDGE_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("VELBUS_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}

	if c.Velbus.Connection == "" {
		errs = append(errs, "velbus.connection is required")
	} else if !strings.HasPrefix(c.Velbus.Connection, "serial://") &&
		!strings.HasPrefix(c.Velbus.Connection, "tcp://") {
		errs = append(errs, "velbus.connection must start with serial:// or tcp://")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	errs = append(errs, c.validateModules()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateModules checks module IDs and addresses, including addresses
// claimed by more than one module.
func (c *Config) validateModules() []string {
	var errs []string
	ids := make(map[string]bool, len(c.Modules))
	owners := make(map[int]string)

	claim := func(id string, addr int) {
		if prev, ok := owners[addr]; ok {
			errs = append(errs, fmt.Sprintf("modules[%s]: address 0x%02X already used by %s", id, addr, prev))
			return
		}
		owners[addr] = id
	}

	for i, m := range c.Modules {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("modules[%d].id is required", i))
			continue
		}
		if ids[m.ID] {
			errs = append(errs, fmt.Sprintf("modules[%d]: duplicate id %q", i, m.ID))
			continue
		}
		ids[m.ID] = true

		if m.Address < minModuleAddress || m.Address > maxModuleAddress {
			errs = append(errs, fmt.Sprintf("modules[%s].address must be between 0x01 and 0xFE", m.ID))
		} else {
			claim(m.ID, m.Address)
		}

		for _, sub := range m.SubAddresses {
			if sub == inactiveSubAddress {
				continue
			}
			if sub < minModuleAddress || sub > maxModuleAddress {
				errs = append(errs, fmt.Sprintf("modules[%s]: sub-address %d out of range", m.ID, sub))
				continue
			}
			claim(m.ID, sub)
		}
	}
	return errs
}

// HealthInterval returns the health publishing interval as a Duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// ConnectTimeout returns the bus connect timeout as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Velbus.ConnectTimeout) * time.Second
}

// WriteTimeout returns the bus write timeout as a Duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Velbus.WriteTimeout) * time.Second
}

// ReconnectInterval returns the initial bus reconnect delay as a Duration.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.Velbus.ReconnectInterval) * time.Second
}

// SendInterval returns the minimum gap between outgoing packets.
func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.Velbus.SendInterval) * time.Millisecond
}
