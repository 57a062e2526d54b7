// Package logging provides structured logging for the Velbus bridge.
//
// It wraps log/slog with:
//
//   - JSON output for production and text output for development
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// Framing errors on the bus are logged at debug level only; enable
// "debug" when diagnosing a noisy line.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	busLogger := logger.Component("velbus")
//	busLogger.Info("connected", "endpoint", "serial:///dev/ttyACM0")
//
// Never log secrets such as the MQTT password or InfluxDB token.
package logging
