// Package config handles loading and validating the Velbus bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (VELBUS_BRIDGE_*)
//   - Validation of required fields and module address topology
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - Secrets are redacted when the configuration is printed or marshalled
//
// Usage:
//
//	cfg, err := config.Load("configs/velbus-bridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Velbus.Connection)
package config
