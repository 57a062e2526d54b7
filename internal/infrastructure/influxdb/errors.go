package influxdb

import "errors"

// Errors returned on the bridge's telemetry path. Write failures are not
// among them: they arrive asynchronously through SetOnError.
var (
	// ErrNotConnected is returned by HealthCheck once the client is closed.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps a failed or unhealthy startup ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when telemetry is switched off, so
	// the bridge runs without a MetricsWriter.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
