// Package influxdb provides InfluxDB connectivity for the Velbus bridge.
//
// It wraps the official influxdb-client-go v2 library. The bridge writes one
// velbus_bus point per health interval carrying the bus counters (packets
// received and sent, framing errors, discarded bytes, reconnects).
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
// # Error Handling
//
// Writes of velbus_bus points are non-blocking; batch errors are delivered
// to the SetOnError callback and never stop the bridge. The sentinels cover
// the rest of the write path:
//
//   - ErrDisabled: Connect was told telemetry is off; the bridge starts
//     without metrics.
//   - ErrConnectionFailed: the startup ping failed; the bridge refuses to
//     start.
//   - ErrNotConnected: HealthCheck after Close.
package influxdb
