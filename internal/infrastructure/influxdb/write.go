package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a point stamped with the current time.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Points written while disconnected are dropped.
//
// Example:
//
//	client.WritePoint("velbus_bus",
//	    map[string]string{"bridge_id": "velbus-01"},
//	    map[string]interface{}{"packets_rx": int64(1200), "connected": true})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
