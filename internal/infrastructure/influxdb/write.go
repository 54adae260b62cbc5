package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementPing   = "router_ping"
	MeasurementOTA    = "router_ota"
	MeasurementStatus = "router_status"
)

// WritePing records a round-trip time reported by a device.
func (c *Client) WritePing(deviceID string, pingMS int, at time.Time) {
	c.WritePoint(MeasurementPing,
		map[string]string{"device_id": deviceID},
		map[string]any{"ping_ms": pingMS},
		at,
	)
}

// WriteOTAProgress records firmware update progress.
func (c *Client) WriteOTAProgress(deviceID string, progress int, status string, at time.Time) {
	fields := map[string]any{"progress": progress}
	if status != "" {
		fields["status"] = status
	}
	c.WritePoint(MeasurementOTA, map[string]string{"device_id": deviceID}, fields, at)
}

// WriteStatus records a status transition. up is 1 for online and 0
// otherwise so availability can be averaged.
func (c *Client) WriteStatus(deviceID, status string, at time.Time) {
	up := 0
	if status == "online" {
		up = 1
	}
	c.WritePoint(MeasurementStatus,
		map[string]string{"device_id": deviceID, "status": status},
		map[string]any{"up": up},
		at,
	)
}

// WritePoint queues one point. Writes after Close are dropped.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
