// Package influxdb writes fleet telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go's non-blocking write API: points are batched
// by the library and flushed on size or interval, and asynchronous write
// errors are delivered to a callback. Measurements written:
//
//	router_ping      device_id             ping_ms
//	router_ota       device_id             progress, status
//	router_status    device_id, status     up
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write failed", "error", err) })
package influxdb
