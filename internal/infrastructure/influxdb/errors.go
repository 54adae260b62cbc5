package influxdb

import "errors"

// Sentinel errors, checked with errors.Is.
var (
	// ErrNotConnected means the client was closed or never connected.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed means the startup ping failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled means the influxdb section is switched off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
