// Package metrics turns fleet state changes into time-series points.
package metrics

import (
	"slices"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/fleet"
)

// Writer is the time-series sink. *influxdb.Client implements it.
type Writer interface {
	WritePing(deviceID string, pingMS int, at time.Time)
	WriteOTAProgress(deviceID string, progress int, status string, at time.Time)
	WriteStatus(deviceID, status string, at time.Time)
}

// Listener writes a point for each changed ping, OTA progress or status.
// Unchanged fields produce nothing, so repeated heartbeats cost no writes.
type Listener struct {
	w     Writer
	clock func() time.Time
}

// NewListener creates a listener writing to w.
func NewListener(w Writer) *Listener {
	return &Listener{w: w, clock: time.Now}
}

// OnStateChanged implements fleet.Listener.
func (l *Listener) OnStateChanged(c fleet.Change) {
	s := c.State
	at := l.clock()

	if slices.Contains(c.Fields, "ping") && s.Ping != nil {
		l.w.WritePing(s.DeviceID, *s.Ping, at)
	}
	if slices.Contains(c.Fields, "ota_progress") && s.OTAProgress != nil {
		l.w.WriteOTAProgress(s.DeviceID, *s.OTAProgress, s.OTAStatus, at)
	}
	if slices.Contains(c.Fields, "status") {
		l.w.WriteStatus(s.DeviceID, string(s.Status), at)
	}
}

// OnDeviceRemoved implements fleet.Listener. Removed devices keep their
// history.
func (l *Listener) OnDeviceRemoved(string) {}
