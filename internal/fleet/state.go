package fleet

import (
	"time"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

// Status is the observed condition of a device.
type Status string

// Device statuses.
const (
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusError      Status = "error"
	StatusResetting  Status = "resetting"
)

// Messages set on lifecycle transitions.
const (
	MsgAwaitingData    = "Connected, waiting for data…"
	MsgWatchdogExpiry  = "Device timed out (no heartbeat)"
	MsgReportedOffline = "Device reported offline"
)

// DeviceState is the canonical record of one device. Optional fields are
// nil or empty when unknown.
type DeviceState struct {
	DeviceID       string           `json:"device_id"`
	Status         Status           `json:"status"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	LastSeen       *time.Time       `json:"last_seen,omitempty"`
	Ping           *int             `json:"ping,omitempty"`
	HealthStatus   string           `json:"health_status,omitempty"`
	OTAStatus      string           `json:"ota_status,omitempty"`
	OTAProgress    *int             `json:"ota_progress,omitempty"`
	DeviceVersion  string           `json:"device_version,omitempty"`
	IsPoweredOff   bool             `json:"is_powered_off"`
	LastAction     telemetry.Action `json:"last_action,omitempty"`
	LastActionTime *time.Time       `json:"last_action_time,omitempty"`
}

// Clone returns a deep copy.
func (s DeviceState) Clone() DeviceState {
	c := s
	c.LastSeen = cloneTime(s.LastSeen)
	c.Ping = cloneInt(s.Ping)
	c.OTAProgress = cloneInt(s.OTAProgress)
	c.LastActionTime = cloneTime(s.LastActionTime)
	return c
}

// Patch is a merge patch for DeviceState. Nil fields are left untouched.
// Clearable fields use a pointer to the zero value (or a Clear flag) to
// express removal.
type Patch struct {
	Status         *Status
	ErrorMessage   *string
	LastSeen       *time.Time
	Ping           *int
	ClearPing      bool
	HealthStatus   *string
	OTAStatus      *string
	OTAProgress    *int
	DeviceVersion  *string
	IsPoweredOff   *bool
	LastAction     *telemetry.Action
	LastActionTime *time.Time
}

// Change reports one applied patch: the merged state and the names of the
// fields that actually changed.
type Change struct {
	State  DeviceState
	Fields []string
}

// apply merges p into s and returns the names of changed fields. Fields
// whose value is unchanged are not reported.
func (p Patch) apply(s *DeviceState) []string {
	var changed []string
	mark := func(name string) { changed = append(changed, name) }

	if p.Status != nil && s.Status != *p.Status {
		s.Status = *p.Status
		mark("status")
	}
	if p.ErrorMessage != nil && s.ErrorMessage != *p.ErrorMessage {
		s.ErrorMessage = *p.ErrorMessage
		mark("error_message")
	}
	if p.LastSeen != nil && (s.LastSeen == nil || p.LastSeen.After(*s.LastSeen)) {
		s.LastSeen = cloneTime(p.LastSeen)
		mark("last_seen")
	}
	switch {
	case p.ClearPing:
		if s.Ping != nil {
			s.Ping = nil
			mark("ping")
		}
	case p.Ping != nil:
		if s.Ping == nil || *s.Ping != *p.Ping {
			s.Ping = cloneInt(p.Ping)
			mark("ping")
		}
	}
	if p.HealthStatus != nil && s.HealthStatus != *p.HealthStatus {
		s.HealthStatus = *p.HealthStatus
		mark("health_status")
	}
	if p.OTAStatus != nil && s.OTAStatus != *p.OTAStatus {
		s.OTAStatus = *p.OTAStatus
		mark("ota_status")
	}
	if p.OTAProgress != nil && (s.OTAProgress == nil || *s.OTAProgress != *p.OTAProgress) {
		s.OTAProgress = cloneInt(p.OTAProgress)
		mark("ota_progress")
	}
	if p.DeviceVersion != nil && s.DeviceVersion != *p.DeviceVersion {
		s.DeviceVersion = *p.DeviceVersion
		mark("device_version")
	}
	if p.IsPoweredOff != nil && s.IsPoweredOff != *p.IsPoweredOff {
		s.IsPoweredOff = *p.IsPoweredOff
		mark("is_powered_off")
	}
	if p.LastAction != nil && s.LastAction != *p.LastAction {
		s.LastAction = *p.LastAction
		mark("last_action")
	}
	if p.LastActionTime != nil && (s.LastActionTime == nil || !p.LastActionTime.Equal(*s.LastActionTime)) {
		s.LastActionTime = cloneTime(p.LastActionTime)
		mark("last_action_time")
	}
	return changed
}

func ptr[T any](v T) *T {
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
