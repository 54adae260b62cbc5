package telemetry

import "strings"

// Kind identifies which per-device topic a message arrived on.
type Kind string

// Topic kinds, one per subscribed suffix.
const (
	KindUnknown     Kind = ""
	KindOnline      Kind = "online"
	KindHeartbeat   Kind = "heartbeat"
	KindStatus      Kind = "status"
	KindHealth      Kind = "health/status"
	KindOTAStatus   Kind = "ota/status"
	KindOTAProgress Kind = "ota/progress"
	KindVersion     Kind = "version"
	KindLastReset   Kind = "last_reset"
	KindLastReboot  Kind = "last_reboot"
	KindEvents      Kind = "events"
	KindLog         Kind = "log"
)

// kindsBySpecificity lists kinds so that longer suffixes are tried first;
// "health/status" and "ota/status" must win over "status".
var kindsBySpecificity = []Kind{
	KindHealth,
	KindOTAStatus,
	KindOTAProgress,
	KindLastReset,
	KindLastReboot,
	KindHeartbeat,
	KindVersion,
	KindOnline,
	KindStatus,
	KindEvents,
	KindLog,
}

// SubscribedKinds returns every kind the supervisor subscribes to, in a
// stable order.
func SubscribedKinds() []Kind {
	return []Kind{
		KindOnline,
		KindHeartbeat,
		KindStatus,
		KindHealth,
		KindOTAStatus,
		KindOTAProgress,
		KindVersion,
		KindLastReset,
		KindLastReboot,
		KindEvents,
		KindLog,
	}
}

// SplitTopic separates "<device id>/<suffix>" into the device id and kind.
// Unknown suffixes return KindUnknown with the full topic as device id.
func SplitTopic(topic string) (deviceID string, kind Kind) {
	for _, k := range kindsBySpecificity {
		suffix := "/" + string(k)
		if strings.HasSuffix(topic, suffix) && len(topic) > len(suffix) {
			return strings.TrimSuffix(topic, suffix), k
		}
	}
	return topic, KindUnknown
}

// KindOf returns the kind of topic.
func KindOf(topic string) Kind {
	_, kind := SplitTopic(topic)
	return kind
}

// IsHeartbeatClass reports whether the kind carries liveness semantics
// (online, heartbeat, status).
func (k Kind) IsHeartbeatClass() bool {
	return k == KindOnline || k == KindHeartbeat || k == KindStatus
}

// IsResetTopic reports whether the kind reports a past reset or reboot.
func (k Kind) IsResetTopic() bool {
	return k == KindLastReset || k == KindLastReboot
}

// BearsActions reports whether discrete device actions can be classified
// from messages of this kind. Health, OTA and version payloads are
// measurements, so a "0" on ota/progress is never a power-off.
func (k Kind) BearsActions() bool {
	switch k {
	case KindOnline, KindHeartbeat, KindStatus, KindLastReset, KindLastReboot, KindEvents, KindLog:
		return true
	default:
		return false
	}
}
