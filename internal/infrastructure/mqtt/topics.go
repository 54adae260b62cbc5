package mqtt

import (
	"fmt"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

// Command topic suffixes published to a device.
const (
	suffixReset          = "reset"
	suffixScheduleSet    = "schedule/set"
	suffixScheduleClear  = "schedule/clear"
	suffixOTAStart       = "ota/start"
	suffixPingRebootCfg  = "config/ping_reboot"
	suffixVersionRequest = "version/get"
)

// subscriptionQoS is at-most-once delivery for telemetry.
const subscriptionQoS byte = 0

// Topics provides builders for per-device topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Every topic is rooted at the device id:
//
//	topics := mqtt.Topics{}
//	topics.Reset("rtr-001")
//	// Returns: "rtr-001/reset"
type Topics struct{}

// =============================================================================
// Telemetry Topics (device → core)
// =============================================================================

// Telemetry returns the topic for one telemetry kind.
//
// Example: rtr-001/health/status
func (Topics) Telemetry(deviceID string, kind telemetry.Kind) string {
	return fmt.Sprintf("%s/%s", deviceID, kind)
}

// Subscriptions returns every telemetry topic a device connection
// subscribes to, in a stable order.
func (t Topics) Subscriptions(deviceID string) []string {
	kinds := telemetry.SubscribedKinds()
	topics := make([]string, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, t.Telemetry(deviceID, k))
	}
	return topics
}

// SubscriptionQoS is the delivery quality for telemetry: at most once.
func (Topics) SubscriptionQoS() byte {
	return subscriptionQoS
}

// =============================================================================
// Command Topics (core → device)
// =============================================================================

// Reset returns the reboot command topic.
//
// Example: rtr-001/reset
func (Topics) Reset(deviceID string) string {
	return fmt.Sprintf("%s/%s", deviceID, suffixReset)
}

// ScheduleSet returns the topic for publishing compiled schedule entries.
//
// Example: rtr-001/schedule/set
func (Topics) ScheduleSet(deviceID string) string {
	return fmt.Sprintf("%s/%s", deviceID, suffixScheduleSet)
}

// ScheduleClear returns the topic that clears all schedules on the device.
func (Topics) ScheduleClear(deviceID string) string {
	return fmt.Sprintf("%s/%s", deviceID, suffixScheduleClear)
}

// OTAStart returns the firmware update topic; the payload is the binary URL.
func (Topics) OTAStart(deviceID string) string {
	return fmt.Sprintf("%s/%s", deviceID, suffixOTAStart)
}

// PingRebootConfig returns the topic for the ping-watchdog reboot settings.
func (Topics) PingRebootConfig(deviceID string) string {
	return fmt.Sprintf("%s/%s", deviceID, suffixPingRebootCfg)
}

// VersionRequest returns the topic asking the device to report its version.
func (Topics) VersionRequest(deviceID string) string {
	return fmt.Sprintf("%s/%s", deviceID, suffixVersionRequest)
}
