package fleet

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/infrastructure/mqtt"
)

// triggerPayload is sent on command topics whose payload carries no data.
var triggerPayload = []byte("1")

// ScheduleAction is what a schedule entry does on the device.
type ScheduleAction string

// Schedule actions understood by the firmware.
const (
	ScheduleReboot   ScheduleAction = "reboot"
	SchedulePowerOff ScheduleAction = "power_off"
	SchedulePowerOn  ScheduleAction = "power_on"
)

// ScheduleEntry is one compiled schedule rule. Editing schedules happens
// elsewhere; the core only ships the compiled list.
type ScheduleEntry struct {
	ID     string         `json:"id,omitempty"`
	Action ScheduleAction `json:"action"`
	// Time is the local time of day as HH:MM.
	Time string `json:"time"`
	// Days are weekdays, 0 = Sunday. Empty means every day.
	Days    []int `json:"days,omitempty"`
	Enabled bool  `json:"enabled"`
}

// Validate checks an entry before it is published.
func (e ScheduleEntry) Validate() error {
	switch e.Action {
	case ScheduleReboot, SchedulePowerOff, SchedulePowerOn:
	default:
		return fmt.Errorf("%w: unknown schedule action %q", ErrInvalidCommand, e.Action)
	}
	if _, err := time.Parse("15:04", e.Time); err != nil {
		return fmt.Errorf("%w: schedule time %q is not HH:MM", ErrInvalidCommand, e.Time)
	}
	for _, d := range e.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: schedule day %d out of range", ErrInvalidCommand, d)
		}
	}
	return nil
}

// PingRebootConfig configures the device's own connectivity watchdog.
type PingRebootConfig struct {
	Enabled bool `json:"enabled"`
	// Threshold is the number of failed pings before the device reboots.
	Threshold int `json:"threshold"`
}

// Publisher sends a command to one device.
type Publisher interface {
	Publish(deviceID, topic string, payload []byte) error
}

// Commands builds and publishes device commands. Every method returns
// ErrCommandRejected when the device is not connected.
type Commands struct {
	pub    Publisher
	topics mqtt.Topics
}

// NewCommands creates command helpers on top of pub.
func NewCommands(pub Publisher, topics mqtt.Topics) *Commands {
	return &Commands{pub: pub, topics: topics}
}

// Reboot asks the device to restart.
func (c *Commands) Reboot(deviceID string) error {
	return c.pub.Publish(deviceID, c.topics.Reset(deviceID), triggerPayload)
}

// SetSchedules replaces the device's schedule with entries.
func (c *Commands) SetSchedules(deviceID string, entries []ScheduleEntry) error {
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if entries == nil {
		entries = []ScheduleEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding schedules: %w", err)
	}
	return c.pub.Publish(deviceID, c.topics.ScheduleSet(deviceID), payload)
}

// ClearSchedules removes every schedule from the device.
func (c *Commands) ClearSchedules(deviceID string) error {
	return c.pub.Publish(deviceID, c.topics.ScheduleClear(deviceID), triggerPayload)
}

// StartOTA tells the device to fetch and install firmware from firmwareURL.
func (c *Commands) StartOTA(deviceID, firmwareURL string) error {
	u, err := url.Parse(firmwareURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: firmware url must be absolute http(s)", ErrInvalidCommand)
	}
	return c.pub.Publish(deviceID, c.topics.OTAStart(deviceID), []byte(firmwareURL))
}

// ConfigurePingReboot sets the device's ping-failure reboot policy.
func (c *Commands) ConfigurePingReboot(deviceID string, cfg PingRebootConfig) error {
	if cfg.Threshold < 1 {
		return fmt.Errorf("%w: ping reboot threshold must be at least 1", ErrInvalidCommand)
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding ping reboot config: %w", err)
	}
	return c.pub.Publish(deviceID, c.topics.PingRebootConfig(deviceID), payload)
}

// RequestVersion asks the device to publish its firmware version.
func (c *Commands) RequestVersion(deviceID string) error {
	return c.pub.Publish(deviceID, c.topics.VersionRequest(deviceID), triggerPayload)
}
