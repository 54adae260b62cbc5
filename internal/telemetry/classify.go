package telemetry

import "strings"

// Action is a discrete device action detected from telemetry.
type Action string

// Detected actions.
const (
	ActionNone     Action = ""
	ActionReboot   Action = "Reboot"
	ActionPowerOff Action = "PowerOff"
	ActionPowerOn  Action = "PowerOn"
)

// Event labels written to the history log.
const (
	LabelRebootCompleted = "Reboot Completed"
	LabelRebooting       = "Rebooting"
	LabelPoweredOff      = "Powered off"
	LabelPoweredOn       = "Powered ON"
)

// Classification is what a message means, independent of device state.
type Classification struct {
	Action Action
	Label  string

	// Completed is set when a reboot keyword signals completion
	// (reset_done, boot, start).
	Completed bool

	// Resetting is set only when the text says "resetting". Every other
	// reboot keyword leaves the device online.
	Resetting bool

	// Online is true for liveness text or any reboot keyword.
	Online bool

	// Offline is true for offline/disconnected text.
	Offline bool

	SchedulesCleared bool
}

// HasAction reports whether a discrete action was detected.
func (c Classification) HasAction() bool {
	return c.Action != ActionNone
}

var (
	rebootSubstrings = []string{"reset_done", "resetting", "reset_manual", "reset_schedule", "reboot"}

	// Matched as token prefixes so "ota_start" or "autostart_disabled" do
	// not read as a boot.
	rebootTokenPrefixes = []string{"boot", "start"}

	powerOffExact = map[string]bool{"power_off": true, "turn_off": true, "off": true, "0": true}

	powerOnSubstrings = []string{"power_on", "turn_on"}

	onlineExact = map[string]bool{
		"online": true, "1": true, "true": true, "on": true, "connected": true, "idle": true,
	}

	offlineExact = map[string]bool{"offline": true, "disconnected": true, "false": true}
)

// Classify maps keyword text from a topic of the given kind to an action and
// liveness flags. First match wins: reboot, power off, power on.
func Classify(kind Kind, text string) Classification {
	var c Classification

	reboot, completed := rebootKeywords(text)
	c.Online = onlineExact[text] || reboot
	c.Offline = !c.Online && isOffline(text)
	c.SchedulesCleared = strings.Contains(text, "schedule") && strings.Contains(text, "clear")

	if !kind.BearsActions() {
		return c
	}

	switch {
	case kind.IsResetTopic() || reboot:
		c.Action = ActionReboot
		c.Completed = completed
		c.Resetting = strings.Contains(text, "resetting")
		if c.Completed {
			c.Label = LabelRebootCompleted
		} else {
			c.Label = LabelRebooting
		}
	case powerOffExact[text]:
		c.Action = ActionPowerOff
		c.Label = LabelPoweredOff
	case containsAny(text, powerOnSubstrings):
		c.Action = ActionPowerOn
		c.Label = LabelPoweredOn
	}
	return c
}

// rebootKeywords reports whether text carries a reboot keyword and whether
// that keyword marks completion.
func rebootKeywords(text string) (reboot, completed bool) {
	if text == "" {
		return false, false
	}
	if strings.Contains(text, "reset_done") ||
		(strings.Contains(text, "reset") && strings.Contains(text, "done")) {
		return true, true
	}
	for _, tok := range tokens(text) {
		for _, p := range rebootTokenPrefixes {
			if strings.HasPrefix(tok, p) {
				return true, true
			}
		}
	}
	return containsAny(text, rebootSubstrings), false
}

func isOffline(text string) bool {
	if offlineExact[text] {
		return true
	}
	return strings.Contains(text, "offline") || strings.Contains(text, "disconnected")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// tokens splits on anything that is not a letter, digit or underscore.
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}
