package fleet

import (
	"testing"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler() (*Reconciler, *fakeWatchdog, *recordingSink) {
	wd := newFakeWatchdog()
	sink := &recordingSink{}
	return NewReconciler(wd, sink, nil), wd, sink
}

// feed normalises and applies one message.
func feed(r *Reconciler, topic, payload string, retained bool) {
	r.HandleSignal(telemetry.Normalize(topic, []byte(payload), retained, now), now)
}

func mustState(t *testing.T, r *Reconciler, id string) DeviceState {
	t.Helper()
	s, ok := r.State(id)
	if !ok {
		t.Fatalf("no state for %s", id)
	}
	return s
}

func TestReconciler_JSONHeartbeat(t *testing.T) {
	r, wd, sink := newTestReconciler()
	r.connectionLost("rtr-1", errBrokerGone)

	feed(r, "rtr-1/heartbeat", `{"status":"online","ts":1700000000}`, false)

	s := mustState(t, r, "rtr-1")
	if s.Status != StatusOnline {
		t.Errorf("Status = %q, want online", s.Status)
	}
	if s.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared", s.ErrorMessage)
	}
	if s.LastSeen == nil || s.LastSeen.UnixMilli() != 1700000000000 {
		t.Errorf("LastSeen = %v, want 1700000000s", s.LastSeen)
	}
	if _, ok := wd.armed["rtr-1"]; !ok {
		t.Error("watchdog not armed by heartbeat")
	}
	if seen := sink.byKind("seen"); len(seen) != 1 {
		t.Errorf("seen events = %d, want 1", len(seen))
	}
}

func TestReconciler_PowerOffOnStatus(t *testing.T) {
	r, _, sink := newTestReconciler()
	r.added("rtr-1")

	feed(r, "rtr-1/status", "off", false)

	s := mustState(t, r, "rtr-1")
	if !s.IsPoweredOff {
		t.Error("IsPoweredOff = false, want true")
	}
	if s.Status != StatusConnecting {
		t.Errorf("Status = %q, heartbeat reducer must leave it alone", s.Status)
	}
	if s.LastAction != telemetry.ActionPowerOff || s.LastActionTime == nil || !s.LastActionTime.Equal(now) {
		t.Errorf("LastAction = %q at %v", s.LastAction, s.LastActionTime)
	}
	events := sink.byKind("event")
	if len(events) != 1 || events[0].value != telemetry.LabelPoweredOff {
		t.Errorf("events = %+v", events)
	}

	feed(r, "rtr-1/events", "turn_on", false)
	if s := mustState(t, r, "rtr-1"); s.IsPoweredOff {
		t.Error("IsPoweredOff = true after power on")
	}
}

func TestReconciler_ResetTopic(t *testing.T) {
	r, _, sink := newTestReconciler()

	feed(r, "rtr-1/last_reset", "reset_done|1764448611", false)

	events := sink.byKind("event")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].value != telemetry.LabelRebootCompleted {
		t.Errorf("label = %q", events[0].value)
	}
	if events[0].at.UnixMilli() != 1764448611000 {
		t.Errorf("event time = %v", events[0].at)
	}
	s := mustState(t, r, "rtr-1")
	if s.LastAction != telemetry.ActionReboot {
		t.Errorf("LastAction = %q", s.LastAction)
	}
	// Reset topics are not heartbeat-class, so they do not touch last seen.
	if s.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil", s.LastSeen)
	}
}

func TestReconciler_ActionWithoutTimeIsDropped(t *testing.T) {
	r, _, sink := newTestReconciler()

	feed(r, "rtr-1/last_reboot", "reboot", true)

	if n := len(sink.byKind("event")); n != 0 {
		t.Errorf("events = %d, want 0 for retained action without time", n)
	}
	if s := mustState(t, r, "rtr-1"); s.LastAction != "" {
		t.Errorf("LastAction = %q, want none", s.LastAction)
	}
}

func TestReconciler_RetainedOnlineWithoutTime(t *testing.T) {
	r, wd, sink := newTestReconciler()

	feed(r, "rtr-1/online", "online", true)

	s := mustState(t, r, "rtr-1")
	if s.Status != StatusOnline {
		t.Errorf("Status = %q, want online", s.Status)
	}
	if s.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil for retained message", s.LastSeen)
	}
	if len(sink.byKind("seen")) != 0 {
		t.Error("seen reported for retained message without time")
	}
	if _, ok := wd.armed["rtr-1"]; !ok {
		t.Error("watchdog not armed")
	}
}

func TestReconciler_Resetting(t *testing.T) {
	tests := []struct {
		text       string
		wantStatus Status
	}{
		{"resetting", StatusResetting},
		{"reboot", StatusOnline},
		{"reset_manual", StatusOnline},
		{"reset_schedule", StatusOnline},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			r, _, sink := newTestReconciler()

			feed(r, "rtr-1/heartbeat", tt.text, false)

			s := mustState(t, r, "rtr-1")
			if s.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", s.Status, tt.wantStatus)
			}
			events := sink.byKind("event")
			if len(events) != 1 || events[0].value != telemetry.LabelRebooting {
				t.Errorf("events = %+v", events)
			}
			if s.LastSeen == nil || !s.LastSeen.Equal(now) {
				t.Errorf("LastSeen = %v, want receipt time", s.LastSeen)
			}
		})
	}
}

func TestReconciler_OfflineReport(t *testing.T) {
	r, wd, _ := newTestReconciler()
	feed(r, "rtr-1/health/status", "ping 23 ms", false)

	feed(r, "rtr-1/online", "offline", false)

	s := mustState(t, r, "rtr-1")
	if s.Status != StatusOffline || s.ErrorMessage != MsgReportedOffline {
		t.Errorf("state = %q / %q", s.Status, s.ErrorMessage)
	}
	if s.Ping != nil {
		t.Errorf("Ping = %d, want cleared", *s.Ping)
	}
	if _, ok := wd.armed["rtr-1"]; ok {
		t.Error("watchdog still armed after offline report")
	}
}

func TestReconciler_Health(t *testing.T) {
	r, wd, _ := newTestReconciler()

	feed(r, "rtr-1/health/status", `{"ping":42,"loss":0}`, false)

	s := mustState(t, r, "rtr-1")
	if s.Ping == nil || *s.Ping != 42 {
		t.Errorf("Ping = %v, want 42", s.Ping)
	}
	if s.HealthStatus != `{"ping":42,"loss":0}` {
		t.Errorf("HealthStatus = %q", s.HealthStatus)
	}
	if s.Status != StatusOnline || s.LastSeen == nil || !s.LastSeen.Equal(now) {
		t.Errorf("state = %+v", s)
	}
	if wd.arms != 1 {
		t.Errorf("arms = %d, want 1", wd.arms)
	}

	// Retained health is stale and ignored.
	feed(r, "rtr-1/health/status", "ping 99", true)
	if s := mustState(t, r, "rtr-1"); *s.Ping != 42 || wd.arms != 1 {
		t.Errorf("retained health applied: ping %d, arms %d", *s.Ping, wd.arms)
	}
}

func TestReconciler_OTAAndVersion(t *testing.T) {
	r, _, sink := newTestReconciler()

	feed(r, "rtr-1/ota/status", "Downloading", false)
	feed(r, "rtr-1/ota/progress", "45", false)
	feed(r, "rtr-1/ota/progress", "0", false)
	feed(r, "rtr-1/ota/progress", "150", false)
	feed(r, "rtr-1/ota/progress", "-5", false)
	feed(r, "rtr-1/version", "v2.3.1", false)

	s := mustState(t, r, "rtr-1")
	if s.OTAStatus != "Downloading" {
		t.Errorf("OTAStatus = %q", s.OTAStatus)
	}
	if s.OTAProgress == nil || *s.OTAProgress != 0 {
		t.Errorf("OTAProgress = %v, want 0 (150 and -5 rejected)", s.OTAProgress)
	}
	if s.DeviceVersion != "v2.3.1" {
		t.Errorf("DeviceVersion = %q", s.DeviceVersion)
	}
	if s.IsPoweredOff {
		t.Error("progress 0 classified as power off")
	}
	if n := len(sink.byKind("event")); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestReconciler_SchedulesCleared(t *testing.T) {
	r, _, sink := newTestReconciler()

	feed(r, "rtr-1/status", "schedules_cleared", false)
	feed(r, "rtr-1/events", "schedules_cleared", false)

	if n := len(sink.byKind("schedules_cleared")); n != 1 {
		t.Errorf("schedules_cleared = %d, want 1 (status topic only)", n)
	}
}

func TestReconciler_Lifecycle(t *testing.T) {
	r, wd, sink := newTestReconciler()
	l := &recordingListener{}
	r.AddListener(l)

	r.added("rtr-1")
	r.connected("rtr-1")
	s := mustState(t, r, "rtr-1")
	if s.Status != StatusConnecting || s.ErrorMessage != MsgAwaitingData {
		t.Errorf("after connect: %q / %q", s.Status, s.ErrorMessage)
	}
	gen, armed := wd.armed["rtr-1"]
	if !armed {
		t.Fatal("watchdog not armed on connect")
	}

	if !r.expired("rtr-1", gen) {
		t.Fatal("expired() rejected the live generation")
	}
	s = mustState(t, r, "rtr-1")
	if s.Status != StatusOffline || s.ErrorMessage != MsgWatchdogExpiry || s.Ping != nil || s.HealthStatus != "" {
		t.Errorf("after expiry: %+v", s)
	}
	if r.expired("rtr-1", gen) {
		t.Error("expired() applied twice")
	}

	r.connected("rtr-1")
	r.reconnecting("rtr-1")
	if _, ok := wd.armed["rtr-1"]; ok {
		t.Error("watchdog armed while reconnecting")
	}
	if s := mustState(t, r, "rtr-1"); s.Status != StatusConnecting {
		t.Errorf("Status = %q, want connecting", s.Status)
	}

	r.remove("rtr-1")
	if _, ok := r.State("rtr-1"); ok {
		t.Error("state present after remove")
	}
	if got := l.removedIDs(); len(got) != 1 || got[0] != "rtr-1" {
		t.Errorf("removed = %v", got)
	}
	if got := sink.byKind("forgotten"); len(got) != 1 || got[0].deviceID != "rtr-1" {
		t.Errorf("forgotten = %+v, want rtr-1 once", got)
	}
	if len(l.changes) == 0 {
		t.Error("no state changes notified")
	}
}

func TestReconciler_UnchangedPatchNotNotified(t *testing.T) {
	r, _, _ := newTestReconciler()
	l := &recordingListener{}
	r.AddListener(l)

	feed(r, "rtr-1/version", "v1", false)
	feed(r, "rtr-1/version", "v1", false)

	if len(l.changes) != 1 {
		t.Errorf("changes = %d, want 1", len(l.changes))
	}
}

func TestFirstNumberAndProgress(t *testing.T) {
	if n, ok := firstNumber("rtt=17.5ms loss 0"); !ok || n != 17 {
		t.Errorf("firstNumber = %d, %v", n, ok)
	}
	if _, ok := firstNumber("no numbers"); ok {
		t.Error("firstNumber found a number in text")
	}
	if v, ok := parseProgress("80%"); !ok || v != 80 {
		t.Errorf("parseProgress(80%%) = %d, %v", v, ok)
	}
	if _, ok := parseProgress("-1"); ok {
		t.Error("parseProgress accepted -1")
	}
}
