package fleet

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

// Watchdog is the subset of watchdog.Registry the reconciler drives.
type Watchdog interface {
	Arm(deviceID string) uint64
	Disarm(deviceID string)
	Consume(deviceID string, generation uint64) bool
}

// Reconciler is the sole owner of DeviceState.
//
// Mutating methods are called only from the Service dispatch goroutine, so
// they never race with each other; the lock exists for concurrent readers.
type Reconciler struct {
	watchdog Watchdog
	sink     EventSink
	logger   Logger

	listenersMu sync.RWMutex
	listeners   []Listener

	mu     sync.RWMutex
	states map[string]*DeviceState
}

// NewReconciler creates a reconciler. A nil sink discards events.
func NewReconciler(wd Watchdog, sink EventSink, logger Logger) *Reconciler {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Reconciler{
		watchdog: wd,
		sink:     sink,
		logger:   logger,
		states:   make(map[string]*DeviceState),
	}
}

// AddListener registers a state observer.
func (r *Reconciler) AddListener(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// State returns a copy of one device's state.
func (r *Reconciler) State(deviceID string) (DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return s.Clone(), true
}

// States returns copies of every device state, sorted by device id.
func (r *Reconciler) States() []DeviceState {
	r.mu.RLock()
	out := make([]DeviceState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].DeviceID < out[b].DeviceID })
	return out
}

// HandleSignal applies the topic reducer for one normalised message and
// then the action step. now is the receipt time.
func (r *Reconciler) HandleSignal(sig telemetry.Signal, now time.Time) {
	id := sig.DeviceID
	c := telemetry.Classify(sig.Kind, sig.Text)

	var p Patch
	switch {
	case sig.Kind == telemetry.KindHealth:
		// A retained health report is a stale ping.
		if sig.Retained {
			break
		}
		if ping, ok := firstNumber(sig.Payload); ok {
			p.Ping = &ping
		}
		p.HealthStatus = ptr(sig.Payload)
		p.Status = ptr(StatusOnline)
		p.ErrorMessage = ptr("")
		p.LastSeen = ptr(now)
		r.watchdog.Arm(id)

	case sig.Kind == telemetry.KindOTAStatus:
		p.OTAStatus = ptr(sig.Payload)

	case sig.Kind == telemetry.KindOTAProgress:
		// Keyword text has separators trimmed, so "-5" would read as 5.
		if v, ok := parseProgress(sig.Payload); ok {
			p.OTAProgress = &v
		}

	case sig.Kind == telemetry.KindVersion:
		p.DeviceVersion = ptr(sig.Payload)

	case sig.Kind.IsHeartbeatClass():
		switch {
		case c.Online:
			status := StatusOnline
			if c.Resetting {
				status = StatusResetting
			}
			p.Status = &status
			p.ErrorMessage = ptr("")
			r.watchdog.Arm(id)
			if sig.HasEventTime() {
				p.LastSeen = ptr(sig.EventTime)
				r.sink.OnDeviceSeen(id, sig.EventTime)
			}
		case c.Offline:
			r.watchdog.Disarm(id)
			p.Status = ptr(StatusOffline)
			p.ErrorMessage = ptr(MsgReportedOffline)
			p.ClearPing = true
		}
		if sig.Kind == telemetry.KindStatus && c.SchedulesCleared {
			r.sink.OnSchedulesCleared(id)
		}
	}

	// An action without an event time is dropped: a retained message
	// would otherwise fabricate a fresh event on every reconnect.
	if c.HasAction() && sig.HasEventTime() {
		at := sig.EventTime
		r.sink.OnDeviceEvent(id, c.Label, at)
		r.sink.OnDeviceAction(id, c.Action, at)

		p.LastAction = ptr(c.Action)
		p.LastActionTime = ptr(at)
		if c.Action == telemetry.ActionReboot && sig.Kind.IsHeartbeatClass() {
			p.LastSeen = ptr(at)
		}
		switch c.Action {
		case telemetry.ActionPowerOff:
			p.IsPoweredOff = ptr(true)
		case telemetry.ActionPowerOn:
			p.IsPoweredOff = ptr(false)
		}
	} else if c.HasAction() {
		r.logger.Debug("action without event time dropped",
			"device_id", id,
			"action", c.Action,
			"topic", sig.Topic,
		)
	}

	r.apply(id, p)
}

// added marks a newly desired device as connecting.
func (r *Reconciler) added(deviceID string) {
	r.apply(deviceID, Patch{
		Status:       ptr(StatusConnecting),
		ErrorMessage: ptr(""),
	})
}

// connected handles a transport connect: the device is reachable but has
// not reported yet.
func (r *Reconciler) connected(deviceID string) {
	r.watchdog.Arm(deviceID)
	r.apply(deviceID, Patch{
		Status:       ptr(StatusConnecting),
		ErrorMessage: ptr(MsgAwaitingData),
	})
}

func (r *Reconciler) subscribeFailed(deviceID string, err error) {
	r.apply(deviceID, Patch{
		Status:       ptr(StatusError),
		ErrorMessage: ptr(err.Error()),
	})
}

func (r *Reconciler) connectionLost(deviceID string, err error) {
	r.watchdog.Disarm(deviceID)
	r.apply(deviceID, Patch{
		Status:       ptr(StatusError),
		ErrorMessage: ptr(err.Error()),
	})
}

// reconnecting never carries a deadline across attempts.
func (r *Reconciler) reconnecting(deviceID string) {
	r.watchdog.Disarm(deviceID)
	r.apply(deviceID, Patch{Status: ptr(StatusConnecting)})
}

func (r *Reconciler) closed(deviceID string) {
	r.watchdog.Disarm(deviceID)
	r.apply(deviceID, Patch{Status: ptr(StatusOffline)})
}

// expired applies a watchdog expiry if the entry that fired is still the
// current one. It reports whether the expiry was applied.
func (r *Reconciler) expired(deviceID string, generation uint64) bool {
	if !r.watchdog.Consume(deviceID, generation) {
		return false
	}
	r.apply(deviceID, Patch{
		Status:       ptr(StatusOffline),
		ErrorMessage: ptr(MsgWatchdogExpiry),
		ClearPing:    true,
		HealthStatus: ptr(""),
	})
	return true
}

// remove disarms the watchdog and deletes all state for the device.
func (r *Reconciler) remove(deviceID string) {
	r.watchdog.Disarm(deviceID)

	r.mu.Lock()
	_, existed := r.states[deviceID]
	delete(r.states, deviceID)
	r.mu.Unlock()

	r.sink.OnDeviceForgotten(deviceID)
	if existed {
		for _, l := range r.snapshotListeners() {
			l.OnDeviceRemoved(deviceID)
		}
	}
}

// apply merges p into the device's state, creating it on first use, and
// notifies listeners when anything changed.
func (r *Reconciler) apply(deviceID string, p Patch) {
	r.mu.Lock()
	s, ok := r.states[deviceID]
	if !ok {
		s = &DeviceState{DeviceID: deviceID, Status: StatusOffline}
		r.states[deviceID] = s
	}
	fields := p.apply(s)
	if !ok && len(fields) == 0 {
		fields = []string{"status"}
	}
	merged := s.Clone()
	r.mu.Unlock()

	if len(fields) == 0 {
		return
	}
	change := Change{State: merged, Fields: fields}
	for _, l := range r.snapshotListeners() {
		l.OnStateChanged(change)
	}
}

func (r *Reconciler) snapshotListeners() []Listener {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

// firstNumber returns the integer part of the first number in s.
func firstNumber(s string) (int, bool) {
	start := strings.IndexAny(s, "0123456789")
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseProgress accepts an integer percentage in 0..100.
func parseProgress(text string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(text, "%")))
	if err != nil || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}
