package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/routerwatch-core/internal/telemetry"
	"github.com/nerrad567/routerwatch-core/internal/watchdog"
)

// Default service parameters.
const (
	defaultQueueSize = 1024
)

// Config holds the service parameters.
type Config struct {
	// WatchdogTimeout is the liveness window. Zero selects 70s.
	WatchdogTimeout time.Duration

	// CommandQoS is the QoS used for published commands.
	CommandQoS byte

	// QueueSize bounds the event queue. Zero selects a default.
	QueueSize int

	// Clock returns the receipt time. Nil selects time.Now.
	Clock func() time.Time
}

type eventKind int

const (
	evMessage eventKind = iota
	evConnected
	evSubscribeFailed
	evConnectionLost
	evReconnecting
	evExpired
)

func (k eventKind) String() string {
	switch k {
	case evMessage:
		return "message"
	case evConnected:
		return "connected"
	case evSubscribeFailed:
		return "subscribe_failed"
	case evConnectionLost:
		return "connection_lost"
	case evReconnecting:
		return "reconnecting"
	case evExpired:
		return "watchdog_expired"
	default:
		return "unknown"
	}
}

// event is one entry on the ordered stream.
type event struct {
	kind     eventKind
	deviceID string
	session  uint64

	topic      string
	payload    []byte
	retained   bool
	receivedAt time.Time

	err        error
	generation uint64
}

// Service runs the single ordered event stream for the whole fleet:
// transport messages, connection lifecycle, watchdog expiries and desired
// set changes are applied one at a time on one goroutine.
//
// Lifecycle:
//
//	svc := fleet.New(dialer, sink, cfg, logger)
//	svc.AddListener(hub)
//	svc.Start(ctx)
//	delta, err := svc.Reconcile(ctx, identities)
//	defer svc.Close()
type Service struct {
	cfg    Config
	clock  func() time.Time
	logger Logger

	supervisor *Supervisor
	reconciler *Reconciler
	watchdog   *watchdog.Registry
	commands   *Commands

	events  chan event
	control chan func()

	startOnce sync.Once
	closeOnce sync.Once
	started   chan struct{}
	stopped   chan struct{}
	loopDone  chan struct{}
}

// New creates a service. Nothing runs until Start.
func New(dialer Dialer, sink EventSink, cfg Config, logger Logger) *Service {
	if logger == nil {
		logger = noopLogger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	s := &Service{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		supervisor: NewSupervisor(dialer, logger),
		events:     make(chan event, queue),
		control:    make(chan func()),
		started:    make(chan struct{}),
		stopped:    make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	s.watchdog = watchdog.New(cfg.WatchdogTimeout, s.onWatchdogExpiry)
	s.reconciler = NewReconciler(s.watchdog, sink, logger)
	s.commands = NewCommands(s, mqtt.Topics{})
	return s
}

// AddListener registers a state observer. Call before Start.
func (s *Service) AddListener(l Listener) {
	s.reconciler.AddListener(l)
}

// Commands returns the device command helpers.
func (s *Service) Commands() *Commands {
	return s.commands
}

// Start launches the dispatch goroutine. It stops when ctx is cancelled or
// Close is called.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		select {
		case <-s.stopped:
			return
		default:
		}
		close(s.started)
		go s.loop(ctx)
	})
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-s.stopped:
			return
		case fn := <-s.control:
			fn()
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// do runs fn on the dispatch goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		defer s.recoverPanic("control")
		fn()
	}

	select {
	case s.control <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrServiceClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile replaces the desired device set. Removals are applied first,
// then additions, both in device id order. A device whose broker or
// credentials changed is removed and added again.
func (s *Service) Reconcile(ctx context.Context, desired []Identity) (Delta, error) {
	if err := ValidateDesired(desired); err != nil {
		return Delta{}, err
	}

	var delta Delta
	err := s.do(ctx, func() {
		delta = s.applyDesired(desired)
	})
	if err != nil {
		return Delta{}, fmt.Errorf("reconciling fleet: %w", err)
	}
	return delta, nil
}

func (s *Service) applyDesired(desired []Identity) Delta {
	delta := Diff(s.supervisor.Identities(), desired)

	for _, id := range delta.Remove {
		s.removeDevice(id.ID)
	}
	for _, id := range delta.Add {
		s.addDevice(id)
	}
	for _, id := range desired {
		s.supervisor.rename(id.ID, id.Name)
	}

	if !delta.Empty() {
		s.logger.Info("fleet reconciled",
			"removed", len(delta.Remove),
			"added", len(delta.Add),
			"total", s.supervisor.Len(),
		)
	}
	return delta
}

// removeDevice closes the connection and deletes all state. State removal
// runs even if closing fails.
func (s *Service) removeDevice(deviceID string) {
	defer s.reconciler.remove(deviceID)
	s.supervisor.remove(deviceID)
}

func (s *Service) addDevice(id Identity) {
	s.reconciler.added(id.ID)
	if err := s.supervisor.add(id, s.handlersFor); err != nil {
		s.logger.Warn("device dial failed", "device_id", id.ID, "error", err)
		s.reconciler.connectionLost(id.ID, err)
	}
}

// handlersFor binds transport callbacks to one session. Callbacks run on
// transport goroutines and only enqueue events.
func (s *Service) handlersFor(sess session) Handlers {
	emit := func(ev event) {
		ev.deviceID = sess.deviceID
		ev.session = sess.id
		select {
		case s.events <- ev:
		case <-sess.done:
		case <-s.loopDone:
		}
	}

	return Handlers{
		OnConnect: func() {
			emit(event{kind: evConnected})

			conn := sess.conn()
			if conn == nil {
				return
			}
			topics := mqtt.Topics{}
			if err := conn.Subscribe(topics.Subscriptions(sess.deviceID), topics.SubscriptionQoS()); err != nil {
				emit(event{kind: evSubscribeFailed, err: err})
			}
		},
		OnConnectionLost: func(err error) {
			emit(event{kind: evConnectionLost, err: err})
		},
		OnReconnecting: func() {
			emit(event{kind: evReconnecting})
		},
		OnMessage: func(topic string, payload []byte, retained bool) {
			emit(event{
				kind:       evMessage,
				topic:      topic,
				payload:    payload,
				retained:   retained,
				receivedAt: s.clock(),
			})
		},
	}
}

// onWatchdogExpiry runs on a timer goroutine.
func (s *Service) onWatchdogExpiry(deviceID string, generation uint64) {
	select {
	case s.events <- event{kind: evExpired, deviceID: deviceID, generation: generation}:
	case <-s.loopDone:
	}
}

// dispatch applies one event. A panic is contained to the event.
func (s *Service) dispatch(ev event) {
	defer s.recoverPanic(ev.kind.String())

	if ev.kind == evExpired {
		if s.reconciler.expired(ev.deviceID, ev.generation) {
			s.logger.Info("device watchdog expired", "device_id", ev.deviceID)
		}
		return
	}

	if !s.supervisor.isCurrent(ev.deviceID, ev.session) {
		s.logger.Debug("stale session event dropped",
			"device_id", ev.deviceID,
			"event", ev.kind.String(),
		)
		return
	}

	switch ev.kind {
	case evMessage:
		sig := telemetry.Normalize(ev.topic, ev.payload, ev.retained, ev.receivedAt)
		if sig.Kind == telemetry.KindUnknown || sig.DeviceID != ev.deviceID {
			s.logger.Debug("unexpected topic ignored", "device_id", ev.deviceID, "topic", ev.topic)
			return
		}
		s.reconciler.HandleSignal(sig, ev.receivedAt)

	case evConnected:
		s.supervisor.setState(ev.deviceID, ev.session, ConnConnected)
		s.reconciler.connected(ev.deviceID)
		s.logger.Info("device connected", "device_id", ev.deviceID)

	case evSubscribeFailed:
		s.reconciler.subscribeFailed(ev.deviceID, ev.err)
		s.logger.Warn("device subscribe failed", "device_id", ev.deviceID, "error", ev.err)

	case evConnectionLost:
		s.supervisor.setState(ev.deviceID, ev.session, ConnErrored)
		s.reconciler.connectionLost(ev.deviceID, ev.err)
		s.logger.Warn("device connection lost", "device_id", ev.deviceID, "error", ev.err)

	case evReconnecting:
		s.supervisor.setState(ev.deviceID, ev.session, ConnConnecting)
		s.reconciler.reconnecting(ev.deviceID)
		s.logger.Debug("device reconnecting", "device_id", ev.deviceID)
	}
}

func (s *Service) recoverPanic(what string) {
	if r := recover(); r != nil {
		s.logger.Error("fleet event panic recovered", "event", what, "panic", r)
	}
}

// Publish sends a command to a connected device. It returns
// ErrCommandRejected when the device is unknown or not connected; nothing
// is queued or retried.
func (s *Service) Publish(deviceID, topic string, payload []byte) error {
	return s.supervisor.publish(deviceID, topic, s.cfg.CommandQoS, payload)
}

// State returns the current state of one device.
func (s *Service) State(deviceID string) (DeviceState, bool) {
	return s.reconciler.State(deviceID)
}

// States returns the current state of every device, sorted by id.
func (s *Service) States() []DeviceState {
	return s.reconciler.States()
}

// Identities returns the active desired set, sorted by id.
func (s *Service) Identities() []Identity {
	return s.supervisor.Identities()
}

// Identity returns the identity of one active device.
func (s *Service) Identity(deviceID string) (Identity, bool) {
	return s.supervisor.Identity(deviceID)
}

// ConnState returns the connection state of one active device.
func (s *Service) ConnState(deviceID string) (ConnState, bool) {
	return s.supervisor.ConnState(deviceID)
}

// DeviceName resolves a display name, falling back to the id.
func (s *Service) DeviceName(deviceID string) string {
	if id, ok := s.supervisor.Identity(deviceID); ok {
		return id.DisplayName()
	}
	return deviceID
}

// ArmedWatchdogs returns the number of live watchdog deadlines.
func (s *Service) ArmedWatchdogs() int {
	return s.watchdog.Len()
}

// Close tears down every connection and stops the dispatcher. Each device
// is marked offline, its watchdog disarmed and its connection force-closed,
// even if an earlier device fails.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		select {
		case <-s.started:
			// If the loop already exited on ctx cancel it has torn down.
			_ = s.do(context.Background(), s.teardown)
			close(s.stopped)
			<-s.loopDone
		default:
			s.startOnce.Do(func() {})
			s.teardown()
			close(s.stopped)
			close(s.loopDone)
		}
	})
	return nil
}

func (s *Service) teardown() {
	for _, id := range s.supervisor.ids() {
		func() {
			defer s.recoverPanic("teardown")
			defer s.supervisor.remove(id)
			s.reconciler.closed(id)
		}()
	}
	s.watchdog.Stop()
	s.logger.Info("fleet stopped")
}
