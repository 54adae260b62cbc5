package fleet

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Transport fakes
// =============================================================================

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakeConn struct {
	identity Identity
	handlers Handlers

	mu         sync.Mutex
	started    bool
	connected  bool
	closed     bool
	subscribed []string
	subErr     error
	published  []published
}

func (c *fakeConn) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

func (c *fakeConn) Subscribe(topics []string, _ byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.subscribed = append([]string(nil), topics...)
	return nil
}

func (c *fakeConn) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, qos, string(payload)})
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) publishedMessages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// connect simulates a successful transport connect.
func (c *fakeConn) connect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.handlers.OnConnect()
}

func (c *fakeConn) lose(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.handlers.OnConnectionLost(err)
}

func (c *fakeConn) message(topic, payload string, retained bool) {
	c.handlers.OnMessage(topic, []byte(payload), retained)
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   map[string][]*fakeConn
	failFor map[string]error
	subErr  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns:   make(map[string][]*fakeConn),
		failFor: make(map[string]error),
	}
}

func (d *fakeDialer) Dial(id Identity, h Handlers) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failFor[id.ID]; err != nil {
		return nil, err
	}
	c := &fakeConn{identity: id, handlers: h, subErr: d.subErr}
	d.conns[id.ID] = append(d.conns[id.ID], c)
	return c, nil
}

// latest returns the most recent connection dialed for deviceID.
func (d *fakeDialer) latest(t *testing.T, deviceID string) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.conns[deviceID]
	if len(cs) == 0 {
		t.Fatalf("no connection dialed for %s", deviceID)
	}
	return cs[len(cs)-1]
}

func (d *fakeDialer) dialCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[deviceID])
}

// =============================================================================
// Sink and listener fakes
// =============================================================================

type sinkEvent struct {
	kind     string
	deviceID string
	value    string
	at       time.Time
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) add(e sinkEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) OnDeviceSeen(id string, at time.Time) {
	s.add(sinkEvent{"seen", id, "", at})
}

func (s *recordingSink) OnDeviceAction(id string, a telemetry.Action, at time.Time) {
	s.add(sinkEvent{"action", id, string(a), at})
}

func (s *recordingSink) OnDeviceEvent(id, label string, at time.Time) {
	s.add(sinkEvent{"event", id, label, at})
}

func (s *recordingSink) OnSchedulesCleared(id string) {
	s.add(sinkEvent{"schedules_cleared", id, "", time.Time{}})
}

func (s *recordingSink) OnDeviceForgotten(id string) {
	s.add(sinkEvent{"forgotten", id, "", time.Time{}})
}

func (s *recordingSink) byKind(kind string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type recordingListener struct {
	mu      sync.Mutex
	changes []Change
	removed []string
}

func (l *recordingListener) OnStateChanged(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *recordingListener) OnDeviceRemoved(id string) {
	l.mu.Lock()
	l.removed = append(l.removed, id)
	l.mu.Unlock()
}

func (l *recordingListener) removedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.removed...)
}

// fakeWatchdog records calls for synchronous reconciler tests.
type fakeWatchdog struct {
	armed map[string]uint64
	gen   uint64
	arms  int
}

func newFakeWatchdog() *fakeWatchdog {
	return &fakeWatchdog{armed: make(map[string]uint64)}
}

func (w *fakeWatchdog) Arm(id string) uint64 {
	w.gen++
	w.arms++
	w.armed[id] = w.gen
	return w.gen
}

func (w *fakeWatchdog) Disarm(id string) {
	delete(w.armed, id)
}

func (w *fakeWatchdog) Consume(id string, gen uint64) bool {
	if g, ok := w.armed[id]; ok && g == gen {
		delete(w.armed, id)
		return true
	}
	return false
}

var errBrokerGone = errors.New("broker went away")
