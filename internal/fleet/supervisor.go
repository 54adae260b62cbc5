package fleet

import (
	"fmt"
	"sort"
	"sync"
)

// ConnState is the lifecycle of one device connection.
type ConnState string

// Connection states.
const (
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnClosed     ConnState = "closed"
	ConnErrored    ConnState = "errored"
)

// handle is the supervisor's record of one desired device.
type handle struct {
	identity Identity
	conn     Conn
	session  uint64
	state    ConnState

	// done is closed when the handle is torn down so transport goroutines
	// blocked on the event queue give up.
	done chan struct{}
}

// session identifies one connection attempt series for a device. Events
// carry it so the dispatcher can drop those from a replaced connection.
type session struct {
	deviceID string
	id       uint64
	done     <-chan struct{}
	conn     func() Conn
}

// Supervisor owns the device id → connection mapping.
//
// Mutations happen on the Service dispatch goroutine; Publish and the read
// accessors may be called from anywhere.
type Supervisor struct {
	dialer Dialer
	logger Logger

	mu      sync.RWMutex
	handles map[string]*handle
	session uint64
}

// NewSupervisor creates a supervisor that opens connections with dialer.
func NewSupervisor(dialer Dialer, logger Logger) *Supervisor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		dialer:  dialer,
		logger:  logger,
		handles: make(map[string]*handle),
	}
}

// Identities returns the active identities sorted by device id.
func (s *Supervisor) Identities() []Identity {
	s.mu.RLock()
	out := make([]Identity, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.identity)
	}
	s.mu.RUnlock()

	sortByID(out)
	return out
}

// Identity returns the active identity for deviceID.
func (s *Supervisor) Identity(deviceID string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deviceID]
	if !ok {
		return Identity{}, false
	}
	return h.identity, true
}

// ConnState returns the connection state for deviceID.
func (s *Supervisor) ConnState(deviceID string) (ConnState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deviceID]
	if !ok {
		return "", false
	}
	return h.state, true
}

// Len returns the number of supervised devices.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// add dials and starts a connection for id. handlersFor builds the
// transport callbacks bound to the new session. A dial failure still
// records the device so a later reconcile sees it as active.
func (s *Supervisor) add(id Identity, handlersFor func(sess session) Handlers) error {
	s.mu.Lock()
	s.session++
	h := &handle{
		identity: id,
		session:  s.session,
		state:    ConnConnecting,
		done:     make(chan struct{}),
	}
	s.handles[id.ID] = h
	s.mu.Unlock()

	sess := session{
		deviceID: id.ID,
		id:       h.session,
		done:     h.done,
		conn: func() Conn {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return h.conn
		},
	}

	conn, err := s.dialer.Dial(id, handlersFor(sess))
	if err != nil {
		s.mu.Lock()
		h.state = ConnErrored
		s.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", id.ID, err)
	}

	s.mu.Lock()
	h.conn = conn
	s.mu.Unlock()

	conn.Start()
	return nil
}

// remove tears down the connection for deviceID. The handle is removed
// first so no later event from its session is accepted, and the close is
// attempted even if it panics.
func (s *Supervisor) remove(deviceID string) {
	s.mu.Lock()
	h, ok := s.handles[deviceID]
	delete(s.handles, deviceID)
	s.mu.Unlock()

	if !ok {
		return
	}
	close(h.done)
	s.closeConn(deviceID, h)
}

func (s *Supervisor) closeConn(deviceID string, h *handle) {
	if h.conn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection close panicked", "device_id", deviceID, "panic", r)
		}
	}()
	h.conn.Close()
}

// rename updates display names without touching the connection.
func (s *Supervisor) rename(deviceID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[deviceID]; ok {
		h.identity.Name = name
	}
}

// isCurrent reports whether session is the live session for deviceID.
func (s *Supervisor) isCurrent(deviceID string, session uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deviceID]
	return ok && h.session == session
}

func (s *Supervisor) setState(deviceID string, session uint64, state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[deviceID]; ok && h.session == session {
		h.state = state
	}
}

// publish sends a command on a connected device. Nothing is queued.
func (s *Supervisor) publish(deviceID, topic string, qos byte, payload []byte) error {
	s.mu.RLock()
	h, ok := s.handles[deviceID]
	var (
		conn  Conn
		state ConnState
	)
	if ok {
		conn, state = h.conn, h.state
	}
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s is not supervised", ErrCommandRejected, deviceID)
	}
	if conn == nil || state != ConnConnected || !conn.IsConnected() {
		return fmt.Errorf("%w: %s is %s", ErrCommandRejected, deviceID, state)
	}
	if err := conn.Publish(topic, qos, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrCommandRejected, err)
	}
	return nil
}

// ids returns the supervised device ids in order.
func (s *Supervisor) ids() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.handles))
	for id := range s.handles {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}
