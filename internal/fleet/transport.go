package fleet

import (
	"time"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

// Conn is one device's transport connection.
type Conn interface {
	// Start begins connecting in the background and returns immediately.
	Start()

	// Subscribe subscribes to all topics in one request. It may block
	// until the broker answers.
	Subscribe(topics []string, qos byte) error

	// Publish hands a message to the connection without waiting for the
	// broker.
	Publish(topic string, qos byte, payload []byte) error

	IsConnected() bool

	// Close force-closes the connection. No handler fires afterwards.
	Close()
}

// Handlers are the transport callbacks a Dialer must wire.
type Handlers struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnReconnecting   func()
	OnMessage        func(topic string, payload []byte, retained bool)
}

// Dialer creates a connection for an identity without starting it.
type Dialer interface {
	Dial(id Identity, h Handlers) (Conn, error)
}

// EventSink receives derived device events. Implementations must not
// block for long; failures are theirs to log.
type EventSink interface {
	OnDeviceSeen(deviceID string, at time.Time)
	OnDeviceAction(deviceID string, action telemetry.Action, at time.Time)
	OnDeviceEvent(deviceID, label string, at time.Time)
	OnSchedulesCleared(deviceID string)

	// OnDeviceForgotten is called when a device leaves the desired set.
	// Persisted per-device metadata must not outlive it.
	OnDeviceForgotten(deviceID string)
}

// Listener observes canonical state. Calls are made from the dispatch
// goroutine in event order and must not call back into the Service
// synchronously.
type Listener interface {
	OnStateChanged(change Change)
	OnDeviceRemoved(deviceID string)
}

// Logger defines the logging interface used by the fleet package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopSink struct{}

func (noopSink) OnDeviceSeen(string, time.Time)                     {}
func (noopSink) OnDeviceAction(string, telemetry.Action, time.Time) {}
func (noopSink) OnDeviceEvent(string, string, time.Time)            {}
func (noopSink) OnSchedulesCleared(string)                          {}
func (noopSink) OnDeviceForgotten(string)                           {}
