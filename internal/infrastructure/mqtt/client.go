package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
)

// Client is one device's connection to its broker.
//
// A Client is built by Dial without touching the network and starts
// connecting on Start. Lifecycle and messages are reported through the
// Handlers given to Dial.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers are invoked from paho goroutines and from the connect loop,
//     never while a Client lock is held.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	endpoint Endpoint
	handlers Handlers

	reconnectPeriod time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// With ordered delivery a handler blocks the connection's router, so it
// should hand the message off rather than process it inline.
type MessageHandler func(topic string, payload []byte, retained bool)

// Handlers receive connection lifecycle events and messages. Nil fields
// are ignored.
type Handlers struct {
	// OnConnect is called after every successful connect or reconnect.
	OnConnect func()

	// OnConnectionLost is called when an established connection drops or
	// a connection attempt fails. The error wraps ErrConnectionFailed for
	// failed attempts.
	OnConnectionLost func(err error)

	// OnReconnecting is called before every retry.
	OnReconnecting func()

	// OnMessage is called for each message on a subscribed topic.
	OnMessage MessageHandler
}

// Dial prepares a client for one device endpoint. No network I/O happens
// until Start.
func Dial(cfg config.MQTTConfig, ep Endpoint, h Handlers) (*Client, error) {
	if ep.Host == "" {
		return nil, fmt.Errorf("%w: device %s", ErrInvalidEndpoint, ep.DeviceID)
	}

	c := &Client{
		cfg:             cfg,
		endpoint:        ep,
		handlers:        h,
		reconnectPeriod: secondsOr(cfg.ReconnectPeriod, defaultReconnectPeriod),
		closed:          make(chan struct{}),
	}

	opts := buildClientOptions(cfg, ep)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		if c.isClosed() {
			return
		}
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if c.isClosed() {
			return
		}
		if c.handlers.OnConnectionLost != nil {
			c.handlers.OnConnectionLost(err)
		}
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if c.isClosed() {
			return
		}
		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting()
		}
	})

	opts.SetDefaultPublishHandler(c.wrapHandler(h.OnMessage))

	c.client = pahomqtt.NewClient(opts)
	return c, nil
}

// Start begins connecting in the background and returns immediately.
// Failed initial attempts are reported through OnConnectionLost and retried
// every reconnect period until Close; after the first success paho's own
// auto-reconnect takes over.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

func (c *Client) run() {
	for {
		// The attempt is bounded by the connect timeout. It is not abandoned
		// on Close: a late success would otherwise leave an orphaned
		// connection behind.
		token := c.client.Connect()
		<-token.Done()

		err := token.Error()
		if c.isClosed() {
			if err == nil {
				c.client.Disconnect(forceCloseQuiesce)
			}
			return
		}
		if err == nil {
			return
		}
		if c.handlers.OnConnectionLost != nil {
			c.handlers.OnConnectionLost(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		}

		select {
		case <-time.After(c.reconnectPeriod):
		case <-c.closed:
			return
		}
		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting()
		}
	}
}

// Close force-closes the connection. Pending operations are abandoned and
// no handler is invoked afterwards. Calling Close more than once is safe.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Disconnect(forceCloseQuiesce)
	})
}

// IsConnected reports whether the connection is currently open.
func (c *Client) IsConnected() bool {
	if c.isClosed() {
		return false
	}
	return c.client.IsConnectionOpen()
}

// DeviceID returns the device this client connects for.
func (c *Client) DeviceID() string {
	return c.endpoint.DeviceID
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery so a bad payload
// can never take down the connection's router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if handler == nil || c.isClosed() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"device_id", c.endpoint.DeviceID,
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		handler(msg.Topic(), msg.Payload(), msg.Retained())
	}
}
