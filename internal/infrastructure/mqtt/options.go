package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time for one connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultReconnectPeriod is the delay between connection attempts.
	defaultReconnectPeriod = 5 * time.Second

	// defaultSubscribeTimeout bounds the wait for a SUBACK.
	defaultSubscribeTimeout = 5 * time.Second

	// defaultPublishLogTimeout bounds the background wait used only to log
	// a failed publish; callers never wait on it.
	defaultPublishLogTimeout = 5 * time.Second

	// forceCloseQuiesce is the disconnect grace period in milliseconds.
	// Removal is a force close, so nothing pending is waited for.
	forceCloseQuiesce = 0

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Endpoint identifies one device's broker and the credentials used on it.
type Endpoint struct {
	DeviceID string
	Host     string
	Port     int
	Path     string
	Username string
	Password string
}

// brokerURL renders the endpoint as a paho broker URL. WebSocket schemes
// carry a path; raw TCP schemes do not.
func brokerURL(cfg config.MQTTConfig, ep Endpoint) string {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "wss"
	}
	port := ep.Port
	if port == 0 {
		port = cfg.Port
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, ep.Host, port)

	if scheme == "ws" || scheme == "wss" {
		path := ep.Path
		if path == "" {
			path = cfg.Path
		}
		if path != "" && path[0] != '/' {
			path = "/" + path
		}
		url += path
	}
	return url
}

func isSecureScheme(scheme string) bool {
	switch scheme {
	case "wss", "ssl", "mqtts", "tls":
		return true
	default:
		return false
	}
}

// clientID is unique per connection so a replaced connection for the same
// device never kicks its successor off the broker.
func clientID(prefix, deviceID string) string {
	if prefix == "" {
		prefix = "routerwatch"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, deviceID, uuid.NewString()[:8])
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

// buildClientOptions creates paho options for one device connection.
//
// This configures:
//   - Broker URL (wss:// by default, with the WebSocket path)
//   - A unique client ID per connection
//   - Device credentials (if provided)
//   - Auto-reconnect after the first successful connect
//   - TLS 1.2+ for secure schemes
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig, ep Endpoint) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg, ep))
	opts.SetClientID(clientID(cfg.ClientIDPrefix, ep.DeviceID))

	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}

	// Clean session: subscriptions are re-issued on every connect.
	opts.SetCleanSession(true)

	// Initial attempts are driven by Client.run so each failure is
	// reported; paho handles reconnects after the first success.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(secondsOr(cfg.ReconnectPeriod, defaultReconnectPeriod))

	opts.SetConnectTimeout(secondsOr(cfg.ConnectTimeout, defaultConnectTimeout))
	opts.SetKeepAlive(secondsOr(cfg.KeepAlive, defaultKeepAlive))

	// Messages for one device are delivered in arrival order.
	opts.SetOrderMatters(true)

	if isSecureScheme(cfg.Scheme) || cfg.Scheme == "" {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tlsMinVersion,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // lab brokers with self-signed certs
		})
	}

	return opts
}
