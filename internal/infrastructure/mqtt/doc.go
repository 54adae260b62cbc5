// Package mqtt provides per-device broker connectivity for RouterWatch Core.
//
// This package manages:
//   - One paho client per device over secure WebSockets (wss:// by default)
//   - Connect retries with lifecycle callbacks for every attempt
//   - Fire-and-forget command publishing
//   - Multi-topic telemetry subscriptions
//   - Per-device topic builders
//
// # Architecture
//
// Every router talks to its own broker endpoint with its own credentials,
// so the core holds one connection per device rather than one shared bus:
//
//	RouterWatch Core ─┬─ wss ─ broker A ─ rtr-001
//	                  └─ wss ─ broker B ─ rtr-002
//
// # Security Considerations
//
//   - TLS 1.2+ is used for wss, ssl and mqtts schemes
//   - insecure_skip_verify exists for lab brokers only
//   - Credentials are per device and never logged
//
// # Usage
//
//	c, err := mqtt.Dial(cfg.MQTT, mqtt.Endpoint{DeviceID: "rtr-001", Host: "broker.example.com"}, mqtt.Handlers{
//	    OnConnect: func() { ... },
//	    OnMessage: func(topic string, payload []byte, retained bool) { ... },
//	})
//	if err != nil {
//	    return err
//	}
//	c.Start()
//	defer c.Close()
package mqtt
