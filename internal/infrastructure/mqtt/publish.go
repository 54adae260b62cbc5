package mqtt

import (
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish hands a message to the connection and returns without waiting
// for the broker.
//
// Commands are fire-and-forget: nothing is queued while disconnected and
// nothing is retried. A publish that fails after hand-off is only logged.
//
// Returns:
//   - ErrNotConnected if the connection is not open right now
//   - ErrInvalidTopic, ErrInvalidQoS or ErrPublishFailed for bad input
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if c.isClosed() {
		return ErrClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		if token.WaitTimeout(defaultPublishLogTimeout) && token.Error() != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT publish failed",
					"device_id", c.endpoint.DeviceID,
					"topic", topic,
					"error", token.Error(),
				)
			}
		}
	}()

	return nil
}
