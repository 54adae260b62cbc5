package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe subscribes to every topic in one request. Messages are
// delivered to the OnMessage handler given to Dial.
//
// With a clean session the broker forgets subscriptions on disconnect, so
// callers subscribe again from OnConnect.
//
// Returns:
//   - error: nil on success, or wrapped ErrSubscribeFailed
func (c *Client) Subscribe(topics []string, qos byte) error {
	if len(topics) == 0 {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		if t == "" {
			return ErrInvalidTopic
		}
		filters[t] = qos
	}

	if c.isClosed() {
		return ErrClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// nil callback: messages go to the default publish handler.
	token := c.client.SubscribeMultiple(filters, nil)
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultSubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	// A refused filter comes back as 0x80 in the SUBACK.
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("%w: broker refused %s", ErrSubscribeFailed, topic)
			}
		}
	}

	return nil
}
