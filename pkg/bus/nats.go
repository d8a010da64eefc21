package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aquasense/inference-runner/pkg/logging"
)

// streamName is the JetStream stream holding every runner topic.
const streamName = "INFERENCE"

// NATSBus is a Bus backed by NATS JetStream. Manual acknowledgement gives the
// at-least-once delivery the stream router relies on.
type NATSBus struct {
	log  logging.Logger
	conn *nats.Conn
	js   nats.JetStreamContext
	subs []*nats.Subscription
}

// ConnectNATS connects to a NATS server and ensures the runner's stream
// exists with all known topics as subjects.
func ConnectNATS(log logging.Logger, url string) (*NATSBus, error) {
	conn, err := nats.Connect(
		url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBroker, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrBroker, err)
	}

	// Idempotent: AddStream with an existing matching configuration is a
	// no-op.
	_, err = js.AddStream(&nats.StreamConfig{
		Name: streamName,
		Subjects: []string{
			TopicSensorData,
			TopicCameraEvents,
			TopicSystemEvents,
			TopicPredictionRequests,
			TopicErrorMessages,
			TopicAlerts,
		},
		Retention: nats.LimitsPolicy,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("%w: unable to ensure stream: %v", ErrBroker, err)
	}

	return &NATSBus{log: log, conn: conn, js: js}, nil
}

// Conn exposes the underlying connection so other JetStream consumers can
// share it.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	if _, err := b.js.Publish(topic, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrBroker, topic, err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is durable per group
// so redeliveries survive consumer restarts.
func (b *NATSBus) Subscribe(topic, group string) (<-chan *Message, error) {
	ch := make(chan *Message, subscriberBuffer)
	sub, err := b.js.QueueSubscribe(topic, group, func(m *nats.Msg) {
		ch <- &Message{
			Topic:     m.Subject,
			Data:      m.Data,
			Timestamp: time.Now(),
			ack:       func() error { return m.Ack() },
			nak:       func() error { return m.Nak() },
		}
	}, nats.ManualAck(), nats.Durable(durableName(topic, group)))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe to %s: %v", ErrBroker, topic, err)
	}
	b.subs = append(b.subs, sub)
	return ch, nil
}

// durableName derives a JetStream-safe durable consumer name from a topic and
// group.
func durableName(topic, group string) string {
	name := group + "-" + topic
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '*' || c == '>' || c == '/' {
			c = '-'
		}
		out = append(out, c)
	}
	return string(out)
}

// Close implements Bus.Close. Subscriptions are drained so in-flight messages
// finish before the connection drops.
func (b *NATSBus) Close() error {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warnf("Error draining subscription: %v", err)
		}
	}
	b.conn.Close()
	return nil
}
