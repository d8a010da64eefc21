// Package bus abstracts the message bus that carries telemetry, vision
// events, inference requests, and alerts. Two implementations exist: a NATS
// JetStream bus for distributed deployments and an in-process bus for
// single-node deployments and tests.
package bus

import (
	"context"
	"errors"
	"time"
)

// Topic names carried on the bus.
const (
	// TopicSensorData carries sensor telemetry readings.
	TopicSensorData = "sensor-data"
	// TopicCameraEvents carries vision/detection events from cameras.
	TopicCameraEvents = "camera-events"
	// TopicSystemEvents carries system alerts.
	TopicSystemEvents = "system-events"
	// TopicPredictionRequests carries inference requests submitted by message
	// rather than HTTP.
	TopicPredictionRequests = "prediction-requests"
	// TopicErrorMessages receives every message that failed handling, along
	// with its original topic, payload, and failure reason.
	TopicErrorMessages = "error-messages"
	// TopicAlerts receives anomaly and critical-event alerts.
	TopicAlerts = "alerts"
)

// ErrBroker is a sentinel error for bus connectivity failures. Operations
// failing with it are transient and safe to retry with backoff.
var ErrBroker = errors.New("message broker unavailable")

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// Message is one record consumed from a topic. Acknowledgement is manual:
// consumers ack only after successful dispatch, so an unacked message is
// redelivered (at-least-once delivery - handlers must tolerate duplicates).
type Message struct {
	// Topic is the topic the message arrived on.
	Topic string
	// Data is the raw payload.
	Data []byte
	// Timestamp is the message arrival time.
	Timestamp time.Time

	ack func() error
	nak func() error
}

// Ack acknowledges the message. It is a no-op on messages without delivery
// tracking.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak rejects the message, requesting redelivery.
func (m *Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Bus is the message bus producer/consumer interface. The producer handle is
// a process-wide singleton owned by the composition root.
type Bus interface {
	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe delivers a topic's messages on the returned channel.
	// Subscribers sharing a group name split the topic's messages between
	// them; distinct groups each receive every message. The channel closes
	// when the bus shuts down.
	Subscribe(topic, group string) (<-chan *Message, error)
	// Close tears down the bus connection.
	Close() error
}
