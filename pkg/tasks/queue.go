package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aquasense/inference-runner/pkg/bus"
)

// AckFunc confirms that a dequeued task has been fully handled. Until it is
// called the queue may redeliver the task, so a worker crash mid-execution
// does not lose work.
type AckFunc func() error

// Queue is the distributed work queue feeding the dispatcher's workers.
// Delivery is at-least-once and ordering is best-effort FIFO; retries and
// requeueing can reorder work.
type Queue interface {
	// Enqueue submits a task for execution.
	Enqueue(ctx context.Context, task *Task) error
	// Dequeue blocks until a task is available or ctx is done. The caller
	// must invoke the returned AckFunc once the task reaches a terminal
	// state or has been requeued.
	Dequeue(ctx context.Context) (*Task, AckFunc, error)
	// Close releases the queue's resources.
	Close() error
}

// memoryQueueCapacity bounds the in-process queue depth.
const memoryQueueCapacity = 256

// MemoryQueue is an in-process Queue for single-node deployments and tests.
type MemoryQueue struct {
	ch chan *Task
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ch: make(chan *Task, memoryQueueCapacity)}
}

// Enqueue implements Queue.Enqueue.
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements Queue.Dequeue. The in-process queue hands a task to
// exactly one worker, so its acknowledgement is a no-op.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, AckFunc, error) {
	select {
	case task := <-q.ch:
		return task, func() error { return nil }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close implements Queue.Close.
func (q *MemoryQueue) Close() error {
	return nil
}

const (
	// natsTaskSubject is the JetStream subject carrying queued tasks.
	natsTaskSubject = "tasks.inference"
	// natsTaskStream is the JetStream stream backing the task queue.
	natsTaskStream = "TASKS"
	// natsFetchTimeout bounds one pull attempt so Dequeue can observe ctx.
	natsFetchTimeout = 5 * time.Second
)

// NATSQueue is a Queue backed by a JetStream work-queue stream, shared by
// every dispatcher process connected to the same server.
type NATSQueue struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
}

// NewNATSQueue connects a work queue over an existing NATS connection.
func NewNATSQueue(conn *nats.Conn) (*NATSQueue, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bus.ErrBroker, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      natsTaskStream,
		Subjects:  []string{natsTaskSubject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("%w: unable to ensure task stream: %v", bus.ErrBroker, err)
	}
	sub, err := js.PullSubscribe(natsTaskSubject, "dispatcher")
	if err != nil {
		return nil, fmt.Errorf("%w: unable to subscribe to task stream: %v", bus.ErrBroker, err)
	}
	return &NATSQueue{conn: conn, js: js, sub: sub}, nil
}

// Enqueue implements Queue.Enqueue.
func (q *NATSQueue) Enqueue(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("unable to encode task %s: %w", task.ID, err)
	}
	if _, err := q.js.Publish(natsTaskSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: enqueue task %s: %v", bus.ErrBroker, task.ID, err)
	}
	return nil
}

// Dequeue implements Queue.Dequeue. The JetStream acknowledgement is deferred
// to the returned AckFunc so a worker crash before the task finishes leaves
// the message pending for redelivery.
func (q *NATSQueue) Dequeue(ctx context.Context) (*Task, AckFunc, error) {
	for {
		msgs, err := q.sub.Fetch(1, nats.MaxWait(natsFetchTimeout))
		if err != nil {
			if err == nats.ErrTimeout {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				continue
			}
			return nil, nil, fmt.Errorf("%w: dequeue: %v", bus.ErrBroker, err)
		}
		msg := msgs[0]
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			// A task that cannot even decode is acked away rather than
			// poisoning the queue.
			msg.Ack()
			return nil, nil, fmt.Errorf("unable to decode queued task: %w", err)
		}
		return &task, func() error { return msg.Ack() }, nil
	}
}

// Close implements Queue.Close.
func (q *NATSQueue) Close() error {
	return q.sub.Unsubscribe()
}
