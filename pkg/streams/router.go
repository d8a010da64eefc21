package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aquasense/inference-runner/pkg/bus"
	"github.com/aquasense/inference-runner/pkg/logging"
	"github.com/aquasense/inference-runner/pkg/tasks"
)

const (
	// reconnectBackoff is the delay between consumer reconnection attempts.
	reconnectBackoff = 2 * time.Second
	// requestPurgeInterval is the period of the request-to-task mapping
	// cleanup.
	requestPurgeInterval = 5 * time.Minute
	// defaultRequestRetention bounds how long request-to-task mappings are
	// kept, matching the task store's record retention.
	defaultRequestRetention = time.Hour
)

// ConsumerState is the lifecycle state of the router's consumers.
type ConsumerState int32

const (
	// StateDisconnected is the initial state before Run.
	StateDisconnected ConsumerState = iota
	// StateConnecting means subscriptions are being established.
	StateConnecting
	// StateConsuming means messages are flowing.
	StateConsuming
	// StateReconnecting means a transient broker error interrupted
	// consumption and the router is re-establishing its subscriptions.
	StateReconnecting
	// StateStopped is terminal, reached only on explicit shutdown.
	StateStopped
)

// String implements Stringer.String for ConsumerState.
func (s ConsumerState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConsuming:
		return "CONSUMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Submitter enqueues asynchronous inference work. It is implemented by the
// task dispatcher.
type Submitter interface {
	Submit(ctx context.Context, payload tasks.Payload) (string, error)
}

// SensorStore persists telemetry readings. The relational backend is outside
// this runner; the composition root injects whatever implementation the
// deployment uses.
type SensorStore interface {
	Save(ctx context.Context, reading *SensorReading) error
}

// ImageSource resolves a camera event's image reference to raw bytes.
type ImageSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileImageSource resolves image references against a local directory. It
// rejects references that escape the root.
type FileImageSource struct {
	root string
}

// NewFileImageSource creates a file-backed image source.
func NewFileImageSource(root string) *FileImageSource {
	return &FileImageSource{root: root}
}

// Fetch implements ImageSource.Fetch.
func (s *FileImageSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	path := filepath.Join(s.root, filepath.Clean("/"+ref))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve image reference %q: %w", ref, err)
	}
	return data, nil
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Group is the consumer group name shared by router replicas.
	Group string
	// ShutdownGrace is how long in-flight message handling may take to finish
	// during shutdown.
	ShutdownGrace time.Duration
	// RequestRetention is how long request-to-task mappings are kept for
	// callback delivery. Defaults to the task store's retention.
	RequestRetention time.Duration
}

// Router consumes the bus topics and dispatches every message to exactly one
// handler. A failing message is forwarded to the error topic rather than
// dropped, and never crashes the consumer loop. Messages are acknowledged
// only after successful dispatch, so handling is at-least-once and handlers
// must tolerate duplicates.
type Router struct {
	log       logging.Logger
	bus       bus.Bus
	submitter Submitter
	sensors   SensorStore
	images    ImageSource
	detector  *AnomalyDetector
	cfg       RouterConfig

	state atomic.Int32

	// requestTasks maps prediction request ids to task ids for later callback
	// delivery. Entries expire after RequestRetention so a long-running
	// consumer does not accumulate them without bound.
	mu           sync.RWMutex
	requestTasks map[string]requestTask
}

// requestTask is one request-to-task mapping with its recording time.
type requestTask struct {
	taskID   string
	recorded time.Time
}

// NewRouter creates a stream router.
func NewRouter(
	log logging.Logger,
	b bus.Bus,
	submitter Submitter,
	sensors SensorStore,
	images ImageSource,
	detector *AnomalyDetector,
	cfg RouterConfig,
) *Router {
	if cfg.Group == "" {
		cfg.Group = "inference-runner"
	}
	if cfg.RequestRetention <= 0 {
		cfg.RequestRetention = defaultRequestRetention
	}
	return &Router{
		log:          log,
		bus:          b,
		submitter:    submitter,
		sensors:      sensors,
		images:       images,
		detector:     detector,
		cfg:          cfg,
		requestTasks: make(map[string]requestTask),
	}
}

// State returns the current consumer state.
func (r *Router) State() ConsumerState {
	return ConsumerState(r.state.Load())
}

func (r *Router) setState(s ConsumerState) {
	if r.state.Swap(int32(s)) != int32(s) {
		r.log.Infof("Stream consumer state: %s", s)
	}
}

// TaskForRequest returns the task id recorded for a prediction request id.
func (r *Router) TaskForRequest(requestID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.requestTasks[requestID]
	return entry.taskID, ok
}

// purgeRequestTasks drops request mappings older than the retention window
// and reports how many were removed.
func (r *Router) purgeRequestTasks() int {
	cutoff := time.Now().Add(-r.cfg.RequestRetention)
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for id, entry := range r.requestTasks {
		if entry.recorded.Before(cutoff) {
			delete(r.requestTasks, id)
			purged++
		}
	}
	return purged
}

// purgeLoop expires request mappings until ctx is cancelled.
func (r *Router) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(requestPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := r.purgeRequestTasks(); purged > 0 {
				r.log.Debugf("Purged %d expired request mappings", purged)
			}
		}
	}
}

// Run consumes every topic until ctx is cancelled. Each topic gets its own
// consumer loop; within one topic messages are handled in arrival order,
// across topics there is no ordering guarantee.
func (r *Router) Run(ctx context.Context) error {
	r.setState(StateConnecting)
	defer r.setState(StateStopped)

	group, ctx := errgroup.WithContext(ctx)
	for _, topic := range []string{
		bus.TopicSensorData,
		bus.TopicCameraEvents,
		bus.TopicSystemEvents,
		bus.TopicPredictionRequests,
	} {
		topic := topic
		group.Go(func() error {
			r.consumeTopic(ctx, topic)
			return nil
		})
	}
	group.Go(func() error {
		r.purgeLoop(ctx)
		return nil
	})
	return group.Wait()
}

// consumeTopic subscribes to one topic and handles its messages, resubscribing
// with backoff after transient broker failures.
func (r *Router) consumeTopic(ctx context.Context, topic string) {
	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := r.bus.Subscribe(topic, r.cfg.Group)
		if err != nil {
			r.setState(StateReconnecting)
			r.log.Warnf("Unable to subscribe to %s, retrying in %v: %v", topic, reconnectBackoff, err)
			select {
			case <-time.After(reconnectBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		r.setState(StateConsuming)

		if closed := r.consume(ctx, ch); !closed {
			return
		}
		// The bus dropped the subscription; resubscribe unless we're
		// shutting down.
		r.setState(StateReconnecting)
	}
}

// consume handles messages from one subscription channel. It returns true if
// the channel closed (caller should resubscribe) and false on shutdown.
func (r *Router) consume(ctx context.Context, ch <-chan *bus.Message) bool {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err() == nil
			}
			r.dispatch(ctx, msg)
		case <-ctx.Done():
			return false
		}
	}
}

// dispatch routes one message to its handler. The handling context is not
// bound to the consumer's: in normal operation it never expires, and when the
// consumer shuts down mid-dispatch the in-flight message gets ShutdownGrace to
// finish.
func (r *Router) dispatch(runCtx context.Context, msg *bus.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(runCtx, func() {
		timer := time.NewTimer(r.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	defer stop()

	var err error
	switch msg.Topic {
	case bus.TopicSensorData:
		err = r.handleSensorData(ctx, msg.Data)
	case bus.TopicCameraEvents:
		err = r.handleCameraEvent(ctx, msg.Data)
	case bus.TopicSystemEvents:
		err = r.handleSystemEvent(ctx, msg.Data)
	case bus.TopicPredictionRequests:
		err = r.handlePredictionRequest(ctx, msg.Data)
	default:
		err = fmt.Errorf("no handler for topic %q", msg.Topic)
	}

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			r.log.Warnf("Unable to ack message on %s: %v", msg.Topic, ackErr)
		}
		return
	}

	// Route the failing message to the error topic. Only if even that fails
	// do we request redelivery; the message must end up somewhere.
	r.log.Warnf("Message on %s failed handling: %v", msg.Topic, err)
	if pubErr := r.publishError(ctx, msg, err); pubErr != nil {
		r.log.Errorf("Unable to publish error record for %s, requesting redelivery: %v", msg.Topic, pubErr)
		if nakErr := msg.Nak(); nakErr != nil {
			r.log.Errorf("Unable to nak message on %s: %v", msg.Topic, nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		r.log.Warnf("Unable to ack message on %s: %v", msg.Topic, ackErr)
	}
}

// publishError forwards a failed message to the error topic with its original
// topic, payload, and failure reason.
func (r *Router) publishError(ctx context.Context, msg *bus.Message, cause error) error {
	record := ErrorRecord{
		Topic:     msg.Topic,
		Payload:   json.RawMessage(msg.Data),
		Error:     cause.Error(),
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		// The original payload was not valid JSON; wrap it as a string so the
		// record still round-trips.
		record.Payload, _ = json.Marshal(string(msg.Data))
		data, err = json.Marshal(record)
		if err != nil {
			return err
		}
	}
	return r.bus.Publish(ctx, bus.TopicErrorMessages, data)
}

// handleSensorData runs the anomaly check and stores the reading. An
// out-of-range value triggers exactly one alert publication, independent of
// storage.
func (r *Router) handleSensorData(ctx context.Context, data []byte) error {
	var reading SensorReading
	if err := json.Unmarshal(data, &reading); err != nil {
		return fmt.Errorf("malformed sensor reading: %w", err)
	}
	if err := reading.validate(); err != nil {
		return err
	}

	if anomalous, normal := r.detector.Check(&reading); anomalous {
		alert := AnomalyAlert{
			SensorID:   reading.SensorID,
			SensorType: reading.SensorType,
			Value:      reading.Value,
			Min:        normal.Min,
			Max:        normal.Max,
			Location:   reading.Location,
			Timestamp:  time.Now(),
		}
		payload, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		if err := r.bus.Publish(ctx, bus.TopicAlerts, payload); err != nil {
			return err
		}
		r.log.Warnf(
			"Anomalous %s reading from %s: %.3f outside [%.3f, %.3f]",
			reading.SensorType, reading.SensorID, reading.Value, normal.Min, normal.Max,
		)
	}

	return r.sensors.Save(ctx, &reading)
}

// handleCameraEvent submits the event's image for asynchronous inference.
func (r *Router) handleCameraEvent(ctx context.Context, data []byte) error {
	var event CameraEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("malformed camera event: %w", err)
	}
	if err := event.validate(); err != nil {
		return err
	}

	image := event.ImageData
	if len(image) == 0 {
		fetched, err := r.images.Fetch(ctx, event.ImageRef)
		if err != nil {
			return err
		}
		image = fetched
	}

	taskID, err := r.submitter.Submit(ctx, tasks.Payload{Images: [][]byte{image}})
	if err != nil {
		return err
	}
	r.log.Debugf("Camera event from %s submitted as task %s", event.CameraID, taskID)
	return nil
}

// handleSystemEvent forwards a system alert to the notification path
// unmodified.
func (r *Router) handleSystemEvent(ctx context.Context, data []byte) error {
	var alert SystemAlert
	if err := json.Unmarshal(data, &alert); err != nil {
		return fmt.Errorf("malformed system alert: %w", err)
	}
	if err := alert.validate(); err != nil {
		return err
	}
	return r.bus.Publish(ctx, bus.TopicAlerts, data)
}

// handlePredictionRequest submits the requested inference and records the
// request-to-task mapping for later callback delivery.
func (r *Router) handlePredictionRequest(ctx context.Context, data []byte) error {
	var request PredictionRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return fmt.Errorf("malformed prediction request: %w", err)
	}
	if err := request.validate(); err != nil {
		return err
	}

	taskID, err := r.submitter.Submit(ctx, tasks.Payload{
		Images:  [][]byte{request.Image},
		Version: request.Version,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.requestTasks[request.RequestID] = requestTask{taskID: taskID, recorded: time.Now()}
	r.mu.Unlock()
	r.log.Debugf("Prediction request %s submitted as task %s", request.RequestID, taskID)
	return nil
}
