package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/aquasense/inference-runner/pkg/bus"
	"github.com/aquasense/inference-runner/pkg/tasks"
)

// recordingBus captures publishes; subscriptions are not used by dispatch
// tests.
type recordingBus struct {
	mu         sync.Mutex
	published  map[string][][]byte
	publishErr error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[topic] = append(b.published[topic], data)
	return nil
}

func (b *recordingBus) Subscribe(topic, group string) (<-chan *bus.Message, error) {
	return nil, fmt.Errorf("not implemented")
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) topic(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[name]...)
}

// recordingSubmitter captures submitted payloads.
type recordingSubmitter struct {
	mu       sync.Mutex
	payloads []tasks.Payload
	err      error
}

func (s *recordingSubmitter) Submit(_ context.Context, payload tasks.Payload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.payloads = append(s.payloads, payload)
	return fmt.Sprintf("task-%d", len(s.payloads)), nil
}

// recordingSensorStore captures saved readings.
type recordingSensorStore struct {
	mu       sync.Mutex
	readings []SensorReading
}

func (s *recordingSensorStore) Save(_ context.Context, reading *SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, *reading)
	return nil
}

func (s *recordingSensorStore) all() []SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SensorReading(nil), s.readings...)
}

type routerFixture struct {
	router    *Router
	bus       *recordingBus
	submitter *recordingSubmitter
	sensors   *recordingSensorStore
	images    string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	f := &routerFixture{
		bus:       newRecordingBus(),
		submitter: &recordingSubmitter{},
		sensors:   &recordingSensorStore{},
		images:    t.TempDir(),
	}
	f.router = NewRouter(
		log,
		f.bus,
		f.submitter,
		f.sensors,
		NewFileImageSource(f.images),
		NewAnomalyDetector(nil),
		RouterConfig{ShutdownGrace: 5 * time.Second},
	)
	return f
}

func (f *routerFixture) deliver(topic string, payload any) {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	f.router.dispatch(context.Background(), &bus.Message{Topic: topic, Data: data, Timestamp: time.Now()})
}

func TestRouterAnomalousReadingAlertsAndStores(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicSensorData, SensorReading{
		SensorID:   "tank-3-temp",
		SensorType: "temperature",
		Value:      35.5,
		Location:   "tank-3",
	})

	alerts := f.bus.topic(bus.TopicAlerts)
	require.Len(t, alerts, 1)
	var alert AnomalyAlert
	require.NoError(t, json.Unmarshal(alerts[0], &alert))
	require.Equal(t, "tank-3-temp", alert.SensorID)
	require.Equal(t, 35.5, alert.Value)
	require.Equal(t, 18.0, alert.Min)
	require.Equal(t, 30.0, alert.Max)

	readings := f.sensors.all()
	require.Len(t, readings, 1)
	require.Equal(t, "tank-3-temp", readings[0].SensorID)

	require.Empty(t, f.bus.topic(bus.TopicErrorMessages))
}

func TestRouterNormalReadingStoresWithoutAlert(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicSensorData, SensorReading{
		SensorID:   "tank-1-ph",
		SensorType: "ph",
		Value:      7.2,
	})

	require.Empty(t, f.bus.topic(bus.TopicAlerts))
	require.Len(t, f.sensors.all(), 1)
}

func TestRouterUnknownSensorTypeStoredNotAlerted(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicSensorData, SensorReading{
		SensorID:   "tank-1-x",
		SensorType: "unheard_of",
		Value:      1e9,
	})

	require.Empty(t, f.bus.topic(bus.TopicAlerts))
	require.Len(t, f.sensors.all(), 1)
}

func TestRouterMalformedMessageGoesToErrorTopic(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicSensorData, []byte("{not json"))

	errors := f.bus.topic(bus.TopicErrorMessages)
	require.Len(t, errors, 1)
	var record ErrorRecord
	require.NoError(t, json.Unmarshal(errors[0], &record))
	require.Equal(t, bus.TopicSensorData, record.Topic)
	require.NotEmpty(t, record.Error)

	// Nothing was stored or alerted for the bad message.
	require.Empty(t, f.sensors.all())
	require.Empty(t, f.bus.topic(bus.TopicAlerts))

	// Consumption continues: the next valid message is handled normally.
	f.deliver(bus.TopicSensorData, SensorReading{
		SensorID:   "tank-1-ph",
		SensorType: "ph",
		Value:      7.0,
	})
	require.Len(t, f.sensors.all(), 1)
}

func TestRouterMissingFieldsGoToErrorTopic(t *testing.T) {
	f := newRouterFixture(t)

	// Valid JSON, but no sensor_id.
	f.deliver(bus.TopicSensorData, SensorReading{SensorType: "ph", Value: 7.0})

	require.Len(t, f.bus.topic(bus.TopicErrorMessages), 1)
	require.Empty(t, f.sensors.all())
}

func TestRouterCameraEventInlineImage(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicCameraEvents, CameraEvent{
		CameraID:  "cam-7",
		EventType: "fish_detected",
		ImageData: []byte("image-bytes"),
	})

	require.Len(t, f.submitter.payloads, 1)
	require.Equal(t, [][]byte{[]byte("image-bytes")}, f.submitter.payloads[0].Images)
}

func TestRouterCameraEventImageRef(t *testing.T) {
	f := newRouterFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.images, "frame-42.png"), []byte("frame-data"), 0o644))

	f.deliver(bus.TopicCameraEvents, CameraEvent{
		CameraID: "cam-7",
		ImageRef: "frame-42.png",
	})

	require.Len(t, f.submitter.payloads, 1)
	require.Equal(t, []byte("frame-data"), f.submitter.payloads[0].Images[0])
}

func TestRouterCameraEventMissingRefErrors(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicCameraEvents, CameraEvent{
		CameraID: "cam-7",
		ImageRef: "does-not-exist.png",
	})

	require.Empty(t, f.submitter.payloads)
	require.Len(t, f.bus.topic(bus.TopicErrorMessages), 1)
}

func TestRouterSystemEventForwardedUnmodified(t *testing.T) {
	f := newRouterFixture(t)

	raw, err := json.Marshal(SystemAlert{Severity: "critical", Message: "pump offline", Source: "pump-2"})
	require.NoError(t, err)
	f.deliver(bus.TopicSystemEvents, raw)

	alerts := f.bus.topic(bus.TopicAlerts)
	require.Len(t, alerts, 1)
	require.Equal(t, raw, alerts[0])
}

func TestRouterPredictionRequestMapsTask(t *testing.T) {
	f := newRouterFixture(t)

	f.deliver(bus.TopicPredictionRequests, PredictionRequest{
		RequestID: "req-1",
		Image:     []byte("image-bytes"),
		Version:   "v2",
	})

	require.Len(t, f.submitter.payloads, 1)
	require.Equal(t, "v2", f.submitter.payloads[0].Version)

	taskID, ok := f.router.TaskForRequest("req-1")
	require.True(t, ok)
	require.Equal(t, "task-1", taskID)

	_, ok = f.router.TaskForRequest("req-unknown")
	require.False(t, ok)
}

func TestRouterExpiresRequestMappings(t *testing.T) {
	f := newRouterFixture(t)
	f.router.cfg.RequestRetention = 20 * time.Millisecond

	f.deliver(bus.TopicPredictionRequests, PredictionRequest{
		RequestID: "req-1",
		Image:     []byte("image-bytes"),
	})
	_, ok := f.router.TaskForRequest("req-1")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, f.router.purgeRequestTasks())
	_, ok = f.router.TaskForRequest("req-1")
	require.False(t, ok)

	// Nothing left to purge.
	require.Zero(t, f.router.purgeRequestTasks())
}

// ctxSensorStore records the state of the handling context at save time.
type ctxSensorStore struct {
	ctxErr error
}

func (s *ctxSensorStore) Save(ctx context.Context, _ *SensorReading) error {
	s.ctxErr = ctx.Err()
	return nil
}

func TestRouterZeroGraceDoesNotExpireHandling(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	sensors := &ctxSensorStore{}
	router := NewRouter(
		log,
		newRecordingBus(),
		&recordingSubmitter{},
		sensors,
		NewFileImageSource(t.TempDir()),
		NewAnomalyDetector(nil),
		RouterConfig{ShutdownGrace: 0},
	)

	data, err := json.Marshal(SensorReading{
		SensorID:   "tank-1-ph",
		SensorType: "ph",
		Value:      7.2,
		Location:   "tank-1",
	})
	require.NoError(t, err)

	// The grace period bounds shutdown only; with the consumer still running
	// the handler context must be alive regardless of its value.
	router.dispatch(context.Background(), &bus.Message{Topic: bus.TopicSensorData, Data: data, Timestamp: time.Now()})
	require.NoError(t, sensors.ctxErr)
}

func TestRouterSubmitFailureGoesToErrorTopic(t *testing.T) {
	f := newRouterFixture(t)
	f.submitter.err = fmt.Errorf("dispatcher unavailable")

	f.deliver(bus.TopicPredictionRequests, PredictionRequest{
		RequestID: "req-1",
		Image:     []byte("image-bytes"),
	})

	require.Len(t, f.bus.topic(bus.TopicErrorMessages), 1)
	_, ok := f.router.TaskForRequest("req-1")
	require.False(t, ok)
}

func TestRouterRunOverMemoryBus(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	memBus := bus.NewMemoryBus()
	defer memBus.Close()
	submitter := &recordingSubmitter{}
	sensors := &recordingSensorStore{}
	router := NewRouter(
		log,
		memBus,
		submitter,
		sensors,
		NewFileImageSource(t.TempDir()),
		NewAnomalyDetector(nil),
		RouterConfig{ShutdownGrace: 5 * time.Second},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = router.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return router.State() == StateConsuming
	}, 5*time.Second, 10*time.Millisecond)

	// At-least-once delivery: handlers tolerate duplicates, so retry the
	// publish until the consumer observes it.
	reading, err := json.Marshal(SensorReading{SensorID: "s1", SensorType: "ph", Value: 7.0})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		require.NoError(t, memBus.Publish(ctx, bus.TopicSensorData, reading))
		return len(sensors.all()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, StateStopped, router.State())
}
