// Package streams consumes the multi-topic message bus and routes every
// message to the correct handler: anomaly checks for telemetry, task
// submission for vision events and inference requests, and forwarding for
// system alerts.
package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// SensorReading is a telemetry record consumed from the sensor-data topic.
type SensorReading struct {
	SensorID   string    `json:"sensor_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Location   string    `json:"location,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// validate checks the fields every reading must carry.
func (r *SensorReading) validate() error {
	if r.SensorID == "" {
		return fmt.Errorf("sensor reading missing sensor_id")
	}
	if r.SensorType == "" {
		return fmt.Errorf("sensor reading missing sensor_type")
	}
	return nil
}

// CameraEvent is a vision/detection event consumed from the camera-events
// topic. The image arrives either inline or as a reference resolved through
// the configured image source.
type CameraEvent struct {
	CameraID  string    `json:"camera_id"`
	EventType string    `json:"event_type"`
	ImageRef  string    `json:"image_ref,omitempty"`
	ImageData []byte    `json:"image_data,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (e *CameraEvent) validate() error {
	if e.CameraID == "" {
		return fmt.Errorf("camera event missing camera_id")
	}
	if e.ImageRef == "" && len(e.ImageData) == 0 {
		return fmt.Errorf("camera event carries neither image_ref nor image_data")
	}
	return nil
}

// PredictionRequest is an inference request submitted by message rather than
// HTTP, consumed from the prediction-requests topic.
type PredictionRequest struct {
	RequestID string `json:"request_id"`
	Image     []byte `json:"image"`
	Version   string `json:"version,omitempty"`
}

func (r *PredictionRequest) validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("prediction request missing request_id")
	}
	if len(r.Image) == 0 {
		return fmt.Errorf("prediction request missing image")
	}
	return nil
}

// SystemAlert is a system event consumed from the system-events topic and
// forwarded to the notification path unmodified.
type SystemAlert struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (a *SystemAlert) validate() error {
	if a.Severity == "" {
		return fmt.Errorf("system alert missing severity")
	}
	if a.Message == "" {
		return fmt.Errorf("system alert missing message")
	}
	return nil
}

// AnomalyAlert is published to the alert topic when a telemetry value falls
// outside its sensor type's normal range.
type AnomalyAlert struct {
	SensorID   string    `json:"sensor_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Location   string    `json:"location,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorRecord is published to the error-messages topic for every message that
// failed handling. It preserves the original topic and payload so failed
// messages are never silently dropped.
type ErrorRecord struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}
