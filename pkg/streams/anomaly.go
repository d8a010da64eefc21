package streams

import (
	"github.com/aquasense/inference-runner/pkg/config"
)

// defaultSensorRanges are the built-in normal operating ranges per sensor
// type, tuned for warm-water aquaculture tanks. Deployments override them per
// sensor type through the configuration file.
var defaultSensorRanges = map[string]config.SensorRange{
	"temperature":      {Min: 18.0, Max: 30.0},
	"ph":               {Min: 6.5, Max: 8.5},
	"dissolved_oxygen": {Min: 4.0, Max: 12.0},
	"salinity":         {Min: 0.0, Max: 35.0},
	"turbidity":        {Min: 0.0, Max: 50.0},
	"ammonia":          {Min: 0.0, Max: 0.5},
}

// AnomalyDetector flags telemetry values outside their sensor type's normal
// range. Unknown sensor types are never flagged; a reading the detector knows
// nothing about is stored, not alerted on.
type AnomalyDetector struct {
	ranges map[string]config.SensorRange
}

// NewAnomalyDetector builds a detector from the built-in ranges overlaid with
// any configured overrides.
func NewAnomalyDetector(overrides map[string]config.SensorRange) *AnomalyDetector {
	ranges := make(map[string]config.SensorRange, len(defaultSensorRanges)+len(overrides))
	for sensorType, r := range defaultSensorRanges {
		ranges[sensorType] = r
	}
	for sensorType, r := range overrides {
		ranges[sensorType] = r
	}
	return &AnomalyDetector{ranges: ranges}
}

// Check reports whether a reading is anomalous, along with the range it was
// checked against.
func (d *AnomalyDetector) Check(reading *SensorReading) (bool, config.SensorRange) {
	r, known := d.ranges[reading.SensorType]
	if !known {
		return false, config.SensorRange{}
	}
	return reading.Value < r.Min || reading.Value > r.Max, r
}
