package metrics

import (
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/aquasense/inference-runner/pkg/logging"
	"github.com/aquasense/inference-runner/pkg/models"
)

// ExpositionHandler serves the runner's metrics in Prometheus text format.
// It renders the aggregator's latency summary plus per-model call counters
// from the registry, so a standard Prometheus scrape of /metrics sees both.
type ExpositionHandler struct {
	log        logging.Logger
	registry   *models.Registry
	aggregator *Aggregator
	window     time.Duration
}

// NewExpositionHandler creates a Prometheus exposition handler.
func NewExpositionHandler(log logging.Logger, registry *models.Registry, aggregator *Aggregator) *ExpositionHandler {
	return &ExpositionHandler{
		log:        log,
		registry:   registry,
		aggregator: aggregator,
		window:     DefaultWindow,
	}
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (h *ExpositionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	families := h.collectFamilies()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			h.log.Errorf("Failed to encode metric family %s: %v", family.GetName(), err)
			continue
		}
	}
}

// collectFamilies builds the metric families for one scrape.
func (h *ExpositionHandler) collectFamilies() []*dto.MetricFamily {
	summary := h.aggregator.Summary(h.window)
	health := h.registry.Health()

	families := []*dto.MetricFamily{
		gaugeFamily("inference_latency_p50_milliseconds",
			"50th percentile inference latency over the summary window.",
			gaugeMetric(summary.P50Ms, nil)),
		gaugeFamily("inference_latency_p95_milliseconds",
			"95th percentile inference latency over the summary window.",
			gaugeMetric(summary.P95Ms, nil)),
		gaugeFamily("inference_latency_p99_milliseconds",
			"99th percentile inference latency over the summary window.",
			gaugeMetric(summary.P99Ms, nil)),
		gaugeFamily("inference_throughput_per_second",
			"Inference completions per second over the summary window.",
			gaugeMetric(summary.ThroughputPerSec, nil)),
		gaugeFamily("inference_error_rate",
			"Fraction of inferences that failed over the summary window.",
			gaugeMetric(summary.ErrorRate, nil)),
		gaugeFamily("model_cache_size",
			"Number of model versions currently resident in the cache.",
			gaugeMetric(float64(health.Size), nil)),
		gaugeFamily("model_cache_capacity",
			"Configured model cache capacity.",
			gaugeMetric(float64(health.Capacity), nil)),
	}

	// Sort versions so scrapes are stable across requests.
	versions := make([]string, 0, len(health.Models))
	for version := range health.Models {
		versions = append(versions, version)
	}
	sort.Strings(versions)

	calls := counterFamily("model_inference_calls_total",
		"Total inferences served per cached model version.")
	errors := counterFamily("model_inference_errors_total",
		"Total failed inferences per cached model version.")
	avgLatency := gaugeFamily("model_average_latency_milliseconds",
		"Average inference latency per cached model version.")
	for _, version := range versions {
		status := health.Models[version]
		labels := map[string]string{"version": version, "architecture": status.Architecture}
		calls.Metric = append(calls.Metric, counterMetric(float64(status.Counters.Calls), labels))
		errors.Metric = append(errors.Metric, counterMetric(float64(status.Counters.Errors), labels))
		avgLatency.Metric = append(avgLatency.Metric, gaugeMetric(status.Counters.AverageLatencyMs, labels))
	}

	return append(families, calls, errors, avgLatency)
}

func gaugeFamily(name, help string, metric ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   stringPtr(name),
		Help:   stringPtr(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: metric,
	}
}

func counterFamily(name, help string, metric ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   stringPtr(name),
		Help:   stringPtr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: metric,
	}
}

func gaugeMetric(value float64, labels map[string]string) *dto.Metric {
	return &dto.Metric{
		Label: labelPairs(labels),
		Gauge: &dto.Gauge{Value: float64Ptr(value)},
	}
}

func counterMetric(value float64, labels map[string]string) *dto.Metric {
	return &dto.Metric{
		Label:   labelPairs(labels),
		Counter: &dto.Counter{Value: float64Ptr(value)},
	}
}

func labelPairs(labels map[string]string) []*dto.LabelPair {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, &dto.LabelPair{
			Name:  stringPtr(name),
			Value: stringPtr(labels[name]),
		})
	}
	return pairs
}

func stringPtr(s string) *string { return &s }

func float64Ptr(f float64) *float64 { return &f }
