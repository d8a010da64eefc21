package inference

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/aquasense/inference-runner/pkg/logging"
	"github.com/aquasense/inference-runner/pkg/metrics"
	"github.com/aquasense/inference-runner/pkg/models"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// DefaultVersion is the model version used when a request omits one.
	DefaultVersion string
	// MaxBatchSize caps batched predictions. Exceeding it fails before any
	// work begins.
	MaxBatchSize int
}

// Engine runs single and batched predictions against models held by the
// shared registry. It is stateless over the registry and safe for concurrent
// use from request handlers, task workers, and stream consumers alike.
type Engine struct {
	log      logging.Logger
	registry *models.Registry
	recorder *metrics.Aggregator
	cfg      EngineConfig
	router   *http.ServeMux
}

// NewEngine creates an inference engine over the given registry.
func NewEngine(log logging.Logger, registry *models.Registry, recorder *metrics.Aggregator, cfg EngineConfig) *Engine {
	e := &Engine{
		log:      log,
		registry: registry,
		recorder: recorder,
		cfg:      cfg,
		router:   http.NewServeMux(),
	}

	// Register routes.
	e.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	e.router.HandleFunc("POST /v1/predict", e.handlePredict)
	e.router.HandleFunc("POST /v1/predict/batch", e.handlePredictBatch)

	return e
}

// resolveVersion substitutes the configured default for an empty version.
func (e *Engine) resolveVersion(version string) string {
	if version == "" {
		return e.cfg.DefaultVersion
	}
	return version
}

// PredictOne runs a single image through the requested model version. An
// empty version resolves to the configured default. The call may block on
// store I/O and warm-up the first time a version is used. Latency and outcome
// are recorded into the model's counters and the shared aggregator whether the
// call succeeds or fails.
func (e *Engine) PredictOne(ctx context.Context, image []byte, version string, allProbabilities bool) (*PredictionResult, error) {
	version = e.resolveVersion(version)
	handle, err := e.registry.Load(ctx, version, false)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	started := time.Now()
	fail := func(err error) (*PredictionResult, error) {
		latency := time.Since(started)
		handle.Counters().Record(latency, true)
		e.recorder.Record(latency, true)
		return nil, err
	}

	input, err := handle.Pipeline().Run(image)
	if err != nil {
		return fail(err)
	}
	logits, err := handle.Network().Forward(input)
	if err != nil {
		return fail(&InferenceError{Version: version, Err: err})
	}

	latency := time.Since(started)
	handle.Counters().Record(latency, false)
	e.recorder.Record(latency, false)

	probabilities := softmax(logits)
	index := argmax(probabilities)
	result := &PredictionResult{
		Label:        handle.Labels()[index],
		LabelIndex:   index,
		Confidence:   probabilities[index],
		ModelVersion: version,
		LatencyMs:    float64(latency) / float64(time.Millisecond),
	}
	if allProbabilities {
		result.Probabilities = probabilities
	}
	return result, nil
}

// PredictBatch runs a batch of images through one forward pass of the
// requested model version. The batch size cap is enforced before any work
// begins. A preprocessing failure aborts the whole batch with no partial
// results; a forward-pass failure is recorded as a failure for every image in
// the batch. Per-image latency is the batch's total wall time divided evenly
// across images.
func (e *Engine) PredictBatch(ctx context.Context, images [][]byte, version string) ([]PredictionResult, error) {
	if len(images) > e.cfg.MaxBatchSize {
		return nil, &BatchTooLargeError{Size: len(images), Limit: e.cfg.MaxBatchSize}
	}
	if len(images) == 0 {
		return nil, &models.InvalidImageError{Reason: "empty batch"}
	}

	version = e.resolveVersion(version)
	handle, err := e.registry.Load(ctx, version, false)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	started := time.Now()

	inputs := make([][]float64, len(images))
	for i, image := range images {
		input, err := handle.Pipeline().Run(image)
		if err != nil {
			latency := time.Since(started)
			handle.Counters().Record(latency, true)
			e.recorder.Record(latency, true)
			return nil, err
		}
		inputs[i] = input
	}

	logitsPerImage, err := handle.Network().ForwardBatch(inputs)
	if err != nil {
		latency := time.Since(started)
		for range images {
			handle.Counters().Record(latency/time.Duration(len(images)), true)
			e.recorder.Record(latency/time.Duration(len(images)), true)
		}
		return nil, &InferenceError{Version: version, Err: err}
	}

	total := time.Since(started)
	perImage := total / time.Duration(len(images))
	perImageMs := float64(perImage) / float64(time.Millisecond)

	results := make([]PredictionResult, len(images))
	for i, logits := range logitsPerImage {
		probabilities := softmax(logits)
		index := argmax(probabilities)
		results[i] = PredictionResult{
			Label:        handle.Labels()[index],
			LabelIndex:   index,
			Confidence:   probabilities[index],
			ModelVersion: version,
			LatencyMs:    perImageMs,
		}
		handle.Counters().Record(perImage, false)
		e.recorder.Record(perImage, false)
	}
	return results, nil
}

// softmax converts logits to a probability distribution. Shifting by the
// maximum logit keeps the exponentials finite for large magnitudes.
func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	probabilities := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probabilities[i] = math.Exp(l - max)
		sum += probabilities[i]
	}
	for i := range probabilities {
		probabilities[i] /= sum
	}
	return probabilities
}

// argmax returns the index of the largest value. Ties resolve to the lowest
// index.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// handlePredict handles POST /v1/predict requests.
func (e *Engine) handlePredict(w http.ResponseWriter, r *http.Request) {
	var request PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := e.PredictOne(r.Context(), request.Image, request.Version, request.AllProbabilities)
	if err != nil {
		writePredictionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		e.log.Warnln("Error while encoding prediction response:", err)
	}
}

// handlePredictBatch handles POST /v1/predict/batch requests.
func (e *Engine) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var request PredictBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	results, err := e.PredictBatch(r.Context(), request.Images, request.Version)
	if err != nil {
		writePredictionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(PredictBatchResponse{Results: results}); err != nil {
		e.log.Warnln("Error while encoding batch prediction response:", err)
	}
}

// writePredictionError maps engine errors to HTTP statuses.
func writePredictionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrModelNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidImage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrBatchTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetRoutes returns the route patterns served by the engine.
func (e *Engine) GetRoutes() []string {
	return []string{
		"POST /v1/predict",
		"POST /v1/predict/batch",
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.router.ServeHTTP(w, r)
}
