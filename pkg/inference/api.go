package inference

// PredictionResult is the output of one inference call. It is an immutable
// value owned by the caller once returned.
type PredictionResult struct {
	// Label is the predicted class label.
	Label string `json:"label"`
	// LabelIndex is the predicted class index.
	LabelIndex int `json:"label_index"`
	// Confidence is the predicted class probability, always in [0, 1].
	Confidence float64 `json:"confidence"`
	// ModelVersion is the version that produced this result.
	ModelVersion string `json:"model_version"`
	// LatencyMs is the inference wall time in milliseconds. For batched
	// predictions this is the batch's total wall time divided evenly across
	// its images, an approximation rather than a per-image measurement.
	LatencyMs float64 `json:"latency_ms"`
	// Probabilities is the full probability distribution over classes, in
	// class-index order. Populated only when requested.
	Probabilities []float64 `json:"probabilities,omitempty"`
}

// PredictRequest is the request body for POST /v1/predict. The image arrives
// as raw encoded bytes (base64 in JSON).
type PredictRequest struct {
	Image            []byte `json:"image"`
	Version          string `json:"version,omitempty"`
	AllProbabilities bool   `json:"all_probabilities,omitempty"`
}

// PredictBatchRequest is the request body for POST /v1/predict/batch.
type PredictBatchRequest struct {
	Images  [][]byte `json:"images"`
	Version string   `json:"version,omitempty"`
}

// PredictBatchResponse is the response body for POST /v1/predict/batch.
type PredictBatchResponse struct {
	Results []PredictionResult `json:"results"`
}
