package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/aquasense/inference-runner/pkg/metrics"
	"github.com/aquasense/inference-runner/pkg/models"
)

// writeClassifierModel writes a linear model whose prediction depends only on
// brightness: a bright image scores class 1, a dark image ties every class.
func writeClassifierModel(t *testing.T, root, version string) {
	t.Helper()
	const inDim = 64
	weights := make([]float64, inDim*3)
	for i := 0; i < inDim; i++ {
		weights[inDim+i] = 1  // class 1 follows brightness
		weights[2*inDim+i] = -1 // class 2 opposes it
	}
	data, err := models.EncodeWeights(models.ArchLinear, 8, 8, []models.Layer{{
		InDim:   inDim,
		OutDim:  3,
		Weights: weights,
		Bias:    make([]float64, 3),
	}})
	require.NoError(t, err)

	dir := filepath.Join(root, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.weights"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.txt"), []byte("healthy\ndiseased\nstressed\n"), 0o644))
}

func testImage(t *testing.T, luminance uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: luminance})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEngine(t *testing.T, maxBatchSize int) *Engine {
	t.Helper()
	root := t.TempDir()
	writeClassifierModel(t, root, "v1")
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	registry := models.NewRegistry(log, models.NewFileStore(root), models.RegistryConfig{
		Capacity:   3,
		WarmupRuns: 1,
		Device:     models.DeviceCPU,
	})
	return NewEngine(log, registry, metrics.NewAggregator(), EngineConfig{
		DefaultVersion: "v1",
		MaxBatchSize:   maxBatchSize,
	})
}

func TestPredictOne(t *testing.T) {
	engine := newTestEngine(t, 64)

	result, err := engine.PredictOne(context.Background(), testImage(t, 255), "v1", true)
	require.NoError(t, err)
	require.Equal(t, "diseased", result.Label)
	require.Equal(t, 1, result.LabelIndex)
	require.Equal(t, "v1", result.ModelVersion)
	require.Greater(t, result.Confidence, 0.0)
	require.LessOrEqual(t, result.Confidence, 1.0)
	require.GreaterOrEqual(t, result.LatencyMs, 0.0)

	require.Len(t, result.Probabilities, 3)
	var sum float64
	for _, p := range result.Probabilities {
		require.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-4)
}

func TestPredictOneDefaultVersion(t *testing.T) {
	engine := newTestEngine(t, 64)

	result, err := engine.PredictOne(context.Background(), testImage(t, 255), "", false)
	require.NoError(t, err)
	require.Equal(t, "v1", result.ModelVersion)
	require.Nil(t, result.Probabilities)
}

func TestPredictOneTieBreaksToLowestIndex(t *testing.T) {
	engine := newTestEngine(t, 64)

	// An all-black image yields identical logits for every class.
	result, err := engine.PredictOne(context.Background(), testImage(t, 0), "v1", true)
	require.NoError(t, err)
	require.Equal(t, 0, result.LabelIndex)
	require.Equal(t, "healthy", result.Label)
	require.InDelta(t, result.Probabilities[0], result.Probabilities[1], 1e-9)
}

func TestPredictOneUnknownVersion(t *testing.T) {
	engine := newTestEngine(t, 64)

	_, err := engine.PredictOne(context.Background(), testImage(t, 255), "v9", false)
	require.ErrorIs(t, err, models.ErrModelNotFound)
}

func TestPredictOneInvalidImage(t *testing.T) {
	engine := newTestEngine(t, 64)

	_, err := engine.PredictOne(context.Background(), []byte("junk"), "v1", false)
	require.ErrorIs(t, err, models.ErrInvalidImage)
}

func TestPredictBatch(t *testing.T) {
	engine := newTestEngine(t, 64)

	images := [][]byte{testImage(t, 255), testImage(t, 0), testImage(t, 255)}
	results, err := engine.PredictBatch(context.Background(), images, "v1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "diseased", results[0].Label)
	require.Equal(t, "healthy", results[1].Label)
	require.Equal(t, "diseased", results[2].Label)

	// Per-image latency is the batch total split evenly.
	require.Equal(t, results[0].LatencyMs, results[1].LatencyMs)
	require.Equal(t, results[1].LatencyMs, results[2].LatencyMs)
}

func TestPredictBatchOverCap(t *testing.T) {
	engine := newTestEngine(t, 64)

	images := make([][]byte, 70)
	for i := range images {
		images[i] = testImage(t, 255)
	}
	results, err := engine.PredictBatch(context.Background(), images, "v1")
	require.Nil(t, results)
	require.ErrorIs(t, err, ErrBatchTooLarge)

	var tooLarge *BatchTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, 70, tooLarge.Size)
	require.Equal(t, 64, tooLarge.Limit)
}

func TestPredictBatchEmpty(t *testing.T) {
	engine := newTestEngine(t, 64)

	_, err := engine.PredictBatch(context.Background(), nil, "v1")
	require.ErrorIs(t, err, models.ErrInvalidImage)
}

func TestPredictBatchAbortsOnBadImage(t *testing.T) {
	engine := newTestEngine(t, 64)

	images := [][]byte{testImage(t, 255), []byte("junk"), testImage(t, 0)}
	results, err := engine.PredictBatch(context.Background(), images, "v1")
	require.Nil(t, results)
	require.ErrorIs(t, err, models.ErrInvalidImage)
}

func TestSoftmaxArgmax(t *testing.T) {
	probabilities := softmax([]float64{1000, 1001, 999})
	var sum float64
	for _, p := range probabilities {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	require.Equal(t, 1, argmax(probabilities))

	// Equal values resolve to the lowest index.
	require.Equal(t, 0, argmax([]float64{0.25, 0.25, 0.25, 0.25}))
}

func TestPredictHTTP(t *testing.T) {
	engine := newTestEngine(t, 2)

	post := func(path string, body any) *httptest.ResponseRecorder {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
		engine.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/v1/predict", PredictRequest{Image: testImage(t, 255)})
	require.Equal(t, http.StatusOK, rec.Code)
	var result PredictionResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, "diseased", result.Label)

	rec = post("/v1/predict", PredictRequest{Image: testImage(t, 255), Version: "v9"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = post("/v1/predict", PredictRequest{Image: []byte("junk")})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post("/v1/predict/batch", PredictBatchRequest{
		Images: [][]byte{testImage(t, 255), testImage(t, 0), testImage(t, 255)},
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/predict", bytes.NewReader([]byte("{")))
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
