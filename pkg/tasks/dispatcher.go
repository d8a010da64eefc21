package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aquasense/inference-runner/pkg/inference"
	"github.com/aquasense/inference-runner/pkg/logging"
	"github.com/aquasense/inference-runner/pkg/models"
)

const (
	// progressChunkSize is the number of images processed between PROCESSING
	// progress updates for long batch tasks.
	progressChunkSize = 16
	// healthCheckInterval is the period of the recurring registry health
	// check task.
	healthCheckInterval = time.Minute
	// cleanupInterval is the period of the recurring task-record cleanup.
	cleanupInterval = 5 * time.Minute
	// retryInitialBackoff is the first retry delay; it doubles per attempt.
	retryInitialBackoff = 500 * time.Millisecond
	// retryMaxBackoff caps the retry delay.
	retryMaxBackoff = 30 * time.Second
	// retryJitterFactor randomizes each backoff by up to this fraction.
	retryJitterFactor = 0.2
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Workers is the worker pool size.
	Workers int
	// MaxRetries bounds retries of transient failures per task.
	MaxRetries int
	// SoftTimeLimit is the per-task soft limit; exceeding it logs a warning
	// while the task keeps running.
	SoftTimeLimit time.Duration
	// HardTimeLimit force-fails a task that exceeds it. The underlying
	// forward pass is not interruptible; it may finish in the background and
	// its result is discarded.
	HardTimeLimit time.Duration
	// Retention is how long terminal task records are kept.
	Retention time.Duration
}

// Predictor is the inference surface the dispatcher drives. *inference.Engine
// is the production implementation.
type Predictor interface {
	PredictOne(ctx context.Context, image []byte, version string, allProbabilities bool) (*inference.PredictionResult, error)
	PredictBatch(ctx context.Context, images [][]byte, version string) ([]inference.PredictionResult, error)
}

// Dispatcher owns the asynchronous inference path: it enqueues submitted work
// and runs the worker pool that executes it, tracking every task's lifecycle
// in the shared store.
type Dispatcher struct {
	log      logging.Logger
	engine   Predictor
	registry *models.Registry
	store    *Store
	queue    Queue
	cfg      DispatcherConfig
	router   *http.ServeMux
}

// NewDispatcher creates a task dispatcher over the given engine and queue.
func NewDispatcher(
	log logging.Logger,
	engine Predictor,
	registry *models.Registry,
	store *Store,
	queue Queue,
	cfg DispatcherConfig,
) *Dispatcher {
	d := &Dispatcher{
		log:      log,
		engine:   engine,
		registry: registry,
		store:    store,
		queue:    queue,
		cfg:      cfg,
		router:   http.NewServeMux(),
	}

	// Register routes.
	d.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	d.router.HandleFunc("POST /v1/tasks", d.handleSubmit)
	d.router.HandleFunc("GET /v1/tasks/{id}", d.handleStatus)

	return d
}

// Submit enqueues a task in PENDING state and returns its opaque id
// immediately. Identical payloads submitted twice are independent tasks;
// there is no deduplication by content.
func (d *Dispatcher) Submit(ctx context.Context, payload Payload) (string, error) {
	if len(payload.Images) == 0 {
		return "", &models.InvalidImageError{Reason: "task payload contains no images"}
	}

	task := &Task{
		ID:          uuid.NewString(),
		Payload:     payload,
		SubmittedAt: time.Now(),
	}
	if err := d.store.Create(task.ID); err != nil {
		return "", err
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		// The record stays visible as a FAILURE so the caller can observe
		// what happened to the id it never received.
		d.failTask(task.ID, FailureKindBroker, err.Error())
		return "", err
	}
	return task.ID, nil
}

// Status returns a task's current status.
func (d *Dispatcher) Status(id string) (Status, error) {
	return d.store.Get(id)
}

// Run executes the worker pool and maintenance loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		group.Go(func() error {
			d.workerLoop(ctx, worker)
			return nil
		})
	}
	group.Go(func() error {
		d.maintenanceLoop(ctx)
		return nil
	})
	return group.Wait()
}

// workerLoop pulls and executes tasks until ctx is cancelled.
func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	d.log.Debugf("Worker %d started", worker)
	for {
		task, ack, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.log.Debugf("Worker %d stopping", worker)
				return
			}
			d.log.Warnf("Worker %d dequeue failed: %v", worker, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		d.execute(ctx, task)
		// execute returns only once the task is terminal or requeued, so
		// acknowledging here keeps delivery at-least-once: a crash before
		// this point leaves the message pending for redelivery.
		if err := ack(); err != nil {
			d.log.Warnf("Worker %d unable to acknowledge task %s: %v", worker, task.ID, err)
		}
	}
}

// taskOutcome carries a finished task execution across the hard-limit select.
type taskOutcome struct {
	results []inference.PredictionResult
	err     error
}

// execute runs one task through its lifecycle.
func (d *Dispatcher) execute(ctx context.Context, task *Task) {
	if err := d.store.Update(task.ID, Status{State: StateProcessing}); err != nil {
		// A retried task is already PROCESSING; anything else is a stale or
		// duplicate delivery of a terminal task and is dropped here.
		if !errors.Is(err, ErrTaskNotFound) && !errors.Is(err, ErrTerminalState) {
			d.log.Warnf("Unable to mark task %s processing: %v", task.ID, err)
		}
		if errors.Is(err, ErrTerminalState) {
			return
		}
	}

	done := make(chan taskOutcome, 1)
	go func() {
		results, err := d.runPayload(ctx, task)
		done <- taskOutcome{results: results, err: err}
	}()

	softTimer := time.NewTimer(d.cfg.SoftTimeLimit)
	defer softTimer.Stop()
	hardTimer := time.NewTimer(d.cfg.HardTimeLimit)
	defer hardTimer.Stop()

	for {
		select {
		case outcome := <-done:
			d.finish(ctx, task, outcome)
			return
		case <-softTimer.C:
			d.log.Warnf(
				"Task %s exceeded its soft time limit (%v)",
				task.ID, d.cfg.SoftTimeLimit,
			)
		case <-hardTimer.C:
			// The forward pass cannot be interrupted; the goroutine may
			// finish in the background and its late result is discarded.
			d.log.Errorf(
				"Task %s exceeded its hard time limit (%v), force-failing",
				task.ID, d.cfg.HardTimeLimit,
			)
			d.failTask(task.ID, FailureKindTimeout, fmt.Sprintf(
				"task exceeded the hard time limit of %v", d.cfg.HardTimeLimit,
			))
			return
		}
	}
}

// runPayload decodes and executes a task payload, emitting progress updates
// for long batches.
func (d *Dispatcher) runPayload(ctx context.Context, task *Task) ([]inference.PredictionResult, error) {
	images := task.Payload.Images
	version := task.Payload.Version

	if len(images) == 1 {
		result, err := d.engine.PredictOne(ctx, images[0], version, false)
		if err != nil {
			return nil, err
		}
		return []inference.PredictionResult{*result}, nil
	}

	// Batches run in chunks so long tasks surface intermediate progress.
	results := make([]inference.PredictionResult, 0, len(images))
	for completed := 0; completed < len(images); completed += progressChunkSize {
		end := completed + progressChunkSize
		if end > len(images) {
			end = len(images)
		}
		chunk, err := d.engine.PredictBatch(ctx, images[completed:end], version)
		if err != nil {
			return nil, err
		}
		results = append(results, chunk...)
		if len(images) > progressChunkSize {
			progress := &Progress{Completed: len(results), Total: len(images)}
			if err := d.store.Update(task.ID, Status{State: StateProcessing, Progress: progress}); err != nil {
				d.log.Debugf("Unable to record progress for task %s: %v", task.ID, err)
			}
		}
	}
	return results, nil
}

// finish resolves a completed execution: attach results, retry transient
// failures with backoff, or fail terminally.
func (d *Dispatcher) finish(ctx context.Context, task *Task, outcome taskOutcome) {
	if outcome.err == nil {
		if err := d.store.Update(task.ID, Status{State: StateSuccess, Results: outcome.results}); err != nil {
			d.log.Warnf("Unable to mark task %s succeeded: %v", task.ID, err)
		}
		return
	}

	kind, retryable := classify(outcome.err)
	if retryable && task.Attempt < d.cfg.MaxRetries {
		task.Attempt++
		backoff := retryBackoff(task.Attempt)
		d.log.Warnf(
			"Task %s failed transiently (%s), retry %d/%d in %v: %v",
			task.ID, kind, task.Attempt, d.cfg.MaxRetries, backoff, outcome.err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			d.failTask(task.ID, kind, outcome.err.Error())
			return
		}
		if err := d.queue.Enqueue(ctx, task); err != nil {
			d.log.Errorf("Unable to requeue task %s: %v", task.ID, err)
			d.failTask(task.ID, FailureKindBroker, err.Error())
		}
		return
	}

	d.failTask(task.ID, kind, outcome.err.Error())
}

// failTask transitions a task to FAILURE with the error attached.
func (d *Dispatcher) failTask(id, kind, message string) {
	err := d.store.Update(id, Status{
		State:   StateFailure,
		Failure: &Failure{Kind: kind, Message: message},
	})
	if err != nil && !errors.Is(err, ErrTerminalState) {
		d.log.Warnf("Unable to mark task %s failed: %v", id, err)
	}
}

// retryBackoff computes the exponential backoff with jitter for an attempt
// number (1-indexed).
func retryBackoff(attempt int) time.Duration {
	backoff := float64(retryInitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > float64(retryMaxBackoff) {
		backoff = float64(retryMaxBackoff)
	}
	backoff += (rand.Float64()*2 - 1) * retryJitterFactor * backoff
	return time.Duration(backoff)
}

// maintenanceLoop drives the recurring health-check and cleanup tasks.
func (d *Dispatcher) maintenanceLoop(ctx context.Context) {
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-healthTicker.C:
			snapshot := d.registry.Health()
			d.log.Debugf(
				"Registry health: %d/%d models cached on %s",
				snapshot.Size, snapshot.Capacity, snapshot.Device,
			)
		case <-cleanupTicker.C:
			if purged := d.store.Purge(d.cfg.Retention); purged > 0 {
				d.log.Infof("Purged %d expired task records", purged)
			}
		}
	}
}

// SubmitResponse is the response body for POST /v1/tasks.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// handleSubmit handles POST /v1/tasks requests.
func (d *Dispatcher) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := d.Submit(r.Context(), payload)
	if err != nil {
		if errors.Is(err, models.ErrInvalidImage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(SubmitResponse{TaskID: id}); err != nil {
		d.log.Warnln("Error while encoding task submission response:", err)
	}
}

// handleStatus handles GET /v1/tasks/{id} requests.
func (d *Dispatcher) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.store.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		d.log.Warnln("Error while encoding task status response:", err)
	}
}

// GetRoutes returns the route patterns served by the dispatcher.
func (d *Dispatcher) GetRoutes() []string {
	return []string{
		"POST /v1/tasks",
		"GET /v1/tasks/{id}",
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r)
}
