package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aquasense/inference-runner/pkg/bus"
	"github.com/aquasense/inference-runner/pkg/config"
	"github.com/aquasense/inference-runner/pkg/inference"
	"github.com/aquasense/inference-runner/pkg/logging"
	"github.com/aquasense/inference-runner/pkg/metrics"
	"github.com/aquasense/inference-runner/pkg/models"
	"github.com/aquasense/inference-runner/pkg/routing"
	"github.com/aquasense/inference-runner/pkg/streams"
	"github.com/aquasense/inference-runner/pkg/tasks"
)

var log = logrus.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("INFERENCE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store := models.NewFileStore(cfg.ModelsPath)
	registry := models.NewRegistry(
		logging.ForComponent(log, "model-registry"),
		store,
		models.RegistryConfig{
			Capacity:   cfg.CacheCapacity,
			WarmupRuns: cfg.WarmupRuns,
			Device:     models.ResolveDevice(log, cfg.Device),
		},
	)

	aggregator := metrics.NewAggregator()
	engine := inference.NewEngine(
		logging.ForComponent(log, "inference-engine"),
		registry,
		aggregator,
		inference.EngineConfig{
			DefaultVersion: cfg.DefaultModelVersion,
			MaxBatchSize:   cfg.MaxBatchSize,
		},
	)

	// Select broker-backed or in-process transport for tasks and streams.
	var messageBus bus.Bus
	var queue tasks.Queue
	if cfg.NATSURL != "" {
		natsBus, err := bus.ConnectNATS(logging.ForComponent(log, "bus"), cfg.NATSURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS at %s: %v", cfg.NATSURL, err)
		}
		natsQueue, err := tasks.NewNATSQueue(natsBus.Conn())
		if err != nil {
			log.Fatalf("Failed to initialize task queue: %v", err)
		}
		messageBus, queue = natsBus, natsQueue
		log.Infof("Using NATS transport at %s", cfg.NATSURL)
	} else {
		messageBus, queue = bus.NewMemoryBus(), tasks.NewMemoryQueue()
		log.Info("Using in-process transport; suitable for single-node deployments only")
	}
	defer messageBus.Close()

	taskStore := tasks.NewStore()
	dispatcher := tasks.NewDispatcher(
		logging.ForComponent(log, "task-dispatcher"),
		engine,
		registry,
		taskStore,
		queue,
		tasks.DispatcherConfig{
			Workers:       cfg.Workers,
			MaxRetries:    3,
			SoftTimeLimit: cfg.SoftTimeLimit,
			HardTimeLimit: cfg.HardTimeLimit,
			Retention:     cfg.TaskRetention,
		},
	)

	sensors, err := streams.OpenFileSensorStore(cfg.SensorLogPath)
	if err != nil {
		log.Fatalf("Failed to open sensor log: %v", err)
	}
	defer sensors.Close()

	streamRouter := streams.NewRouter(
		logging.ForComponent(log, "stream-router"),
		messageBus,
		dispatcher,
		sensors,
		streams.NewFileImageSource(cfg.ImagesPath),
		streams.NewAnomalyDetector(cfg.SensorRanges),
		streams.RouterConfig{ShutdownGrace: cfg.ShutdownGrace},
	)

	mux := routing.NewNormalizedServeMux()
	mux.Register(engine)
	mux.Register(dispatcher)
	mux.Register(models.NewHandler(logging.ForComponent(log, "model-registry"), registry))
	mux.Handle("GET /v1/health", metrics.NewHealthHandler(
		logging.ForComponent(log, "health"),
		registry,
		aggregator,
		cfg.RequiredModelVersions,
	))
	mux.Handle("/metrics", metrics.NewExpositionHandler(
		logging.ForComponent(log, "metrics"),
		registry,
		aggregator,
	))

	// Preload required versions. A failure here leaves the runner serving but
	// unhealthy; operators see the reason in the health report.
	for _, version := range cfg.RequiredModelVersions {
		handle, err := registry.Load(ctx, version, false)
		if err != nil {
			log.Warnf("Failed to preload model %s: %v", version, err)
			continue
		}
		handle.Release()
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", cfg.ListenAddr)
		serverErrors <- server.ListenAndServe()
	}()

	runnerErrors := make(chan error, 1)
	go func() {
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error { return dispatcher.Run(groupCtx) })
		group.Go(func() error { return streamRouter.Run(groupCtx) })
		runnerErrors <- group.Wait()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		log.Infoln("Shutting down the server")
		if err := server.Close(); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
		log.Infoln("Waiting for workers and stream consumers to stop")
		if err := <-runnerErrors; err != nil && err != context.Canceled {
			log.Errorf("Runner error: %v", err)
		}
	}
	log.Infoln("Inference runner stopped")
}
