package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livecam/internal/api"
	"livecam/internal/camera"
	"livecam/internal/config"
	"livecam/internal/database"
	"livecam/internal/detection"
	"livecam/internal/logging"
	"livecam/internal/mqtt"
	"livecam/internal/pipeline"
	"livecam/internal/stream"
	"livecam/internal/ws"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF   = flag.String("config", "", "Path to the YAML configuration file")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides the configured port)")
		dbgF      = flag.Bool("debug", false, "Log at debug level")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecam: %v\n", err)
		os.Exit(1)
	}
	if *httpPortF != "" {
		port, err := strconv.Atoi(*httpPortF)
		if err != nil || port <= 0 || port > 65535 {
			fmt.Fprintf(os.Stderr, "livecam: invalid -http-port %q\n", *httpPortF)
			os.Exit(1)
		}
		cfg.HTTP.Port = port
	}
	if *dbgF {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecam: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Initialize storage
	db, err := database.New(cfg.Storage.Database, cfg.Storage.CapturesDir, logger.Named("db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	// Initialize the camera backend and the detection service client
	var (
		opener camera.Opener
		yolo   *detection.YOLOClient
		models *detection.Models
	)
	{
		opener, err = camera.NewOpener(cfg.Camera.Backend, camera.Options{
			DevicePattern: cfg.Camera.DevicePattern,
			FPS:           cfg.Camera.FPS,
			OpenTimeout:   cfg.Camera.OpenTimeout,
			Logger:        logger.Named("camera"),
		})
		if err != nil {
			return err
		}
		yolo = detection.NewYOLOClient(cfg.Model.Endpoint, cfg.Model.Timeout, logger.Named("detector"))
		models = detection.NewModels(yolo, cfg.Model.Models)
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()

	manager := stream.NewManager(stream.Options{
		Opener:        opener,
		Models:        models,
		Detector:      yolo,
		Store:         db,
		Bus:           bus,
		Logger:        logger.Named("stream"),
		CaptureWidth:  cfg.Camera.Width,
		CaptureHeight: cfg.Camera.Height,
		ReadTimeout:   cfg.Camera.ReadTimeout,
		InferTimeout:  cfg.Model.Timeout,
		MaxFPS:        cfg.Stream.MaxFPS,
		StopWait:      cfg.Stream.StopWait,

		MinInferInterval: cfg.Stream.MinInferInterval,
	})

	hub := ws.NewDetectionHub(logger.Named("ws"))
	unsubscribe := bus.Subscribe(hub)
	defer func() {
		unsubscribe()
		hub.Close()
	}()

	// SIGINT and SIGTERM cancel ctx, which stops every server below.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pub *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		pub, err = mqtt.Connect(ctx, cfg.MQTT, logger.Named("mqtt"))
		if err != nil {
			logger.Warn("mqtt publishing disabled", zap.Error(err))
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	apiOpts := api.Options{
		Live:     manager,
		Captures: db,
		Models:   models,
		Health:   yolo,
		Opener:   opener,
		Config:   cfg,
		Logger:   logger.Named("api"),
	}
	if pub != nil {
		apiOpts.MQTT = pub
	}
	server := api.New(apiOpts)

	g, ctx := errgroup.WithContext(ctx)
	if pub != nil {
		g.Go(func() error {
			pub.Run(ctx, bus)
			return nil
		})
	}

	g.Go(func() error {
		return handleHTTPServer(ctx, cfg.HTTPAddr(), server, ws.NewHandler(hub, logger.Named("ws")), liveStopper(manager), logger)
	})
	if cfg.GRPC.Port > 0 {
		g.Go(func() error {
			return handleGRPCServer(ctx, cfg.GRPC.Port, detectorProbe(yolo, cfg.Model.Default), logger.Named("grpc"))
		})
	}

	err = g.Wait()
	logger.Info("shutting down", zap.NamedError("cause", err))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := manager.Close(shutdownCtx); cerr != nil {
		logger.Warn("live session did not stop cleanly", zap.Error(cerr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func liveStopper(m *stream.Manager) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := m.Stop(ctx)
		return err
	}
}

func detectorProbe(yolo *detection.YOLOClient, model string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := yolo.Health(ctx, model)
		return err
	}
}
