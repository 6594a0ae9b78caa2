package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/pet-feeder/internal/capture"
	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/detection"
	"github.com/benmeehan/pet-feeder/internal/imageops"
	"github.com/benmeehan/pet-feeder/internal/metrics_collectors"
	"github.com/benmeehan/pet-feeder/internal/server"
	"github.com/benmeehan/pet-feeder/internal/service_registry"
	"github.com/benmeehan/pet-feeder/internal/services"
	"github.com/benmeehan/pet-feeder/internal/storage"
	"github.com/benmeehan/pet-feeder/internal/utils"
	"github.com/benmeehan/pet-feeder/pkg/file"
	"github.com/benmeehan/pet-feeder/pkg/mqtt"
	"github.com/benmeehan/pet-feeder/pkg/s3"
	"github.com/benmeehan/pet-feeder/pkg/scorer"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	fileClient := file.NewFileService()
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := utils.NewLogger(config.Logging.Level, config.Logging.Pretty)
	clock := clockwork.NewRealClock()

	// Generate a unique MQTT Client ID by appending a UUID
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	log.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT Client ID")

	store, err := storage.Open(config.Storage.Driver, config.Storage.DSN, clock, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	connections := services.NewConnectionRegistry(connectionConfig(config), mqttFactory(fileClient), clock, log)
	relay := server.NewStatusRelay(constants.StatusGroup, log)
	deviceState := services.NewDeviceStateService(services.DeviceTopics{
		Status:       config.MQTT.Topics.Status,
		FeedLog:      config.MQTT.Topics.FeedLog,
		CameraStatus: config.MQTT.Topics.CameraStatus,
	}, config.Device.StalenessWindow, config.Device.ID, connections, connections, relay, store, clock, log)
	publisher := services.NewCommandPublisher(config.MQTT.Topics.Feed, config.MQTT.Topics.Mode, config.MQTT.QOS, connections, clock, log)

	broker := capture.NewFrameBroker(buildBackends(config, deviceState, clock, log), brokerConfig(config), clock, log)

	detectorConfig := detection.DefaultConfig()
	detectorConfig.ConfidenceThreshold = config.Detection.ConfidenceThreshold
	detectorConfig.Window = config.Detection.Window
	detectorConfig.SampleInterval = config.Detection.SampleInterval
	detector := detection.NewDetector(
		scorer.NewClient(config.Detection.CatEndpoint, config.Detection.Timeout),
		scorer.NewClient(config.Detection.DiseaseEndpoint, config.Detection.Timeout),
		detectorConfig, clock, log)

	// Probe the models and object storage concurrently; neither is fatal.
	var uploader services.SnapshotUploader
	objectStorage := s3.NewObjectStorage()
	warmup, warmupCtx := errgroup.WithContext(context.Background())
	warmup.Go(func() error {
		if err := detector.Init(warmupCtx); err != nil {
			log.Warn().Err(err).Msg("Detection models unavailable, detection commands will report it")
		}
		return nil
	})
	if config.Snapshots.Enabled {
		warmup.Go(func() error {
			return objectStorage.Connect(warmupCtx, config.Snapshots.Endpoint, config.Snapshots.AccessKey,
				config.Snapshots.SecretKey, config.Snapshots.UseSSL)
		})
	}
	if err := warmup.Wait(); err != nil {
		log.Warn().Err(err).Msg("Object storage unavailable")
	} else if config.Snapshots.Enabled {
		uploader = objectStorage
	}
	if uploader == nil && config.Snapshots.LocalDir != "" {
		uploader = services.NewLocalSnapshotStore(config.Snapshots.LocalDir, fileClient)
		log.Info().Str("dir", config.Snapshots.LocalDir).Msg("Keeping detection snapshots on local disk")
	}
	archive := services.NewDetectionArchive(store, uploader, config.Snapshots.Bucket, clock, log)

	httpServer := server.NewServer(server.Config{
		Address:         config.Server.Address,
		StatusInterval:  config.Server.StatusInterval,
		ShutdownTimeout: config.Server.ShutdownTimeout,
		UserID:          config.Server.UserID,
		Video: server.VideoConfig{
			FrameInterval:     config.Camera.FrameInterval,
			SilenceTimeout:    config.Camera.SilenceTimeout,
			DetectionInterval: config.Detection.Interval,
			DetectionWorkers:  config.Detection.Workers,
			JPEGQuality:       config.Camera.JPEGQuality,
			Orientation: imageops.Orientation{
				FlipHorizontal: config.Camera.FlipHorizontal,
				FlipVertical:   config.Camera.FlipVertical,
				Rotate180:      config.Camera.Rotate180,
			},
		},
	}, server.Deps{
		Device:    deviceState,
		Commands:  publisher,
		Settings:  store,
		Transport: connections,
		Broker:    broker,
		Detector:  detector,
		Archive:   archive,
		Relay:     relay,
		Host:      metrics_collectors.NewHostMetricsRegistry(".", log),
	}, clock, log)

	// Routes must exist before the connection comes up so the first
	// onConnect subscribes them.
	serviceRegistry := service_registry.NewServiceRegistry(log)
	serviceRegistry.RegisterService("device_state", deviceState)
	serviceRegistry.RegisterService("mqtt", connections)
	if config.Schedule.Enabled {
		engine := services.NewScheduleEngine(store, publisher, clock, log)
		serviceRegistry.RegisterService("schedule", services.NewScheduleRunner(engine, store, config.Schedule.Interval, clock, log))
	}
	serviceRegistry.RegisterService("capture", broker)
	serviceRegistry.RegisterService("http", httpServer)

	if err := serviceRegistry.StartServices(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start services")
	}
	log.Info().Str("address", httpServer.Addr()).Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
	}
}

func connectionConfig(config *utils.Config) services.ConnectionConfig {
	return services.ConnectionConfig{
		Broker:            config.MQTT.Broker,
		ClientID:          config.MQTT.ClientID,
		Username:          config.MQTT.Username,
		Password:          config.MQTT.Password,
		CACertificate:     config.MQTT.CACertificate,
		QOS:               byte(config.MQTT.QOS),
		KeepAlive:         config.MQTT.KeepAlive,
		ConnectTimeout:    config.MQTT.ConnectTimeout,
		PublishTimeout:    config.MQTT.PublishTimeout,
		ReconnectInterval: config.MQTT.ReconnectInterval,
		MinBackoff:        config.MQTT.MinBackoff,
		MaxBackoff:        config.MQTT.MaxBackoff,
		StatusTopic:       config.MQTT.Topics.Status,
	}
}

func mqttFactory(fileClient file.FileOperations) services.ClientFactory {
	return func(opts mqtt.Options) (mqtt.MQTTClient, error) {
		client := mqtt.NewMqttService(fileClient)
		if err := client.Initialize(opts); err != nil {
			return nil, err
		}
		return client, nil
	}
}

func brokerConfig(config *utils.Config) capture.BrokerConfig {
	bc := capture.DefaultBrokerConfig()
	bc.BufferSize = config.Camera.BufferSize
	bc.FrameInterval = config.Camera.FrameInterval
	bc.TestReads = config.Camera.TestReads
	bc.TestReadDelay = config.Camera.TestReadDelay
	bc.MaxReadFailures = config.Camera.MaxReadFailures
	bc.MaxRetries = config.Camera.MaxRetries
	bc.RetryStep = config.Camera.RetryStep
	bc.MaxRetryDelay = config.Camera.MaxRetryDelay
	return bc
}

// buildBackends returns the capture backends in configured order. The RTSP
// URL advertised by the camera takes precedence over the configured one.
func buildBackends(config *utils.Config, device *services.DeviceStateService, clock clockwork.Clock, log zerolog.Logger) []capture.Backend {
	rtspURL := func() string {
		if url := device.CameraRTSPURL(); url != "" {
			return url
		}
		return config.Camera.RTSPURL
	}
	streamURL := func() string { return config.Camera.StreamURL }

	var backends []capture.Backend
	for _, name := range config.Camera.Backends {
		switch name {
		case constants.CaptureBackendFFmpeg:
			backends = append(backends, capture.NewFFmpegBackend(config.Camera.FFmpegPath, rtspURL,
				config.Camera.FrameInterval, config.Camera.ReadTimeout, clock, log))
		case constants.CaptureBackendMJPEG:
			backends = append(backends, capture.NewMJPEGBackend(streamURL, nil,
				config.Camera.ReadTimeout, clock, log))
		default:
			log.Warn().Str("backend", name).Msg("Ignoring unknown capture backend")
		}
	}
	return backends
}
