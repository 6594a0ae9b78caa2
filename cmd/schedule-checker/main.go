package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benmeehan/pet-feeder/internal/services"
	"github.com/benmeehan/pet-feeder/internal/storage"
	"github.com/benmeehan/pet-feeder/internal/utils"
	"github.com/benmeehan/pet-feeder/pkg/file"
	"github.com/benmeehan/pet-feeder/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// errServerOwnsSchedules is returned when the configuration still has the
// server running its own schedule runner. Two engines keep separate marks and
// would both fire every matching minute.
var errServerOwnsSchedules = errors.New("schedule.enabled is true, so the feeder server already runs schedules; set schedule.enabled=false (SCHEDULE_ENABLED=false) for both processes to use the standalone checker")

func checkScheduleOwnership(config *utils.Config) error {
	if config.Schedule.Enabled {
		return errServerOwnsSchedules
	}
	return nil
}

// schedule-checker runs the schedule engine without the web server, for
// deployments that keep the HTTP side and the feeding clock apart. It only
// runs when the server's in-process runner is disabled.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	interval := flag.Duration("interval", 0, "check period, overrides schedule.interval")
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	_ = godotenv.Load()

	fileClient := file.NewFileService()
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *interval > 0 {
		config.Schedule.Interval = *interval
	}
	log := utils.NewLogger(config.Logging.Level, config.Logging.Pretty).With().Str("process", "schedule-checker").Logger()
	if err := checkScheduleOwnership(config); err != nil {
		log.Fatal().Err(err).Msg("Refusing to start a second schedule engine")
	}
	clock := clockwork.NewRealClock()

	store, err := storage.Open(config.Storage.Driver, config.Storage.DSN, clock, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	connections := services.NewConnectionRegistry(services.ConnectionConfig{
		Broker:            config.MQTT.Broker,
		ClientID:          config.MQTT.ClientID + "-scheduler-" + uuid.New().String(),
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
	}, func(opts mqtt.Options) (mqtt.MQTTClient, error) {
		client := mqtt.NewMqttService(fileClient)
		if err := client.Initialize(opts); err != nil {
			return nil, err
		}
		return client, nil
	}, clock, log)
	if err := connections.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer connections.Disconnect()

	publisher := services.NewCommandPublisher(config.MQTT.Topics.Feed, config.MQTT.Topics.Mode, config.MQTT.QOS, connections, clock, log)
	engine := services.NewScheduleEngine(store, publisher, clock, log)
	runner := services.NewScheduleRunner(engine, store, config.Schedule.Interval, clock, log)

	if *once {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fired := runner.RunOnce(ctx)
		log.Info().Int("fired", fired).Msg("Schedule pass finished")
		return
	}

	if err := runner.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start schedule runner")
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	_ = runner.Stop()
}
