package utils

import (
	"fmt"
	"time"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/pkg/file"
	"github.com/caarlos0/env/v11"
)

// Config represents the structure of the configuration file.
// Every field can be overridden from the environment.
type Config struct {
	MQTT struct {
		Broker            string        `yaml:"broker" env:"BROKER"`                         // MQTT broker address, e.g. tcp://broker.emqx.io:1883
		ClientID          string        `yaml:"client_id" env:"CLIENT_ID"`                   // MQTT client ID prefix, a UUID is appended
		Username          string        `yaml:"username" env:"USERNAME"`                     // Optional broker username
		Password          string        `yaml:"password" env:"PASSWORD"`                     // Optional broker password
		CACertificate     string        `yaml:"ca_certificate" env:"CA_CERTIFICATE"`         // Path to the CA certificate, empty for plain TCP
		QOS               int           `yaml:"qos" env:"QOS"`                               // QoS for commands and subscriptions
		KeepAlive         time.Duration `yaml:"keep_alive" env:"KEEP_ALIVE"`                 // Keep-alive period
		ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`       // Bound on a single connect attempt
		PublishTimeout    time.Duration `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT"`       // Bound on waiting for a publish token
		ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"RECONNECT_INTERVAL"` // Minimum gap between on-demand reconnects
		MinBackoff        time.Duration `yaml:"min_backoff" env:"MIN_BACKOFF"`               // Transport reconnect backoff floor
		MaxBackoff        time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`               // Transport reconnect backoff ceiling

		Topics struct {
			Feed         string `yaml:"feed" env:"FEED"`
			Mode         string `yaml:"mode" env:"MODE"`
			Status       string `yaml:"status" env:"STATUS"`
			FeedLog      string `yaml:"feed_log" env:"FEED_LOG"`
			CameraStatus string `yaml:"camera_status" env:"CAMERA_STATUS"`
		} `yaml:"topics" envPrefix:"TOPIC_"`
	} `yaml:"mqtt" envPrefix:"MQTT_"`

	Device struct {
		ID              string        `yaml:"id" env:"ID"`                             // Default device id for feed events without one
		StalenessWindow time.Duration `yaml:"staleness_window" env:"STALENESS_WINDOW"` // Reported values expire after this long
	} `yaml:"device" envPrefix:"DEVICE_"`

	Camera struct {
		RTSPURL         string        `yaml:"rtsp_url" env:"RTSP_URL"`                   // RTSP source, read through ffmpeg
		StreamURL       string        `yaml:"stream_url" env:"STREAM_URL"`               // ESP32 HTTP MJPEG source
		Backends        []string      `yaml:"backends" env:"BACKENDS" envSeparator:","`  // Ordered backend names: ffmpeg, mjpeg
		FFmpegPath      string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`             // ffmpeg binary
		BufferSize      int           `yaml:"buffer_size" env:"BUFFER_SIZE"`             // Shared frame buffer capacity (1..3)
		FrameInterval   time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL"`       // Capture cadence
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`           // Bound on a single frame read
		TestReads       int           `yaml:"test_reads" env:"TEST_READS"`               // Reads allowed before a backend is rejected
		TestReadDelay   time.Duration `yaml:"test_read_delay" env:"TEST_READ_DELAY"`     // Sleep between test reads
		MaxReadFailures int           `yaml:"max_read_failures" env:"MAX_READ_FAILURES"` // Consecutive failures before reconnecting
		MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`             // Restarts before the loop gives up
		RetryStep       time.Duration `yaml:"retry_step" env:"RETRY_STEP"`               // Linear backoff step
		MaxRetryDelay   time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY"`     // Backoff cap
		FlipHorizontal  bool          `yaml:"flip_horizontal" env:"FLIP_HORIZONTAL"`
		FlipVertical    bool          `yaml:"flip_vertical" env:"FLIP_VERTICAL"`
		Rotate180       bool          `yaml:"rotate_180" env:"ROTATE_180"`
		JPEGQuality     int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
		SilenceTimeout  time.Duration `yaml:"silence_timeout" env:"SILENCE_TIMEOUT"` // Viewer "waiting" notice after this long without frames
	} `yaml:"camera" envPrefix:"CAMERA_"`

	Detection struct {
		CatEndpoint         string        `yaml:"cat_endpoint" env:"CAT_ENDPOINT"`                 // Cat localizer scorer URL
		DiseaseEndpoint     string        `yaml:"disease_endpoint" env:"DISEASE_ENDPOINT"`         // Disease scorer URL
		ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"` // 0..1
		Interval            time.Duration `yaml:"interval" env:"INTERVAL"`                         // Real-time detection period per viewer
		Window              time.Duration `yaml:"window" env:"WINDOW"`                             // detect_once window
		SampleInterval      time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`           // detect_once sampling period
		Workers             int           `yaml:"workers" env:"WORKERS"`                           // Per-viewer detection pool size
		Timeout             time.Duration `yaml:"timeout" env:"TIMEOUT"`                           // Scorer request timeout
	} `yaml:"detection" envPrefix:"DETECTION_"`

	Schedule struct {
		Enabled  bool          `yaml:"enabled" env:"ENABLED"`   // Run the schedule checker inside the server
		Interval time.Duration `yaml:"interval" env:"INTERVAL"` // Check period
	} `yaml:"schedule" envPrefix:"SCHEDULE_"`

	Storage struct {
		Driver string `yaml:"driver" env:"DRIVER"` // sqlite or postgres
		DSN    string `yaml:"dsn" env:"DSN"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Snapshots struct {
		Enabled   bool   `yaml:"enabled" env:"ENABLED"`
		Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"BUCKET"`
		UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
		LocalDir  string `yaml:"local_dir" env:"LOCAL_DIR"` // Used when object storage is off or unreachable; empty disables
	} `yaml:"snapshots" envPrefix:"SNAPSHOTS_"`

	Server struct {
		Address         string        `yaml:"address" env:"ADDRESS"`
		StatusInterval  time.Duration `yaml:"status_interval" env:"STATUS_INTERVAL"` // Period of the status_update snapshot
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
		UserID          int64         `yaml:"user_id" env:"USER_ID"` // Account whose settings the dashboard shows
	} `yaml:"server" envPrefix:"SERVER_"`

	Logging struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Pretty bool   `yaml:"pretty" env:"PRETTY"`
	} `yaml:"logging" envPrefix:"LOG_"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	var c Config
	c.MQTT.Broker = "tcp://broker.emqx.io:1883"
	c.MQTT.ClientID = "catcare-server"
	c.MQTT.QOS = constants.DefaultCommandQOS
	c.MQTT.KeepAlive = constants.DefaultKeepAlive
	c.MQTT.ConnectTimeout = constants.DefaultConnectTimeout
	c.MQTT.PublishTimeout = constants.DefaultPublishTimeout
	c.MQTT.ReconnectInterval = constants.DefaultReconnectInterval
	c.MQTT.MinBackoff = constants.DefaultMinBackoff
	c.MQTT.MaxBackoff = constants.DefaultMaxBackoff
	c.MQTT.Topics.Feed = constants.DefaultFeedTopic
	c.MQTT.Topics.Mode = constants.DefaultModeTopic
	c.MQTT.Topics.Status = constants.DefaultStatusTopic
	c.MQTT.Topics.FeedLog = constants.DefaultFeedLogTopic
	c.MQTT.Topics.CameraStatus = constants.DefaultCameraStatusTopic

	c.Device.ID = constants.DefaultDeviceID
	c.Device.StalenessWindow = constants.DefaultStalenessWindow

	c.Camera.Backends = append([]string(nil), constants.CaptureBackends...)
	c.Camera.FFmpegPath = "ffmpeg"
	c.Camera.BufferSize = 3
	c.Camera.FrameInterval = 100 * time.Millisecond
	c.Camera.ReadTimeout = 5 * time.Second
	c.Camera.TestReads = 3
	c.Camera.TestReadDelay = 500 * time.Millisecond
	c.Camera.MaxReadFailures = 10
	c.Camera.MaxRetries = 5
	c.Camera.RetryStep = 3 * time.Second
	c.Camera.MaxRetryDelay = 10 * time.Second
	c.Camera.JPEGQuality = 85
	c.Camera.SilenceTimeout = 10 * time.Second

	c.Detection.ConfidenceThreshold = 0.5
	c.Detection.Interval = 5 * time.Second
	c.Detection.Window = 5 * time.Second
	c.Detection.SampleInterval = 500 * time.Millisecond
	c.Detection.Workers = 2
	c.Detection.Timeout = 10 * time.Second

	c.Schedule.Enabled = true
	c.Schedule.Interval = 60 * time.Second

	c.Storage.Driver = "sqlite"
	c.Storage.DSN = "file:catcare.db?_pragma=busy_timeout(5000)"

	c.Snapshots.Bucket = "catcare-detections"
	c.Snapshots.LocalDir = "data/snapshots"

	c.Server.Address = ":8080"
	c.Server.StatusInterval = 10 * time.Second
	c.Server.ShutdownTimeout = 5 * time.Second
	c.Server.UserID = 1

	c.Logging.Level = "info"
	return &c
}

// LoadConfig loads the YAML configuration from the specified file on top of
// DefaultConfig and then applies environment overrides. A missing file is not
// an error; the defaults and environment are used alone.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		exists, err := fileClient.IsFileExists(filename)
		if err != nil {
			return nil, err
		}
		if exists {
			if err := fileClient.ReadYamlFile(filename, config); err != nil {
				return nil, err
			}
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QOS)
	}
	if c.Device.StalenessWindow <= 0 {
		return fmt.Errorf("device.staleness_window must be positive")
	}
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection.confidence_threshold must be within [0, 1]")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule.interval must be positive")
	}
	if c.Server.UserID <= 0 {
		return fmt.Errorf("server.user_id must be positive")
	}
	if len(c.Camera.Backends) == 0 {
		return fmt.Errorf("camera.backends must name at least one backend")
	}
	known := SliceToSet(constants.CaptureBackends)
	for _, name := range c.Camera.Backends {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("unknown camera.backends entry %q", name)
		}
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	return nil
}
