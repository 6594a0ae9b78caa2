package services

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/pet-feeder/internal/constants"
	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/benmeehan/pet-feeder/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyConnected is returned when Connect is called twice on one registry.
	ErrAlreadyConnected = errors.New("mqtt connection already established")
	// ErrNotConnected is returned when a publish is attempted without a live connection.
	ErrNotConnected = errors.New("mqtt broker is not connected")
	// ErrPublishTimeout is returned when the transport does not accept a publish in time.
	ErrPublishTimeout = errors.New("mqtt publish timed out")
)

// ClientFactory builds an unconnected MQTT client from options.
type ClientFactory func(opts mqtt.Options) (mqtt.MQTTClient, error)

// ConnectionConfig holds the broker settings used by Connect.
type ConnectionConfig struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	CACertificate     string
	QOS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	ReconnectInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	StatusTopic       string
}

// ConnectionRegistry owns the process-wide broker connection: its liveness
// flag, the on-demand reconnect gate and the set of routed subscriptions that
// are (re)subscribed every time the connection comes up.
type ConnectionRegistry struct {
	config  ConnectionConfig
	factory ClientFactory
	clock   clockwork.Clock
	logger  zerolog.Logger

	mu          sync.Mutex
	client      mqtt.MQTTClient
	routes      map[string]MQTT.MessageHandler
	subscribed  map[string]bool
	lastAttempt time.Time

	connected atomic.Bool
}

// NewConnectionRegistry creates a registry. Nothing is dialled until Connect.
func NewConnectionRegistry(config ConnectionConfig, factory ClientFactory, clock clockwork.Clock, logger zerolog.Logger) *ConnectionRegistry {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = constants.DefaultReconnectInterval
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = constants.DefaultMinBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = constants.DefaultMaxBackoff
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = constants.DefaultPublishTimeout
	}
	if config.StatusTopic == "" {
		config.StatusTopic = constants.DefaultStatusTopic
	}
	return &ConnectionRegistry{
		config:     config,
		factory:    factory,
		clock:      clock,
		logger:     logger,
		routes:     make(map[string]MQTT.MessageHandler),
		subscribed: make(map[string]bool),
	}
}

// Route registers a handler for topic. Routes added after Connect are
// subscribed immediately when the connection is up.
func (r *ConnectionRegistry) Route(topic string, handler MQTT.MessageHandler) {
	r.mu.Lock()
	r.routes[topic] = handler
	client := r.client
	r.mu.Unlock()

	if client != nil && r.IsConnected() {
		r.subscribe(client, topic, handler)
	}
}

// Unroute forgets topic and unsubscribes from it when connected.
func (r *ConnectionRegistry) Unroute(topic string) {
	r.mu.Lock()
	delete(r.routes, topic)
	wasSubscribed := r.subscribed[topic]
	delete(r.subscribed, topic)
	client := r.client
	r.mu.Unlock()

	if client == nil || !wasSubscribed || !r.IsConnected() {
		return
	}
	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(r.config.ConnectTimeout) {
		r.logger.Warn().Str("topic", topic).Msg("Unsubscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to unsubscribe from MQTT topic")
		return
	}
	r.logger.Info().Str("topic", topic).Msg("Unsubscribed from MQTT topic")
}

// Start connects to the broker. It implements the registry Service contract.
func (r *ConnectionRegistry) Start() error {
	return r.Connect()
}

// Stop disconnects from the broker.
func (r *ConnectionRegistry) Stop() error {
	r.Disconnect()
	return nil
}

// Connect creates the single broker connection for this process. The initial
// dial is bounded by ConnectTimeout; if it does not complete the transport keeps
// retrying in the background and Connect still succeeds.
func (r *ConnectionRegistry) Connect() error {
	r.mu.Lock()
	if r.client != nil {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}

	opts := mqtt.Options{
		Broker:         r.config.Broker,
		ClientID:       r.config.ClientID,
		Username:       r.config.Username,
		Password:       r.config.Password,
		CACertificate:  r.config.CACertificate,
		KeepAlive:      r.config.KeepAlive,
		ConnectTimeout: r.config.ConnectTimeout,
		MinBackoff:     r.config.MinBackoff,
		MaxBackoff:     r.config.MaxBackoff,
		// paho fixes the will at client creation, so automatic reconnects
		// reuse this timestamp and subscribers may see an older offline time.
		Will: &mqtt.Will{
			Topic:    r.config.StatusTopic,
			Payload:  models.StatusMessage{Status: constants.DeviceStatusOffline, Timestamp: float64(r.clock.Now().Unix())},
			QOS:      1,
			Retained: true,
		},
		OnConnect:        r.onConnect,
		OnConnectionLost: r.onConnectionLost,
		OnReconnecting:   r.onReconnecting,
	}

	client, err := r.factory(opts)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to create mqtt client: %w", err)
	}
	r.client = client
	r.lastAttempt = r.clock.Now()
	r.mu.Unlock()

	r.logger.Info().Str("broker", r.config.Broker).Str("client_id", r.config.ClientID).Msg("Connecting to MQTT broker")
	token := client.Connect()
	if !token.WaitTimeout(r.config.ConnectTimeout) {
		r.logger.Warn().Dur("timeout", r.config.ConnectTimeout).Msg("MQTT connect still pending, transport will keep retrying")
		return nil
	}
	if err := token.Error(); err != nil {
		r.logger.Error().Err(err).Msg("Initial MQTT connect failed, transport will keep retrying")
		return nil
	}
	r.connected.Store(true)
	return nil
}

// Disconnect closes the connection and forgets the client.
func (r *ConnectionRegistry) Disconnect() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.subscribed = make(map[string]bool)
	r.mu.Unlock()

	r.connected.Store(false)
	if client != nil {
		client.Disconnect(250)
		r.logger.Info().Msg("Disconnected from MQTT broker")
	}
}

// IsConnected reports the transport liveness flag maintained by the connection handlers.
func (r *ConnectionRegistry) IsConnected() bool {
	return r.connected.Load()
}

// EnsureConnected is called before every outbound publish. When the
// connection is down and has been down for longer than ReconnectInterval, it
// makes one bounded reconnect attempt. It returns the resulting liveness.
func (r *ConnectionRegistry) EnsureConnected() bool {
	if r.IsConnected() {
		return true
	}

	r.mu.Lock()
	client := r.client
	if client == nil {
		r.mu.Unlock()
		return false
	}
	now := r.clock.Now()
	if now.Sub(r.lastAttempt) <= r.config.ReconnectInterval {
		r.mu.Unlock()
		return false
	}
	r.lastAttempt = now
	r.mu.Unlock()

	r.logger.Info().Msg("Attempting MQTT reconnect")
	token := client.Connect()
	if !token.WaitTimeout(r.config.ConnectTimeout) {
		r.logger.Warn().Msg("MQTT reconnect timed out")
		return r.IsConnected()
	}
	if err := token.Error(); err != nil {
		r.logger.Warn().Err(err).Msg("MQTT reconnect failed")
		return r.IsConnected()
	}
	r.connected.Store(true)
	return true
}

// Publish hands payload to the transport and waits for it to be accepted.
func (r *ConnectionRegistry) Publish(topic string, qos byte, retained bool, payload interface{}) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(r.config.PublishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Subscriptions returns the topics currently subscribed, sorted.
func (r *ConnectionRegistry) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.subscribed))
	for topic, ok := range r.subscribed {
		if ok {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

func (r *ConnectionRegistry) onConnect(_ MQTT.Client) {
	r.connected.Store(true)
	r.logger.Info().Str("broker", r.config.Broker).Msg("MQTT connection established")

	r.mu.Lock()
	client := r.client
	routes := make(map[string]MQTT.MessageHandler, len(r.routes))
	for topic, handler := range r.routes {
		routes[topic] = handler
	}
	r.mu.Unlock()
	if client == nil {
		return
	}

	for topic, handler := range routes {
		r.subscribe(client, topic, handler)
	}
}

// subscribe never fails the caller; a broken topic is logged and the rest continue.
func (r *ConnectionRegistry) subscribe(client mqtt.MQTTClient, topic string, handler MQTT.MessageHandler) {
	token := client.Subscribe(topic, r.config.QOS, handler)
	ok := token.WaitTimeout(r.config.ConnectTimeout)
	var err error
	if !ok {
		err = errors.New("subscribe timed out")
	} else {
		err = token.Error()
	}

	r.mu.Lock()
	r.subscribed[topic] = err == nil
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		return
	}
	r.logger.Info().Str("topic", topic).Msg("Subscribed to MQTT topic")
}

func (r *ConnectionRegistry) onConnectionLost(_ MQTT.Client, err error) {
	r.connected.Store(false)

	r.mu.Lock()
	r.lastAttempt = r.clock.Now()
	r.subscribed = make(map[string]bool)
	r.mu.Unlock()

	r.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (r *ConnectionRegistry) onReconnecting(_ MQTT.Client, _ *MQTT.ClientOptions) {
	r.logger.Debug().Msg("MQTT transport reconnecting")
}
