package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benmeehan/pet-feeder/pkg/file"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Will is the last-will message the broker publishes when the connection drops abruptly.
type Will struct {
	Topic    string
	Payload  any
	QOS      byte
	Retained bool
}

// Options holds everything needed to build a paho client.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	CACertificate  string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	Will           *Will

	OnConnect        mqtt.OnConnectHandler
	OnConnectionLost mqtt.ConnectionLostHandler
	OnReconnecting   mqtt.ReconnectHandler
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client     MQTTClient
	fileClient file.FileOperations
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations) *MqttService {
	return &MqttService{
		fileClient: fileClient,
	}
}

// Initialize builds the paho client. It does not connect; call Connect for that.
func (s *MqttService) Initialize(o Options) error {
	opts, err := s.buildOptions(o)
	if err != nil {
		return err
	}
	s.client = mqtt.NewClient(opts)
	return nil
}

func (s *MqttService) buildOptions(o Options) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	if o.CACertificate != "" {
		caCert, err := s.fileClient.ReadFileRaw(o.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: caCertPool})
	}

	// paho owns the reconnect loop; it backs off from MinBackoff up to MaxBackoff.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	if o.MinBackoff > 0 {
		opts.SetConnectRetryInterval(o.MinBackoff)
	}
	if o.MaxBackoff > 0 {
		opts.SetMaxReconnectInterval(o.MaxBackoff)
	}
	if o.KeepAlive > 0 {
		opts.SetKeepAlive(o.KeepAlive)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}

	if o.Will != nil {
		payload, err := encodePayload(o.Will.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode last-will payload: %w", err)
		}
		opts.SetBinaryWill(o.Will.Topic, payload, o.Will.QOS, o.Will.Retained)
	}

	if o.OnConnect != nil {
		opts.SetOnConnectHandler(o.OnConnect)
	}
	if o.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(o.OnConnectionLost)
	}
	if o.OnReconnecting != nil {
		opts.SetReconnectingHandler(o.OnReconnecting)
	}
	return opts, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return s.client.Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) mqtt.Token {
	return s.client.Unsubscribe(topics...)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	s.client.Disconnect(quiesce)
}
