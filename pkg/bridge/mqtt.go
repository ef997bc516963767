package bridge

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cjihrig/pgee/pkg/pgee"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig represents MQTT bridge configuration.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topicPrefix"`
	ClientID    string `mapstructure:"clientID"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         byte   `mapstructure:"qos"`
	// Republish mirrors NATSConfig.Republish for "<prefix>/<channel>"
	// topics; the same loop warning applies.
	Republish bool `mapstructure:"republish"`
}

// MQTTSink forwards notifications to "<prefix>/<channel>" MQTT topics.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTSink connects to the MQTT broker described by cfg.
func NewMQTTSink(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cmp.Or(cfg.TopicPrefix, "pgee")

	opts := mqtt.NewClientOptions().
		AddBroker(cmp.Or(cfg.Broker, "tcp://localhost:1883")).
		SetClientID(cmp.Or(cfg.ClientID, "pgee-"+uuid.NewString()[:8])).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("broker connection error: %w", token.Error())
	}
	return &MQTTSink{client: client, prefix: prefix, qos: cfg.QoS, logger: logger}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(channel string, payload []byte) error {
	token := s.client.Publish(s.prefix+"/"+channel, s.qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	return nil
}

// Republish subscribes to "<prefix>/#" and turns each inbound message into a
// Publish on e, with the channel taken from the topic suffix.
func (s *MQTTSink) Republish(ctx context.Context, e *pgee.Emitter) error {
	topic := s.prefix + "/#"
	token := s.client.Subscribe(topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		channel := strings.TrimPrefix(msg.Topic(), s.prefix+"/")
		e.Publish(ctx, channel, json.RawMessage(msg.Payload()))
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	s.logger.Debug("republishing MQTT topics", zap.String("topic", topic))
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
