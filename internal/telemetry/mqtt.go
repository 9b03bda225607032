package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/can-safety-gateway/internal/logging"
	"github.com/kstaniek/can-safety-gateway/internal/safety"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("telemetry: publish timeout")

// MQTTConfig selects the broker and topic layout. Events go to
// <Topic>/events/<kind>; engagement changes also update the retained
// <Topic>/state.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Timeout  time.Duration
}

// mqttClient is the subset of mqtt.Client used by the sink.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes events to an MQTT broker.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqttClient
}

// DialMQTT connects to cfg.Broker. The client reconnects on its own after
// the initial connect succeeds.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	cfg = cfg.withDefaults()
	l := logging.L().With("sink", "mqtt", "broker", cfg.Broker)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetOnConnectHandler(func(mqtt.Client) { l.Info("mqtt_connected") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { l.Warn("mqtt_connection_lost", "error", err) })
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(cfg, c), nil
}

func newMQTTSink(cfg MQTTConfig, c mqttClient) *MQTTSink {
	return &MQTTSink{cfg: cfg.withDefaults(), client: c}
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = "safety-gateway"
	}
	if c.ClientID == "" {
		c.ClientID = "safety-gateway"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	return c
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ctx context.Context, ev safety.Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := s.publish(ctx, s.cfg.Topic+"/events/"+ev.Kind.String(), false, payload); err != nil {
		return err
	}
	switch ev.Kind {
	case safety.EventEngaged, safety.EventDisengaged, safety.EventInit:
		return s.publish(ctx, s.cfg.Topic+"/state", true, payload)
	}
	return nil
}

func (s *MQTTSink) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	tok := s.client.Publish(topic, s.cfg.QoS, retained, payload)
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
