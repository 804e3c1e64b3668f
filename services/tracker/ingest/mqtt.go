package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig describes the broker session.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTSubscriber is a Subscriber backed by the paho MQTT client.
// Automatic reconnects are disabled.
type MQTTSubscriber struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTSubscriber returns an unconnected subscriber.
func NewMQTTSubscriber(cfg MQTTConfig, logger *slog.Logger) *MQTTSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &MQTTSubscriber{cfg: cfg, logger: logger}
}

// RoutePahoLogs sends paho's internal error and warning logs through logger.
func RoutePahoLogs(logger *slog.Logger) {
	mqtt.CRITICAL = slog.NewLogLogger(logger.Handler(), slog.LevelError)
	mqtt.ERROR = slog.NewLogLogger(logger.Handler(), slog.LevelError)
	mqtt.WARN = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
}

func (s *MQTTSubscriber) Connect(ctx context.Context, onLost func(error)) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Error("mqtt connection lost", "broker", s.cfg.Broker, "error", err)
			if onLost != nil {
				onLost(err)
			}
		})

	s.client = mqtt.NewClient(opts)
	s.logger.Info("connecting to mqtt broker", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
	return wait(ctx, s.client.Connect(), s.cfg.ConnectTimeout)
}

func (s *MQTTSubscriber) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	if s.client == nil {
		return errors.New("mqtt client not connected")
	}
	tok := s.client.Subscribe(topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if err := wait(ctx, tok, s.cfg.ConnectTimeout); err != nil {
		return err
	}
	s.logger.Info("subscribed to topic", "topic", topic, "qos", s.cfg.QoS)
	return nil
}

func (s *MQTTSubscriber) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for broker")
	}
}
