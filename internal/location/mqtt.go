package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
}

// onboardFix is the message published by the vessel's inertial computer.
type onboardFix struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lon"`
	Validity  string   `json:"validity"`
}

// MQTTLocator serves fixes published on a retained topic by an onboard
// computer, which already owns the GPS receiver.
type MQTTLocator struct {
	Logger *slog.Logger

	cfg    MQTTConfig
	client mqtt.Client
	latest *latestFix
	nowFn  func() time.Time
}

func NewMQTTLocator(cfg MQTTConfig, logger *slog.Logger, now func() time.Time) *MQTTLocator {
	if now == nil {
		now = time.Now
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "tidelog-location"
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "inertial/gps"
	}
	return &MQTTLocator{
		Logger: logger,
		cfg:    cfg,
		latest: newLatestFix(now),
		nowFn:  now,
	}
}

// Connect dials the broker and subscribes. The retained message, if any,
// arrives right after subscribing.
func (l *MQTTLocator) Connect(ctx context.Context) error {
	if strings.TrimSpace(l.cfg.Broker) == "" {
		return errors.New("empty mqtt broker")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(l.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(l.cfg.Topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			l.HandleMessage(m.Payload())
		})
		if token.Wait() && token.Error() != nil {
			l.logger().Warn("mqtt_subscribe_failed", slog.String("topic", l.cfg.Topic), slog.Any("err", token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.logger().Warn("mqtt_connection_lost", slog.Any("err", err))
	})

	l.client = mqtt.NewClient(opts)
	token := l.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", l.cfg.Broker, err)
	}
	l.logger().Info("mqtt_location_connected", slog.String("broker", l.cfg.Broker), slog.String("topic", l.cfg.Topic))
	return nil
}

func (l *MQTTLocator) Close() {
	if l.client != nil {
		l.client.Disconnect(250)
	}
}

func (l *MQTTLocator) Locate(ctx context.Context, maxAge time.Duration) (Fix, error) {
	fix, err := l.latest.wait(ctx, maxAge)
	if err != nil {
		return Fix{}, fmt.Errorf("onboard gps: %w", err)
	}
	return fix, nil
}

// HandleMessage ingests one published fix. Void or malformed fixes are
// ignored.
func (l *MQTTLocator) HandleMessage(payload []byte) {
	var msg onboardFix
	if err := json.Unmarshal(payload, &msg); err != nil {
		l.logger().Debug("mqtt_fix_decode_failed", slog.Any("err", err))
		return
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return
	}
	if msg.Validity != "" && msg.Validity != "A" {
		return
	}
	if err := validateCoordinates(*msg.Latitude, *msg.Longitude); err != nil {
		return
	}
	l.latest.set(Fix{
		Latitude:     *msg.Latitude,
		Longitude:    *msg.Longitude,
		CapturedAtMs: l.nowFn().UnixMilli(),
		Provenance:   ProvenanceLive,
	})
}

func (l *MQTTLocator) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
