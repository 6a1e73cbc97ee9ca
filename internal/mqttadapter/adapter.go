// Package mqttadapter owns the MQTT side of the bridge: the subscription
// that feeds the ingress queue and the publish path used to echo control
// messages back toward devices.
package mqttadapter

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/CellMechLab/barytech/internal/monitoring"
)

const (
	// ControlTopic receives parameter echoes destined for devices.
	ControlTopic = "PAR"

	subscribeQoS = 1
	publishQoS   = 1

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// dataTopics are the telemetry subscriptions: the monitoring topic plus the
// device data topic and its children.
var dataTopics = map[string]byte{
	"MON":           subscribeQoS,
	"device_data":   subscribeQoS,
	"device_data/#": subscribeQoS,
}

// Config holds the broker connection settings.
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
}

// IngressQueue is the adapter's hand-off point into the data plane.
type IngressQueue interface {
	Offer(payload []byte) bool
}

// Adapter wraps the paho client. Delivery callbacks only copy the payload
// into the ingress queue; all decode work happens downstream.
type Adapter struct {
	client mqtt.Client
	queue  IngressQueue
	stats  *monitoring.Stats
	logger zerolog.Logger
}

// New builds the adapter. The client uses a persistent session with a stable
// client id so the broker retains QoS 1 deliveries across reconnects, and
// reconnects on its own with the subscription restored by the on-connect
// hook.
func New(cfg Config, queue IngressQueue, stats *monitoring.Stats, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		queue:  queue,
		stats:  stats,
		logger: logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	a.client = mqtt.NewClient(opts)
	return a
}

// Start connects to the broker. The subscription itself is placed by the
// on-connect hook so it is also restored after reconnects.
func (a *Adapter) Start() error {
	token := a.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect: timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop disconnects, allowing in-flight publishes a short drain.
func (a *Adapter) Stop() {
	a.client.Disconnect(250)
	monitoring.MQTTConnectionStatus.Set(0)
	a.logger.Info().Msg("MQTT client disconnected")
}

// Publish sends a control payload with QoS 1 and waits for the ack.
func (a *Adapter) Publish(topic string, payload []byte) error {
	token := a.client.Publish(topic, publishQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (a *Adapter) onConnect(client mqtt.Client) {
	monitoring.MQTTConnectionStatus.Set(1)
	a.logger.Info().Int("topics", len(dataTopics)).Msg("MQTT connected, subscribing")

	token := client.SubscribeMultiple(dataTopics, a.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			a.logger.Error().Err(err).Msg("MQTT subscribe failed")
		}
	}()
}

func (a *Adapter) onConnectionLost(_ mqtt.Client, err error) {
	monitoring.MQTTConnectionStatus.Set(0)
	a.logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
}

// onMessage runs on the paho delivery goroutine. The payload is copied
// before hand-off because paho reuses its buffers.
func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	a.stats.AddMQTTReceived(1)

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	a.queue.Offer(payload)
}
