package server

import (
	"context"
	"encoding/json"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishQos     = 1
)

const (
	MqttTopicConnected    = "connected"
	MqttTopicDisconnected = "disconnected"
	MqttTopicFailed       = "failed"
)

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MqttNotifier publishes connection notifications as JSON messages under a topic prefix, such as
// loadless/connected.
type MqttNotifier struct {
	client      mqttPublisher
	topicPrefix string
}

type MqttNotification struct {
	Timestamp     time.Time   `json:"timestamp"`
	Client        *ClientInfo `json:"client"`
	ServerAddress string      `json:"server"`
	Player        *PlayerInfo `json:"player"`
	Backend       string      `json:"backend"`
	Error         string      `json:"error,omitempty"`
}

// NewMqttNotifier connects to the broker and returns a notifier that publishes to it. The paho
// client reconnects on its own after the connection is lost.
func NewMqttNotifier(config MqttConfig) (*MqttNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientId)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logrus.WithField("broker", config.Broker).Info("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logrus.WithError(err).WithField("broker", config.Broker).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.Errorf("timed out connecting to MQTT broker %s", config.Broker)
	}
	if token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "MQTT connect failed")
	}

	return newMqttNotifierWithClient(client, config.TopicPrefix), nil
}

func newMqttNotifierWithClient(client mqttPublisher, topicPrefix string) *MqttNotifier {
	return &MqttNotifier{
		client:      client,
		topicPrefix: topicPrefix,
	}
}

func (m *MqttNotifier) NotifyFailedBackendConnection(ctx context.Context, clientAddr net.Addr, serverAddress string,
	playerInfo *PlayerInfo, backendHostPort string, err error) error {
	notification := m.notification(clientAddr, serverAddress, playerInfo, backendHostPort)
	notification.Error = err.Error()
	return m.publish(MqttTopicFailed, notification)
}

func (m *MqttNotifier) NotifyConnected(ctx context.Context, clientAddr net.Addr, serverAddress string,
	playerInfo *PlayerInfo, backendHostPort string) error {
	return m.publish(MqttTopicConnected, m.notification(clientAddr, serverAddress, playerInfo, backendHostPort))
}

func (m *MqttNotifier) NotifyDisconnected(ctx context.Context, clientAddr net.Addr, serverAddress string,
	playerInfo *PlayerInfo, backendHostPort string) error {
	return m.publish(MqttTopicDisconnected, m.notification(clientAddr, serverAddress, playerInfo, backendHostPort))
}

func (m *MqttNotifier) notification(clientAddr net.Addr, serverAddress string, playerInfo *PlayerInfo, backendHostPort string) *MqttNotification {
	return &MqttNotification{
		Timestamp:     time.Now().UTC(),
		Client:        ClientInfoFromAddr(clientAddr),
		ServerAddress: serverAddress,
		Player:        playerInfo,
		Backend:       backendHostPort,
	}
}

func (m *MqttNotifier) publish(event string, notification *MqttNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "failed to marshal MQTT notification")
	}

	topic := m.topicPrefix + "/" + event
	token := m.client.Publish(topic, mqttPublishQos, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			logrus.WithError(token.Error()).WithField("topic", topic).Warn("MQTT publish failed")
		}
	}()
	return nil
}
