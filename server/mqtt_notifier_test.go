package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completedToken struct {
	err error
}

func (c *completedToken) Wait() bool {
	return true
}

func (c *completedToken) WaitTimeout(time.Duration) bool {
	return true
}

func (c *completedToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (c *completedToken) Error() error {
	return c.err
}

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	sync.Mutex
	messages []publishedMessage
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.Lock()
	defer f.Unlock()
	f.messages = append(f.messages, publishedMessage{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &completedToken{}
}

func TestMqttNotifier_Topics(t *testing.T) {
	publisher := &fakePublisher{}
	notifier := newMqttNotifierWithClient(publisher, "loadless")

	clientAddr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40000}
	player := &PlayerInfo{Name: "Alice", Uuid: uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")}
	ctx := context.Background()

	require.NoError(t, notifier.NotifyConnected(ctx, clientAddr, "play.example.com", player, "127.0.0.1:25566"))
	require.NoError(t, notifier.NotifyDisconnected(ctx, clientAddr, "play.example.com", player, "127.0.0.1:25566"))
	require.NoError(t, notifier.NotifyFailedBackendConnection(ctx, clientAddr, "play.example.com", player, "127.0.0.1:25566", errors.New("refused")))

	require.Len(t, publisher.messages, 3)
	assert.Equal(t, "loadless/connected", publisher.messages[0].topic)
	assert.Equal(t, "loadless/disconnected", publisher.messages[1].topic)
	assert.Equal(t, "loadless/failed", publisher.messages[2].topic)

	for _, message := range publisher.messages {
		assert.Equal(t, byte(1), message.qos)
		assert.False(t, message.retained)
	}

	var notification MqttNotification
	require.NoError(t, json.Unmarshal(publisher.messages[0].payload, &notification))
	assert.Equal(t, player, notification.Player)
	assert.Equal(t, &ClientInfo{Host: "10.0.0.5", Port: 40000}, notification.Client)
	assert.Equal(t, "play.example.com", notification.ServerAddress)
	assert.Equal(t, "127.0.0.1:25566", notification.Backend)
	assert.Empty(t, notification.Error)

	require.NoError(t, json.Unmarshal(publisher.messages[2].payload, &notification))
	assert.Equal(t, "refused", notification.Error)
}
