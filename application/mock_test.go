package application

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

type MockRTKeyClient struct {
	mock.Mock
}

func (m *MockRTKeyClient) Cameras(ctx context.Context) ([]Camera, error) {
	args := m.Called(ctx)

	var cameras []Camera
	if c := args.Get(0); c != nil {
		cameras = c.([]Camera)
	}
	return cameras, args.Error(1)
}

func (m *MockRTKeyClient) Camera(ctx context.Context, cameraID string) (Camera, error) {
	args := m.Called(ctx, cameraID)
	return args.Get(0).(Camera), args.Error(1)
}

func (m *MockRTKeyClient) CameraImage(ctx context.Context, cameraID string) ([]byte, error) {
	args := m.Called(ctx, cameraID)

	var img []byte
	if b := args.Get(0); b != nil {
		img = b.([]byte)
	}
	return img, args.Error(1)
}

func (m *MockRTKeyClient) CameraStreamURL(ctx context.Context, cameraID string) (string, error) {
	args := m.Called(ctx, cameraID)
	return args.String(0), args.Error(1)
}

func (m *MockRTKeyClient) InvalidateCameras(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRTKeyClient) Intercoms(ctx context.Context) ([]Intercom, error) {
	args := m.Called(ctx)

	var intercoms []Intercom
	if i := args.Get(0); i != nil {
		intercoms = i.([]Intercom)
	}
	return intercoms, args.Error(1)
}

func (m *MockRTKeyClient) OpenIntercom(ctx context.Context, intercomID string) error {
	return m.Called(ctx, intercomID).Error(0)
}

func (m *MockRTKeyClient) ClearCache(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var _ RTKeyClient = &MockRTKeyClient{}

type MockMQTTClient struct {
	mock.Mock

	mu        sync.Mutex
	published []publishedMessage
}

type publishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  any
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, msg any) error {
	m.mu.Lock()
	m.published = append(m.published, publishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: msg})
	m.mu.Unlock()

	return m.Called(topic, qos, retained, msg).Error(0)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(msg MQTTMessage)) error {
	return m.Called(topic, qos, handler).Error(0)
}

func (m *MockMQTTClient) Connect() error {
	return m.Called().Error(0)
}

func (m *MockMQTTClient) Disconnect() {
	m.Called()
}

func (m *MockMQTTClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) Status() MQTTStatus {
	return m.Called().Get(0).(MQTTStatus)
}

// Published returns the messages sent to topic, in order.
func (m *MockMQTTClient) Published(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []publishedMessage
	for _, msg := range m.published {
		if msg.Topic == topic {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

var _ MQTTClient = &MockMQTTClient{}

type testMessage struct {
	topic   string
	payload []byte
}

func (m *testMessage) Topic() string   { return m.topic }
func (m *testMessage) Payload() []byte { return m.payload }
