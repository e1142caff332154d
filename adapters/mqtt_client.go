package adapters

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rtkey-to-mqtt/application"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	MQTTDefaultConnectTimeout   = 30 * time.Second
	MQTTDefaultPublishTimeout   = 5 * time.Second
	MQTTDefaultSubscribeTimeout = 5 * time.Second
	MQTTDefaultQuiesce          = 250 * time.Millisecond
)

var (
	ErrMQTTNotConnected     = fmt.Errorf("not connected")
	ErrMQTTConnectTimeout   = fmt.Errorf("connect timeout")
	ErrMQTTPublishTimeout   = fmt.Errorf("publish timeout")
	ErrMQTTSubscribeTimeout = fmt.Errorf("subscribe timeout")
)

type MQTTClientParams struct {
	ClientID string
	Username string
	Password string
	MQTTUrl  string

	// WillTopic receives WillPayload from the broker when the connection is
	// lost and BirthPayload after every reconnect. Empty disables both.
	WillTopic    string
	WillPayload  string
	BirthPayload string

	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (m *MQTTClientParams) EnsureDefaults() {
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = MQTTDefaultConnectTimeout
	}

	if m.PublishTimeout == 0 {
		m.PublishTimeout = MQTTDefaultPublishTimeout
	}

	if m.SubscribeTimeout == 0 {
		m.SubscribeTimeout = MQTTDefaultSubscribeTimeout
	}

	if m.NewClientFunc == nil {
		m.NewClientFunc = mqtt.NewClient
	}
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

type MQTTClient struct {
	params MQTTClientParams

	client mqtt.Client

	connected          uint64
	connectedOnce      uint64
	msgCount           uint64
	msgCountUpdateTime atomic.Pointer[time.Time]

	mu            sync.RWMutex
	subscriptions map[string]subscription

	log zerolog.Logger
}

func NewMQTTClient(params MQTTClientParams) *MQTTClient {
	params.EnsureDefaults()

	m := &MQTTClient{
		params:        params,
		subscriptions: make(map[string]subscription),
		log:           params.Log,
	}
	m.client = m.newMqttClient()

	t := time.Unix(0, 0)
	m.msgCountUpdateTime.Store(&t)

	return m
}

func (m *MQTTClient) Connect() error {
	if atomic.LoadUint64(&m.connected) == 1 {
		return nil
	}

	tc := time.NewTimer(m.params.ConnectTimeout)
	defer tc.Stop()

	token := m.client.Connect()
	select {
	case <-tc.C:
		return ErrMQTTConnectTimeout
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	}

	atomic.StoreUint64(&m.connected, 1)
	return nil
}

func (m *MQTTClient) Disconnect() {
	atomic.StoreUint64(&m.connected, 0)
	m.client.Disconnect(uint(MQTTDefaultQuiesce.Milliseconds()))
	m.log.Info().Msg("disconnected")
}

func (m *MQTTClient) IsConnected() bool {
	if atomic.LoadUint64(&m.connected) == 0 {
		return false
	}
	return true
}

func (m *MQTTClient) Status() application.MQTTStatus {
	return application.MQTTStatus{
		MessageCount:      atomic.LoadUint64(&m.msgCount),
		LastTimePublished: *m.msgCountUpdateTime.Load(),
		Connected:         m.IsConnected(),
	}
}

func (m *MQTTClient) Publish(topic string, qos byte, retained bool, msg any) error {
	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	tc := time.NewTimer(m.params.PublishTimeout)
	defer tc.Stop()

	token := m.client.Publish(topic, qos, retained, msg)
	select {
	case <-tc.C:
		return ErrMQTTPublishTimeout
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	}

	t := time.Now()
	m.msgCountUpdateTime.Store(&t)
	atomic.AddUint64(&m.msgCount, 1)
	return nil
}

// Subscribe registers handler for topic. Subscriptions are restored after a reconnect.
func (m *MQTTClient) Subscribe(topic string, qos byte, handler func(msg application.MQTTMessage)) error {
	if !m.IsConnected() {
		return ErrMQTTNotConnected
	}

	sub := subscription{
		qos: qos,
		handler: func(client mqtt.Client, msg mqtt.Message) {
			handler(msg)
		},
	}

	m.mu.Lock()
	m.subscriptions[topic] = sub
	m.mu.Unlock()

	tc := time.NewTimer(m.params.SubscribeTimeout)
	defer tc.Stop()

	token := m.client.Subscribe(topic, qos, sub.handler)
	select {
	case <-tc.C:
		return ErrMQTTSubscribeTimeout
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	}

	m.log.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

func (m *MQTTClient) PublishHandler(client mqtt.Client, msg mqtt.Message) {
	m.log.Debug().Str("topic", msg.Topic()).Msg("unexpected message")
}

func (m *MQTTClient) OnConnect(client mqtt.Client) {
	m.log.Info().Msgf("connected")
	atomic.StoreUint64(&m.connected, 1)

	if !atomic.CompareAndSwapUint64(&m.connectedOnce, 0, 1) {
		m.restore(client)
	}
}

func (m *MQTTClient) OnConnectionLost(client mqtt.Client, err error) {
	m.log.Info().Msgf("connect lost: %v", err)
	atomic.StoreUint64(&m.connected, 0)
}

// restore runs inside the paho connect callback and must not wait on tokens.
func (m *MQTTClient) restore(client mqtt.Client) {
	if m.params.WillTopic != "" {
		client.Publish(m.params.WillTopic, 1, true, m.params.BirthPayload)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, sub := range m.subscriptions {
		client.Subscribe(topic, sub.qos, sub.handler)
		m.log.Debug().Str("topic", topic).Msg("resubscribed")
	}
}

func (m *MQTTClient) newMqttClient() mqtt.Client {
	opts := mqtt.NewClientOptions()

	opts.AddBroker(m.params.MQTTUrl)
	opts.SetClientID(m.params.ClientID)
	opts.SetUsername(m.params.Username)
	opts.SetPassword(m.params.Password)
	opts.SetAutoReconnect(true)

	if m.params.WillTopic != "" {
		opts.SetWill(m.params.WillTopic, m.params.WillPayload, 1, true)
	}

	opts.SetDefaultPublishHandler(m.PublishHandler)
	opts.OnConnect = m.OnConnect
	opts.OnConnectionLost = m.OnConnectionLost

	return m.params.NewClientFunc(opts)
}

var _ application.MQTTClient = &MQTTClient{}
