package application

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testCameras = []Camera{
	{ID: "cam1", Title: "Подъезд 2"},
	{ID: "cam2", Title: "Калитка"},
}

func newTestService(t *testing.T, rtkey *MockRTKeyClient, mqttClient *MockMQTTClient) *rtkeyToMQTTService {
	t.Helper()

	s, err := newRTKeyToMQTTService(RTKeyToMQTTServiceParams{
		RTKeyClient:          rtkey,
		MQTTClient:           mqttClient,
		AccountName:          "Flat1",
		MQTTTopic:            "rtkey",
		DiscoveryPrefix:      "homeassistant",
		ImageRefreshInterval: 20 * time.Millisecond,
		SwitchAutoOffDelay:   20 * time.Millisecond,
		Log:                  zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func TestNewRTKeyToMQTTService(t *testing.T) {
	_, err := NewRTKeyToMQTTService(RTKeyToMQTTServiceParams{MQTTClient: &MockMQTTClient{}})
	require.Error(t, err)

	_, err = NewRTKeyToMQTTService(RTKeyToMQTTServiceParams{RTKeyClient: &MockRTKeyClient{}})
	require.Error(t, err)

	_, err = NewRTKeyToMQTTService(RTKeyToMQTTServiceParams{
		RTKeyClient: &MockRTKeyClient{},
		MQTTClient:  &MockMQTTClient{},
	})
	require.Error(t, err)

	s, err := NewRTKeyToMQTTService(RTKeyToMQTTServiceParams{
		RTKeyClient:     &MockRTKeyClient{},
		MQTTClient:      &MockMQTTClient{},
		AccountName:     "Flat1",
		MQTTTopic:       "rtkey",
		DiscoveryPrefix: "homeassistant",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSwitchAutoOffDelay, s.(*rtkeyToMQTTService).params.SwitchAutoOffDelay)
}

func TestRTKeyToMQTTService_Announce(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	rtkey.On("Cameras", mock.Anything).Return(testCameras, nil).Once()
	rtkey.On("Intercoms", mock.Anything).Return([]Intercom{
		{ID: "42", CameraID: "cam1", Name: "Door"},
		{ID: "43", Name: "Шлагбаум"},
	}, nil).Once()
	mqttClient.On("Publish", mock.Anything, byte(1), true, mock.Anything).Return(nil)

	s.announce(context.Background())
	assert.True(t, s.announced)

	msgs := mqttClient.Published("homeassistant/camera/flat1/flat1_podezd_2/config")
	require.Len(t, msgs, 1)

	var config CameraDiscovery
	require.NoError(t, json.Unmarshal(msgs[0].Payload.([]byte), &config))
	assert.Equal(t, "rtkey/Flat1/camera/cam1/image", config.Topic)

	require.Len(t, mqttClient.Published("homeassistant/camera/flat1/flat1_kalitka/config"), 1)
	require.Len(t, mqttClient.Published("homeassistant/switch/flat1/flat1_podezd_2/config"), 1)
	require.Len(t, mqttClient.Published("homeassistant/switch/flat1/flat1_shlagbaum/config"), 1)

	state := mqttClient.Published("rtkey/Flat1/intercom/42/state")
	require.Len(t, state, 1)
	assert.Equal(t, PayloadOff, state[0].Payload)

	rtkey.AssertExpectations(t)
	mqttClient.AssertExpectations(t)
}

func TestRTKeyToMQTTService_Announce_CamerasError(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	rtkey.On("Cameras", mock.Anything).Return(nil, fmt.Errorf("%w: boom", ErrUpstream)).Once()

	s.announce(context.Background())
	assert.False(t, s.announced)

	rtkey.AssertExpectations(t)
	mqttClient.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRTKeyToMQTTService_PublishCameras(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	rtkey.On("Cameras", mock.Anything).Return(testCameras, nil).Twice()
	rtkey.On("CameraImage", mock.Anything, "cam1").Return([]byte("jpeg-1"), nil).Twice()
	rtkey.On("CameraImage", mock.Anything, "cam2").Return(nil, fmt.Errorf("%w: boom", ErrUpstream)).Twice()
	rtkey.On("CameraStreamURL", mock.Anything, "cam1").Return("https://stream/cam1", nil).Twice()
	mqttClient.On("Publish", "rtkey/Flat1/camera/cam1/image", byte(0), false, []byte("jpeg-1")).Return(nil).Twice()
	mqttClient.On("Publish", "rtkey/Flat1/camera/cam1/attributes", byte(1), true, mock.Anything).Return(nil).Once()

	s.publishCameras(context.Background())
	s.publishCameras(context.Background())

	attrs := mqttClient.Published("rtkey/Flat1/camera/cam1/attributes")
	require.Len(t, attrs, 1)
	assert.JSONEq(t, `{"stream_url":"https://stream/cam1"}`, string(attrs[0].Payload.([]byte)))
	assert.Empty(t, mqttClient.Published("rtkey/Flat1/camera/cam2/image"))

	rtkey.AssertExpectations(t)
	mqttClient.AssertExpectations(t)
}

func TestRTKeyToMQTTService_SwitchOn(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	rtkey.On("OpenIntercom", mock.Anything, "42").Return(nil).Once()
	mqttClient.On("Publish", "rtkey/Flat1/intercom/42/state", byte(1), true, PayloadOn).Return(nil).Once()
	mqttClient.On("Publish", "rtkey/Flat1/intercom/42/state", byte(1), true, PayloadOff).Return(nil).Once()

	s.handleSwitchCommand(context.Background(), &testMessage{topic: "rtkey/Flat1/intercom/42/set", payload: []byte("ON")})

	assert.Eventually(t, func() bool {
		return len(mqttClient.Published("rtkey/Flat1/intercom/42/state")) == 2
	}, time.Second, 5*time.Millisecond)

	state := mqttClient.Published("rtkey/Flat1/intercom/42/state")
	assert.Equal(t, PayloadOn, state[0].Payload)
	assert.Equal(t, PayloadOff, state[1].Payload)

	rtkey.AssertExpectations(t)
	mqttClient.AssertExpectations(t)
}

func TestRTKeyToMQTTService_SwitchOn_OpenFails(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	rtkey.On("OpenIntercom", mock.Anything, "42").Return(fmt.Errorf("%w: boom", ErrUpstream)).Once()
	mqttClient.On("Publish", "rtkey/Flat1/intercom/42/state", byte(1), true, PayloadOff).Return(nil).Once()

	s.handleSwitchCommand(context.Background(), &testMessage{topic: "rtkey/Flat1/intercom/42/set", payload: []byte("ON")})

	rtkey.AssertExpectations(t)
	mqttClient.AssertExpectations(t)
}

func TestRTKeyToMQTTService_SwitchOff_CancelsAutoOff(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)
	s.params.SwitchAutoOffDelay = time.Hour

	rtkey.On("OpenIntercom", mock.Anything, "42").Return(nil).Once()
	mqttClient.On("Publish", "rtkey/Flat1/intercom/42/state", byte(1), true, mock.Anything).Return(nil).Twice()

	s.handleSwitchCommand(context.Background(), &testMessage{topic: "rtkey/Flat1/intercom/42/set", payload: []byte("ON")})
	s.handleSwitchCommand(context.Background(), &testMessage{topic: "rtkey/Flat1/intercom/42/set", payload: []byte("OFF")})

	assert.Empty(t, s.autoOff)

	rtkey.AssertExpectations(t)
	mqttClient.AssertExpectations(t)
}

func TestRTKeyToMQTTService_DispatchSwitchCommand_AfterStop(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	rtkey.On("OpenIntercom", mock.Anything, "42").Return(nil).Once()
	mqttClient.On("Publish", "rtkey/Flat1/intercom/42/state", byte(1), true, PayloadOn).Return(nil).Once()
	mqttClient.On("Publish", "rtkey/Flat1/intercom/42/state", byte(1), true, PayloadOff).Return(nil).Once()

	s.dispatchSwitchCommand(context.Background(), &testMessage{topic: "rtkey/Flat1/intercom/42/set", payload: []byte("ON")})
	s.stopHandlers()
	s.stopAutoOff()

	s.dispatchSwitchCommand(context.Background(), &testMessage{topic: "rtkey/Flat1/intercom/7/set", payload: []byte("ON")})
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, mqttClient.Published("rtkey/Flat1/intercom/7/state"))
	rtkey.AssertNotCalled(t, "OpenIntercom", mock.Anything, "7")
	rtkey.AssertExpectations(t)
}

func TestRTKeyToMQTTService_IntercomIDFromTopic(t *testing.T) {
	s := newTestService(t, &MockRTKeyClient{}, &MockMQTTClient{})

	id, ok := s.intercomIDFromTopic("rtkey/Flat1/intercom/42/set")
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	for _, topic := range []string{
		"rtkey/Flat1/intercom//set",
		"rtkey/Flat1/intercom/42/state",
		"rtkey/Flat2/intercom/42/set",
		"rtkey/Flat1/intercom/4/2/set",
	} {
		_, ok := s.intercomIDFromTopic(topic)
		assert.False(t, ok, topic)
	}
}

func TestRTKeyToMQTTService_Run(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	mqttClient.On("Connect").Return(nil).Once()
	mqttClient.On("Disconnect").Return().Once()
	mqttClient.On("Subscribe", "rtkey/Flat1/intercom/+/set", byte(1), mock.Anything).Return(nil).Once()
	mqttClient.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	rtkey.On("Cameras", mock.Anything).Return(testCameras[:1], nil)
	rtkey.On("Intercoms", mock.Anything).Return([]Intercom{}, nil).Once()
	rtkey.On("CameraImage", mock.Anything, "cam1").Return([]byte("jpeg"), nil)
	rtkey.On("CameraStreamURL", mock.Anything, "cam1").Return("https://stream/cam1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return len(mqttClient.Published("rtkey/Flat1/camera/cam1/image")) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	availability := mqttClient.Published("rtkey/Flat1/availability")
	require.Len(t, availability, 2)
	assert.Equal(t, PayloadOnline, availability[0].Payload)
	assert.Equal(t, PayloadOffline, availability[1].Payload)

	rtkey.AssertExpectations(t)
	mqttClient.AssertExpectations(t)
}

func TestRTKeyToMQTTService_Run_ConnectError(t *testing.T) {
	rtkey := &MockRTKeyClient{}
	mqttClient := &MockMQTTClient{}
	s := newTestService(t, rtkey, mqttClient)

	mqttClient.On("Connect").Return(fmt.Errorf("refused")).Once()

	err := s.Run(context.Background())
	require.Error(t, err)

	mqttClient.AssertExpectations(t)
}
