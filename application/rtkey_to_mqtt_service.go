package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultImageRefreshInterval  = 2 * time.Second
	DefaultSwitchAutoOffDelay    = 5 * time.Second
	DefaultPublishReportInterval = 30 * time.Second
	DefaultMaxConcurrentCameras  = 4
)

type RTKeyToMQTTService interface {
	Run(ctx context.Context) error
}

type RTKeyToMQTTServiceParams struct {
	RTKeyClient RTKeyClient
	MQTTClient  MQTTClient

	AccountName     string
	MQTTTopic       string
	DiscoveryPrefix string

	ImageRefreshInterval  time.Duration
	SwitchAutoOffDelay    time.Duration
	PublishReportInterval time.Duration
	MaxConcurrentCameras  int

	Log zerolog.Logger
}

func (p *RTKeyToMQTTServiceParams) EnsureDefaults() {
	if p.ImageRefreshInterval == 0 {
		p.ImageRefreshInterval = DefaultImageRefreshInterval
	}

	if p.SwitchAutoOffDelay == 0 {
		p.SwitchAutoOffDelay = DefaultSwitchAutoOffDelay
	}

	if p.PublishReportInterval == 0 {
		p.PublishReportInterval = DefaultPublishReportInterval
	}

	if p.MaxConcurrentCameras == 0 {
		p.MaxConcurrentCameras = DefaultMaxConcurrentCameras
	}
}

type rtkeyToMQTTService struct {
	params RTKeyToMQTTServiceParams
	topics Topics

	announced bool

	mu         sync.Mutex
	streamURLs map[string]string
	autoOff    map[string]*time.Timer

	handlersMu      sync.Mutex
	handlers        *conc.WaitGroup
	handlersStopped bool

	log zerolog.Logger
}

func NewRTKeyToMQTTService(params RTKeyToMQTTServiceParams) (RTKeyToMQTTService, error) {
	return newRTKeyToMQTTService(params)
}

func newRTKeyToMQTTService(params RTKeyToMQTTServiceParams) (*rtkeyToMQTTService, error) {
	if params.RTKeyClient == nil {
		return nil, fmt.Errorf("RTKeyClient is nil")
	}
	if params.MQTTClient == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	if params.AccountName == "" {
		return nil, fmt.Errorf("AccountName is empty")
	}
	if params.MQTTTopic == "" || params.DiscoveryPrefix == "" {
		return nil, fmt.Errorf("MQTTTopic and DiscoveryPrefix are required")
	}

	params.EnsureDefaults()

	return &rtkeyToMQTTService{
		params: params,
		topics: Topics{
			Base:      params.MQTTTopic,
			Account:   params.AccountName,
			Discovery: params.DiscoveryPrefix,
		},
		streamURLs: make(map[string]string),
		autoOff:    make(map[string]*time.Timer),
		handlers:   conc.NewWaitGroup(),
		log:        params.Log,
	}, nil
}

func (s *rtkeyToMQTTService) Run(ctx context.Context) error {
	mqttClient := s.params.MQTTClient

	if err := mqttClient.Connect(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer mqttClient.Disconnect()

	if err := mqttClient.Publish(s.topics.Availability(), 1, true, PayloadOnline); err != nil {
		return fmt.Errorf("publish availability: %w", err)
	}

	if err := mqttClient.Subscribe(s.topics.IntercomSet("+"), 1, func(msg MQTTMessage) {
		s.dispatchSwitchCommand(ctx, msg)
	}); err != nil {
		return fmt.Errorf("subscribe intercom commands: %w", err)
	}

	s.announce(ctx)

	g := errgroup.Group{}

	// camera images
	g.Go(func() error {
		s.log.Info().Msgf("start publishing on topic: %s/%s", s.params.MQTTTopic, s.params.AccountName)
		defer s.log.Info().Msg("stop publishing")

		ticker := time.NewTicker(s.params.ImageRefreshInterval)
		defer ticker.Stop()

		s.publishCameras(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if !s.announced {
					s.announce(ctx)
				}
				s.publishCameras(ctx)
			}
		}
	})

	// mqtt publish reported
	g.Go(func() error {
		ticker := time.NewTicker(s.params.PublishReportInterval)
		defer ticker.Stop()

		lastStatus := MQTTStatus{}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				newStatus := mqttClient.Status()
				if lastStatus.Connected {
					msgCountDiff := newStatus.MessageCount - lastStatus.MessageCount
					msgPerMin := uint64(float64(msgCountDiff) / s.params.PublishReportInterval.Minutes())

					s.log.Info().
						Uint64("msg_per_min", msgPerMin).
						Bool("is_connected", newStatus.Connected).
						Time("last_time_published", newStatus.LastTimePublished).
						Msg("publish report")
				}
				lastStatus = newStatus
			}
		}
	})

	err := g.Wait()

	s.stopHandlers()
	s.stopAutoOff()

	if pubErr := mqttClient.Publish(s.topics.Availability(), 1, true, PayloadOffline); pubErr != nil {
		s.log.Warn().Err(pubErr).Msg("failed to publish availability")
	}
	return err
}

// dispatchSwitchCommand handles msg in the background until stopHandlers is called.
func (s *rtkeyToMQTTService) dispatchSwitchCommand(ctx context.Context, msg MQTTMessage) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if s.handlersStopped {
		s.log.Debug().Str("topic", msg.Topic()).Msg("service stopped, dropping command")
		return
	}
	s.handlers.Go(func() {
		s.handleSwitchCommand(ctx, msg)
	})
}

// stopHandlers rejects new commands and waits for the running ones.
func (s *rtkeyToMQTTService) stopHandlers() {
	s.handlersMu.Lock()
	s.handlersStopped = true
	s.handlersMu.Unlock()

	s.handlers.Wait()
}

// announce publishes the discovery configs of all cameras and door switches.
func (s *rtkeyToMQTTService) announce(ctx context.Context) {
	cameras, err := s.params.RTKeyClient.Cameras(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load cameras")
		return
	}

	camerasByID := make(map[string]*Camera, len(cameras))
	for i := range cameras {
		camera := &cameras[i]
		camerasByID[camera.ID] = camera

		topic, config := NewCameraDiscovery(s.topics, *camera)
		if err := s.publishJSON(topic, true, config); err != nil {
			s.log.Error().Err(err).Str("camera_id", camera.ID).Msg("failed to publish camera discovery")
			return
		}
	}

	intercoms, err := s.params.RTKeyClient.Intercoms(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load intercoms")
		return
	}

	for _, intercom := range intercoms {
		topic, config := NewSwitchDiscovery(s.topics, intercom, camerasByID[intercom.CameraID])
		if err := s.publishJSON(topic, true, config); err != nil {
			s.log.Error().Err(err).Str("intercom_id", intercom.ID).Msg("failed to publish switch discovery")
			return
		}
		if err := s.params.MQTTClient.Publish(s.topics.IntercomState(intercom.ID), 1, true, PayloadOff); err != nil {
			s.log.Warn().Err(err).Str("intercom_id", intercom.ID).Msg("failed to publish switch state")
		}
	}

	s.announced = true
	s.log.Info().
		Int("cameras", len(cameras)).
		Int("intercoms", len(intercoms)).
		Msg("discovery published")
}

func (s *rtkeyToMQTTService) publishCameras(ctx context.Context) {
	cameras, err := s.params.RTKeyClient.Cameras(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load cameras")
		return
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.params.MaxConcurrentCameras)
	for _, camera := range cameras {
		p.Go(func(ctx context.Context) error {
			return s.publishCamera(ctx, camera.ID)
		})
	}

	if err := p.Wait(); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("failed to publish some cameras")
	}
}

func (s *rtkeyToMQTTService) publishCamera(ctx context.Context, cameraID string) error {
	img, err := s.params.RTKeyClient.CameraImage(ctx, cameraID)
	if err != nil {
		return fmt.Errorf("camera %s image: %w", cameraID, err)
	}

	if err := s.params.MQTTClient.Publish(s.topics.CameraImage(cameraID), 0, false, img); err != nil {
		return fmt.Errorf("camera %s image publish: %w", cameraID, err)
	}

	streamURL, err := s.params.RTKeyClient.CameraStreamURL(ctx, cameraID)
	if err != nil {
		return fmt.Errorf("camera %s stream url: %w", cameraID, err)
	}

	s.mu.Lock()
	changed := s.streamURLs[cameraID] != streamURL
	s.mu.Unlock()
	if !changed {
		return nil
	}

	if err := s.publishJSON(s.topics.CameraAttributes(cameraID), true, CameraAttributes{StreamURL: streamURL}); err != nil {
		return fmt.Errorf("camera %s attributes publish: %w", cameraID, err)
	}

	s.mu.Lock()
	s.streamURLs[cameraID] = streamURL
	s.mu.Unlock()
	return nil
}

func (s *rtkeyToMQTTService) handleSwitchCommand(ctx context.Context, msg MQTTMessage) {
	intercomID, ok := s.intercomIDFromTopic(msg.Topic())
	if !ok {
		s.log.Warn().Str("topic", msg.Topic()).Msg("unexpected command topic")
		return
	}

	log := s.log.With().Str("intercom_id", intercomID).Logger()
	stateTopic := s.topics.IntercomState(intercomID)

	switch payload := strings.TrimSpace(string(msg.Payload())); payload {
	case PayloadOn:
		if err := s.params.RTKeyClient.OpenIntercom(ctx, intercomID); err != nil {
			log.Error().Err(err).Msg("failed to open intercom")
			s.publishState(stateTopic, PayloadOff)
			return
		}

		log.Info().Msg("intercom opened")
		s.publishState(stateTopic, PayloadOn)
		s.scheduleAutoOff(intercomID, stateTopic)
	case PayloadOff:
		s.cancelAutoOff(intercomID)
		s.publishState(stateTopic, PayloadOff)
	default:
		log.Warn().Str("payload", payload).Msg("unexpected command payload")
	}
}

func (s *rtkeyToMQTTService) intercomIDFromTopic(topic string) (string, bool) {
	prefix := strings.TrimSuffix(s.topics.IntercomSet(""), "/set")
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return "", false
	}

	id, ok = strings.CutSuffix(id, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (s *rtkeyToMQTTService) scheduleAutoOff(intercomID, stateTopic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.autoOff[intercomID]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.params.SwitchAutoOffDelay, func() {
		s.mu.Lock()
		if s.autoOff[intercomID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.autoOff, intercomID)
		s.mu.Unlock()

		s.publishState(stateTopic, PayloadOff)
	})
	s.autoOff[intercomID] = timer
}

func (s *rtkeyToMQTTService) cancelAutoOff(intercomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.autoOff[intercomID]; ok {
		timer.Stop()
		delete(s.autoOff, intercomID)
	}
}

func (s *rtkeyToMQTTService) stopAutoOff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.autoOff {
		timer.Stop()
		delete(s.autoOff, id)
	}
}

func (s *rtkeyToMQTTService) publishState(topic, state string) {
	if err := s.params.MQTTClient.Publish(topic, 1, true, state); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("failed to publish switch state")
	}
}

func (s *rtkeyToMQTTService) publishJSON(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.params.MQTTClient.Publish(topic, 1, retained, payload)
}
