package application

import "fmt"

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadOn      = "ON"
	PayloadOff     = "OFF"

	DiscoveryManufacturer = "Rostelecom"
	DiscoveryModelCamera  = "RT Key camera"
	DiscoveryModelDoor    = "RT Key intercom"
)

// Topics builds the MQTT topics of one account.
type Topics struct {
	Base      string
	Account   string
	Discovery string
}

func (t Topics) Availability() string {
	return fmt.Sprintf("%s/%s/availability", t.Base, t.Account)
}

func (t Topics) CameraImage(cameraID string) string {
	return fmt.Sprintf("%s/%s/camera/%s/image", t.Base, t.Account, cameraID)
}

func (t Topics) CameraAttributes(cameraID string) string {
	return fmt.Sprintf("%s/%s/camera/%s/attributes", t.Base, t.Account, cameraID)
}

func (t Topics) IntercomSet(intercomID string) string {
	return fmt.Sprintf("%s/%s/intercom/%s/set", t.Base, t.Account, intercomID)
}

func (t Topics) IntercomState(intercomID string) string {
	return fmt.Sprintf("%s/%s/intercom/%s/state", t.Base, t.Account, intercomID)
}

func (t Topics) CameraConfig(objectID string) string {
	return fmt.Sprintf("%s/camera/%s/%s/config", t.Discovery, EntityObjectID(t.Account), objectID)
}

func (t Topics) SwitchConfig(objectID string) string {
	return fmt.Sprintf("%s/switch/%s/%s/config", t.Discovery, EntityObjectID(t.Account), objectID)
}

type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type CameraDiscovery struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	ObjectID            string          `json:"object_id"`
	Topic               string          `json:"topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic"`
	AvailabilityTopic   string          `json:"availability_topic"`
	Device              DiscoveryDevice `json:"device"`
}

type SwitchDiscovery struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	ObjectID          string          `json:"object_id"`
	CommandTopic      string          `json:"command_topic"`
	StateTopic        string          `json:"state_topic"`
	PayloadOn         string          `json:"payload_on"`
	PayloadOff        string          `json:"payload_off"`
	AvailabilityTopic string          `json:"availability_topic"`
	Icon              string          `json:"icon,omitempty"`
	Device            DiscoveryDevice `json:"device"`
}

type CameraAttributes struct {
	StreamURL string `json:"stream_url"`
}

func NewCameraDiscovery(topics Topics, camera Camera) (string, CameraDiscovery) {
	name := BuildDeviceName(topics.Account, camera.Title)
	objectID := EntityObjectID(name)

	return topics.CameraConfig(objectID), CameraDiscovery{
		Name:                name,
		UniqueID:            "camera-" + objectID,
		ObjectID:            objectID,
		Topic:               topics.CameraImage(camera.ID),
		JSONAttributesTopic: topics.CameraAttributes(camera.ID),
		AvailabilityTopic:   topics.Availability(),
		Device: DiscoveryDevice{
			Identifiers:  []string{topics.Account + "_" + camera.ID},
			Name:         name,
			Manufacturer: DiscoveryManufacturer,
			Model:        DiscoveryModelCamera,
		},
	}
}

// NewSwitchDiscovery describes the door switch of an intercom. An intercom
// linked to a known camera takes its name and device from that camera.
func NewSwitchDiscovery(topics Topics, intercom Intercom, camera *Camera) (string, SwitchDiscovery) {
	deviceID := intercom.ID
	title := intercom.Name
	model := DiscoveryModelDoor
	if camera != nil {
		deviceID = camera.ID
		title = camera.Title
		model = DiscoveryModelCamera
	}

	name := BuildDeviceName(topics.Account, title)
	objectID := EntityObjectID(name)

	return topics.SwitchConfig(objectID), SwitchDiscovery{
		Name:              name,
		UniqueID:          "switch-" + objectID,
		ObjectID:          objectID,
		CommandTopic:      topics.IntercomSet(intercom.ID),
		StateTopic:        topics.IntercomState(intercom.ID),
		PayloadOn:         PayloadOn,
		PayloadOff:        PayloadOff,
		AvailabilityTopic: topics.Availability(),
		Icon:              "mdi:door",
		Device: DiscoveryDevice{
			Identifiers:  []string{topics.Account + "_" + deviceID},
			Name:         name,
			Manufacturer: DiscoveryManufacturer,
			Model:        model,
		},
	}
}
