package main

import (
	"time"

	"rtkey-to-mqtt/adapters"
	"rtkey-to-mqtt/application"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

var FlagConfig = &cli.StringFlag{
	Name:     "config",
	Usage:    "yaml file with flag values, keys are flag names",
	EnvVars:  []string{"CONFIG"},
	Required: false,
}

var FlagLogLevel = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
})

var FlagLogWriter = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
})

var FlagRTKeyAccountName = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "rtkey-account-name",
	Usage:    "account name, prefixes device names and topics",
	EnvVars:  []string{"RTKEY_ACCOUNT_NAME"},
	Value:    "Flat1",
	Required: false,
})

var FlagRTKeyToken = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "rtkey-token",
	Usage:   "rt key account bearer token",
	EnvVars: []string{"RTKEY_TOKEN"},
})

var FlagCameraImageRefreshInterval = altsrc.NewIntFlag(&cli.IntFlag{
	Name:     "camera-image-refresh-interval",
	Usage:    "seconds a camera image is cached and republished",
	EnvVars:  []string{"CAMERA_IMAGE_REFRESH_INTERVAL"},
	Value:    int(adapters.RTKeyDefaultImageRefreshInterval / time.Second),
	Required: false,
})

var FlagHTTPTimeout = altsrc.NewDurationFlag(&cli.DurationFlag{
	Name:     "http-timeout",
	Usage:    "rt key cloud request timeout",
	EnvVars:  []string{"HTTP_TIMEOUT"},
	Value:    adapters.RTKeyDefaultHTTPTimeout,
	Required: false,
})

var FlagMQTTUrl = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "mqtt-url",
	Usage:   "tcp://broker:port",
	EnvVars: []string{"MQTT_URL"},
})

var FlagMQTTClientID = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "mqtt-client-id",
	Usage:    "defaults to rtkey-to-mqtt-<random>",
	EnvVars:  []string{"MQTT_CLIENT_ID"},
	Required: false,
})

var FlagMQTTUsername = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "mqtt-username",
	EnvVars:  []string{"MQTT_USERNAME"},
	Required: false,
})

var FlagMQTTPassword = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "mqtt-password",
	EnvVars:  []string{"MQTT_PASSWORD"},
	Required: false,
})

var FlagMQTTDiscoveryPrefix = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "mqtt-discovery-prefix",
	EnvVars:  []string{"MQTT_DISCOVERY_PREFIX"},
	Value:    "homeassistant",
	Required: false,
})

var FlagMQTTTopic = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "mqtt-topic",
	EnvVars:  []string{"MQTT_TOPIC"},
	Value:    "rtkey",
	Required: false,
})

var FlagHTTPAddr = altsrc.NewStringFlag(&cli.StringFlag{
	Name:     "http-addr",
	Usage:    "local api listen address, empty disables it",
	EnvVars:  []string{"HTTP_ADDR"},
	Value:    ":8080",
	Required: false,
})

var FlagSwitchAutoOffDelay = altsrc.NewDurationFlag(&cli.DurationFlag{
	Name:     "switch-auto-off-delay",
	EnvVars:  []string{"SWITCH_AUTO_OFF_DELAY"},
	Value:    application.DefaultSwitchAutoOffDelay,
	Required: false,
})
