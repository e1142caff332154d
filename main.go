package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtkey-to-mqtt/adapters"
	"rtkey-to-mqtt/application"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"golang.org/x/sync/errgroup"
)

var Flags = []cli.Flag{
	FlagConfig,
	FlagLogLevel,
	FlagLogWriter,
	FlagRTKeyAccountName,
	FlagRTKeyToken,
	FlagCameraImageRefreshInterval,
	FlagHTTPTimeout,
	FlagMQTTUrl,
	FlagMQTTClientID,
	FlagMQTTUsername,
	FlagMQTTPassword,
	FlagMQTTDiscoveryPrefix,
	FlagMQTTTopic,
	FlagHTTPAddr,
	FlagSwitchAutoOffDelay,
}

func main() {
	var logger zerolog.Logger

	loadConfig := altsrc.InitInputSourceWithContext(Flags, altsrc.NewYamlSourceFromFlagFunc(FlagConfig.Name))

	app := cli.App{
		Name:    "rtkey-to-mqtt",
		Usage:   "publishes RT Key cameras and intercoms to Home Assistant over MQTT",
		Version: "v0.1.0",
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			if ctx.String(FlagConfig.Name) != "" {
				if err := loadConfig(ctx); err != nil {
					return err
				}
			}

			var logWriter io.Writer
			switch ctx.String(FlagLogWriter.Name) {
			case "console":
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			case "json":
				logWriter = os.Stderr
			default:
				return fmt.Errorf("invalid log writer: %s", ctx.String(FlagLogWriter.Name))
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "rtkey-to-mqtt").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Action: func(ctx *cli.Context) error {
			if ctx.String(FlagRTKeyToken.Name) == "" {
				return fmt.Errorf("%s is required", FlagRTKeyToken.Name)
			}
			if ctx.String(FlagMQTTUrl.Name) == "" {
				return fmt.Errorf("%s is required", FlagMQTTUrl.Name)
			}

			logger.Info().Msg("service starting...")

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

				<-c

				logger.Warn().Msg("interrupt signal received")
				cancel()
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := adapters.NewMetrics(reg)

			accountName := ctx.String(FlagRTKeyAccountName.Name)
			imageRefreshInterval := time.Duration(ctx.Int(FlagCameraImageRefreshInterval.Name)) * time.Second

			rtkeyClient, err := adapters.NewRTKeyClient(adapters.RTKeyClientParams{
				Token:                ctx.String(FlagRTKeyToken.Name),
				ImageRefreshInterval: imageRefreshInterval,
				HTTPTimeout:          ctx.Duration(FlagHTTPTimeout.Name),
				Metrics:              metrics,
				Log: logger.With().
					Str("module", "rtkey-client").
					Str("account", accountName).
					Logger(),
			})
			if err != nil {
				return err
			}
			defer rtkeyClient.Close()

			clientID := ctx.String(FlagMQTTClientID.Name)
			if clientID == "" {
				clientID = "rtkey-to-mqtt-" + uuid.NewString()[:8]
			}

			topics := application.Topics{
				Base:      ctx.String(FlagMQTTTopic.Name),
				Account:   accountName,
				Discovery: ctx.String(FlagMQTTDiscoveryPrefix.Name),
			}

			mqttClient := adapters.NewMQTTClient(adapters.MQTTClientParams{
				ClientID:     clientID,
				Username:     ctx.String(FlagMQTTUsername.Name),
				Password:     ctx.String(FlagMQTTPassword.Name),
				MQTTUrl:      ctx.String(FlagMQTTUrl.Name),
				WillTopic:    topics.Availability(),
				WillPayload:  application.PayloadOffline,
				BirthPayload: application.PayloadOnline,
				Log:          logger.With().Str("module", "mqtt-client").Logger(),
			})

			rtkeyToMQTTService, err := application.NewRTKeyToMQTTService(application.RTKeyToMQTTServiceParams{
				RTKeyClient:          rtkeyClient,
				MQTTClient:           mqttClient,
				AccountName:          accountName,
				MQTTTopic:            topics.Base,
				DiscoveryPrefix:      topics.Discovery,
				ImageRefreshInterval: imageRefreshInterval,
				SwitchAutoOffDelay:   ctx.Duration(FlagSwitchAutoOffDelay.Name),
				Log:                  logger.With().Str("module", "rtkey-to-mqtt").Logger(),
			})
			if err != nil {
				return err
			}

			g, gCtx := errgroup.WithContext(appCtx)

			if addr := ctx.String(FlagHTTPAddr.Name); addr != "" {
				httpAPI, err := adapters.NewHTTPAPI(adapters.HTTPAPIParams{
					Addr:        addr,
					AccountName: accountName,
					RTKeyClient: rtkeyClient,
					Metrics:     metrics,
					Gatherer:    reg,
					Log:         logger.With().Str("module", "http-api").Logger(),
				})
				if err != nil {
					return err
				}

				g.Go(func() error {
					return httpAPI.Run(gCtx)
				})
			}

			g.Go(func() error {
				return rtkeyToMQTTService.Run(gCtx)
			})

			logger.Info().Str("mqtt_client_id", clientID).Msg("service started")
			if err := g.Wait(); err != nil {
				return err
			}

			logger.Info().Msg("service terminating...")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}
