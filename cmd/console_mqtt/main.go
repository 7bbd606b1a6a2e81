package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/balance_bot/internal/app"
	"github.com/relabs-tech/balance_bot/internal/config"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

func main() {
	defaults := config.Default().Telemetry
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	prefix := flag.String("prefix", defaults.MQTTTopicPrefix, "telemetry topic prefix")
	flag.Parse()

	log := logging.New(logging.Options{Console: true})
	log.Info().Msg("starting balance_bot console (MQTT subscriber)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsoleMQTT(ctx, *broker, *prefix); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
