package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/balance_bot/internal/app"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/balance_bot.yaml", "path to configuration file")
	duration := flag.Duration("duration", 5*time.Second, "how long to spin the wheels")
	flag.Parse()

	log := logging.New(logging.Options{Console: true})
	log.Info().Dur("duration", *duration).Msg("starting encoder test, wheels will spin")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.RunEncoderTest(ctx, *configPath, *duration)
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}
