package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/relabs-tech/balance_bot/internal/app"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/balance_bot.yaml", "path to configuration file")
	source := flag.String("source", app.SourcePad, fmt.Sprintf("remote control (%s)", strings.Join(app.Sources, ", ")))
	programPath := flag.String("program", "", "drive program (YAML) for -source program")
	flag.Parse()

	log := logging.New(logging.Options{Console: true})
	log.Info().Str("source", *source).Msg("starting balance_bot manual drive")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunManual(ctx, *configPath, *source, *programPath); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
