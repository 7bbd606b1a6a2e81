// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text


package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/balance_bot/internal/app"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/balance_bot.yaml", "path to configuration file")
	interval := flag.Duration("interval", 200*time.Millisecond, "time between readings")
	flag.Parse()

	log := logging.New(logging.Options{Console: true})
	log.Info().Msg("starting orientation sensor check (motors off)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunSensorCheck(ctx, *configPath, *interval); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
