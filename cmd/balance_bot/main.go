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

	"github.com/relabs-tech/balance_bot/internal/app"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/balance_bot.yaml", "path to configuration file")
	programPath := flag.String("program", "", "optional setpoint program (YAML)")
	flag.Parse()

	log := logging.New(logging.Options{Console: true})
	log.Info().Str("config", *configPath).Msg("starting balance_bot balance loop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunBalance(ctx, *configPath, *programPath); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
