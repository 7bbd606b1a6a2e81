// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text


// ./cmd/calibration/main.go
//
// Calibrates the orientation sensor of the robot:
//  1. Accel: averages still samples to find the offset and the gravity radius
//  2. Gyro: static bias from the same samples
//
// The result is validated and written to orientation.calibration_file; the
// balance loop loads it on start.
//
// Run:
//
//	go run ./cmd/calibration -config configs/balance_bot.yaml
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/relabs-tech/balance_bot/internal/app"
	"github.com/relabs-tech/balance_bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/balance_bot.yaml", "path to configuration file")
	yes := flag.Bool("y", false, "start without waiting for ENTER")
	flag.Parse()

	log := logging.New(logging.Options{Console: true})

	if !*yes {
		fmt.Println("Place the robot level and keep it still, then press ENTER.")
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
			log.Fatal().Err(err).Msg("read stdin")
		}
	}

	c, err := app.RunCalibration(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("calibration failed")
	}
	fmt.Printf("accel offset: %+.4f %+.4f %+.4f g, radius %.4f g\n",
		c.Accel.Offset.X, c.Accel.Offset.Y, c.Accel.Offset.Z, c.Accel.Radius)
	fmt.Printf("gyro offset:  %+.3f %+.3f %+.3f °/s\n",
		c.Gyro.Offset.X, c.Gyro.Offset.Y, c.Gyro.Offset.Z)
}
