// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/relabs-tech/balance_bot/internal/kinematics"
)

var historyHeader = []string{
	"absolute_time", "elapsed", "step_duration", "step_duration_mode",
	"step_duration_mode_average", "position", "speed", "accel", "jerk",
}

// CSVHistoryWriter dumps encoder histories to
// <dir>/<2006-01-02_15_04_05>_<name>_<run>.csv.
type CSVHistoryWriter struct {
	dir   string
	runID string
	now   func() time.Time

	mu    sync.Mutex
	paths []string
}

func NewCSVHistoryWriter(dir, runID string) *CSVHistoryWriter {
	return &CSVHistoryWriter{dir: dir, runID: runID, now: time.Now}
}

// WriteHistory writes one file per call.
func (w *CSVHistoryWriter) WriteHistory(name string, records []kinematics.Record) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("telemetry: create history dir: %w", err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s_%s_%s.csv", w.now().Format("2006-01-02_15_04_05"), name, ShortID(w.runID)))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("telemetry: create history file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(historyHeader); err != nil {
		return err
	}
	row := make([]string, len(historyHeader))
	for _, r := range records {
		for i, v := range []float64{
			r.AbsoluteTime(), r.Elapsed, r.StepDuration, r.StepDurationMode,
			r.StepDurationModeAverage, r.Position, r.Speed, r.Accel, r.Jerk,
		} {
			row[i] = strconv.FormatFloat(v, 'f', 7, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("telemetry: write %s: %w", path, err)
	}

	w.mu.Lock()
	w.paths = append(w.paths, path)
	w.mu.Unlock()
	return f.Close()
}

// Paths lists the files written so far.
func (w *CSVHistoryWriter) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}
