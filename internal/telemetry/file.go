package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// fileBuffer is the number of lines queued per event type before the
// oldest unwritten ones are dropped.
const fileBuffer = 1000

// FileSink appends each event type to its own JSON lines file,
// <dir>/<slug>.log. Lines are queued and written by one goroutine per
// file, so posting never waits on the disk.
type FileSink struct {
	dir   string
	runID string
	log   zerolog.Logger
	open  func(path string) (io.WriteCloser, error)

	mu      sync.Mutex
	files   map[event.Type]diode.Writer
	loggers map[event.Type]zerolog.Logger
	closed  bool
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// NewFileSink writes under dir; failures to open a file are reported to log.
func NewFileSink(dir, runID string, log zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create log dir: %w", err)
	}
	return &FileSink{
		dir:     dir,
		runID:   runID,
		log:     log,
		open:    openAppend,
		files:   make(map[event.Type]diode.Writer),
		loggers: make(map[event.Type]zerolog.Logger),
	}, nil
}

// Subscribe attaches the sink to the given types, or to all of them.
func (s *FileSink) Subscribe(bus *event.Bus, types ...event.Type) {
	bus.SubscribeAll(s.Handle, types...)
}

// Path returns the file events of type t are written to.
func (s *FileSink) Path(t event.Type) string {
	return filepath.Join(s.dir, Slug(t)+".log")
}

func (s *FileSink) Handle(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	l, ok := s.loggers[e.Type]
	if !ok {
		f, err := s.open(s.Path(e.Type))
		if err != nil {
			s.log.Error().Err(err).Str("event", string(e.Type)).Msg("telemetry: cannot open event log")
			return
		}
		name := string(e.Type)
		w := diode.NewWriter(f, fileBuffer, 0, func(missed int) {
			s.log.Warn().Int("missed", missed).Str("event", name).Msg("telemetry: event log behind, lines dropped")
		})
		l = zerolog.New(w).With().Str("run_id", s.runID).Str("event", string(e.Type)).Logger()
		s.files[e.Type] = w
		s.loggers[e.Type] = l
	}
	ev := l.WithLevel(zerologLevel(e.Level)).Time(zerolog.TimestampFieldName, e.Time)
	if e.Value != nil {
		ev = ev.Interface("value", e.Value)
	}
	ev.Msg(e.Message)
}

// Close writes out the queued lines and closes every file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for t, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, t)
		delete(s.loggers, t)
	}
	return errors.Join(errs...)
}
