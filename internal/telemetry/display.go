package telemetry

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/orientation"
)

// Screen is the part of ssd1306.Dev the display sink draws on.
type Screen interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Status is what the display shows.
type Status struct {
	Mode       string
	Pose       orientation.Pose
	HavePose   bool
	Left       float64
	Right      float64
	HaveOutput bool
	Speed      map[string]float64
	Power      string
	Alert      string
}

// DisplaySink keeps the latest status from the bus and redraws the OLED
// on its own ticker. Handlers only update the snapshot.
type DisplaySink struct {
	screen  Screen
	refresh time.Duration
	closer  func() error
	bus     *event.Bus

	mu     sync.RWMutex
	status Status

	stop chan struct{}
	done chan struct{}
}

// OpenDisplay opens the ssd1306 on the named I2C bus ("" picks the first).
func OpenDisplay(busName string, refresh time.Duration) (*DisplaySink, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("telemetry: failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to open I2C bus: %w", err)
	}
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("telemetry: failed to initialize display: %w", err)
	}
	d := NewDisplaySink(dev, refresh)
	d.closer = closeDisplay(dev, bus)
	return d, nil
}

func closeDisplay(dev *ssd1306.Dev, bus i2c.BusCloser) func() error {
	return func() error {
		var errs []error
		if err := dev.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: display halt: %w", err))
		}
		return errors.Join(append(errs, bus.Close())...)
	}
}

func NewDisplaySink(screen Screen, refresh time.Duration) *DisplaySink {
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}
	return &DisplaySink{
		screen:  screen,
		refresh: refresh,
		status:  Status{Speed: map[string]float64{}},
	}
}

// Subscribe attaches the sink to the types it can show.
func (d *DisplaySink) Subscribe(bus *event.Bus) {
	d.bus = bus
	bus.SubscribeAll(d.Handle,
		event.OrientationSensor, event.Balance, event.Manual, event.EncoderSensor, event.Power, event.Config)
}

func (d *DisplaySink) Handle(e event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &d.status

	if e.Level == event.Warning || e.Level == event.Error {
		s.Alert = e.Message
	}
	switch e.Type {
	case event.OrientationSensor:
		if p, ok := e.Value.(orientation.Pose); ok {
			s.Pose, s.HavePose = p, true
		}
	case event.Balance, event.Manual:
		if out, ok := e.Value.([2]float64); ok {
			s.Left, s.Right, s.HaveOutput = out[0], out[1], true
			if e.Type == event.Balance {
				s.Mode = "balance"
			} else {
				s.Mode = "manual"
			}
		}
	case event.EncoderSensor:
		// "<name> speed: <v>"
		if v, ok := e.Value.(float64); ok {
			if name, found := strings.CutSuffix(strings.SplitN(e.Message, ":", 2)[0], " speed"); found {
				s.Speed[name] = v
			}
		}
	case event.Power:
		s.Power = e.Message
	}
}

// Status returns a copy of the current snapshot.
func (d *DisplaySink) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := d.status
	st.Speed = make(map[string]float64, len(d.status.Speed))
	for k, v := range d.status.Speed {
		st.Speed[k] = v
	}
	return st
}

// Render draws a snapshot into a 1-bit image of the screen size.
func (d *DisplaySink) Render(st Status) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(d.screen.Bounds())
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	line := func(row int, text string) {
		drawer.Dot = fixed.P(0, 13*(row+1))
		drawer.DrawBytes([]byte(text))
	}

	mode := st.Mode
	if mode == "" {
		mode = "idle"
	}
	line(0, "balance_bot "+mode)
	if st.HavePose {
		line(1, fmt.Sprintf("P:%6.1f Y:%6.1f", st.Pose.Pitch, st.Pose.Yaw))
	} else {
		line(1, "Pose: waiting...")
	}
	if st.HaveOutput {
		line(2, fmt.Sprintf("L:%5.2f R:%5.2f", st.Left, st.Right))
	}
	if l, ok := st.Speed["left"]; ok {
		line(3, fmt.Sprintf("v:%5.2f %5.2f", l, st.Speed["right"]))
	}
	if st.Alert != "" {
		line(4, st.Alert)
	}
	return img
}

// Draw renders the current status to the screen once.
func (d *DisplaySink) Draw() error {
	return d.screen.Draw(d.screen.Bounds(), d.Render(d.Status()), image.Point{})
}

// Start redraws every refresh interval until Close. A failing draw is
// reported once on the bus, and again when drawing recovers.
func (d *DisplaySink) Start() {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.refresh)
		defer ticker.Stop()
		failing := false
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				err := d.Draw()
				switch {
				case err != nil && !failing:
					d.bus.Post(event.Log, fmt.Sprintf("display: draw failed: %v", err), event.Warning)
				case err == nil && failing:
					d.bus.Post(event.Log, "display: drawing again", event.Info)
				}
				failing = err != nil
			}
		}
	}()
}

func (d *DisplaySink) Close() error {
	if d.stop != nil {
		close(d.stop)
		<-d.done
		d.stop = nil
	}
	if d.closer != nil {
		return d.closer()
	}
	return nil
}
