package orientation

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

// Raw is a single raw accelerometer and gyroscope sample.
type Raw struct {
	Ax int16 `json:"ax"`
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`

	Gx int16 `json:"gx"`
	Gy int16 `json:"gy"`
	Gz int16 `json:"gz"`
}

// inertialSensor is the part of the MPU9250 driver the source reads.
type inertialSensor interface {
	GetAccelerationX() (int16, error)
	GetAccelerationY() (int16, error)
	GetAccelerationZ() (int16, error)
	GetRotationX() (int16, error)
	GetRotationY() (int16, error)
	GetRotationZ() (int16, error)
}

type thermometer interface {
	Sense(e *physic.Env) error
}

var (
	_ inertialSensor = (*mpu9250.MPU9250)(nil)
	_ thermometer    = (*bmxx80.Dev)(nil)
)

// IMUOptions configures the hardware source.
type IMUOptions struct {
	Name      string
	SPIDevice string // e.g. /dev/spidev0.0
	CSPin     string
	// BMPSPIDevice is the optional BMP280 used for temperature.
	BMPSPIDevice string
	AxisOrder    AxisOrder
	// AccelRange: 0=±2g, 1=±4g, 2=±8g, 3=±16g.
	AccelRange byte
	// GyroRange: 0=±250°/s, 1=±500°/s, 2=±1000°/s, 3=±2000°/s.
	GyroRange byte
	// Alpha is the gyro weight of the complementary filter.
	Alpha float64
	// CalibrationSamples is how many still samples Calibrate averages.
	CalibrationSamples int
	Calibration        Calibration
}

// IMUSource reads an MPU9250 over SPI and fuses accelerometer tilt with
// the gyro rates.
type IMUSource struct {
	name     string
	dev      inertialSensor
	temp     thermometer
	order    AxisOrder
	accelLSB float64 // counts per g
	gyroLSB  float64 // counts per °/s
	alpha    float64
	samples  int
	bus      *event.Bus
	clock    timeutil.Clock

	mu    sync.Mutex
	cal   Calibration
	fused Pose // sensor frame
	last  time.Time
}

// OpenIMU initializes the MPU9250 (and the BMP280 when configured).
// Failure here is a wiring problem and is returned to the caller.
func OpenIMU(opts IMUOptions, bus *event.Bus, clock timeutil.Clock) (*IMUSource, error) {
	name := opts.Name
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%s IMU: periph host init: %w", name, err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("%s IMU: CS pin %q not found", name, opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("%s IMU: SPI transport (%s): %w", name, opts.SPIDevice, err)
	}

	imu, err := mpu9250.New(tr)
	if err != nil {
		return nil, fmt.Errorf("%s IMU: device creation: %w", name, err)
	}
	if err := imu.Init(); err != nil {
		return nil, fmt.Errorf("%s IMU: initialization: %w", name, err)
	}
	if err := imu.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("%s IMU: set accel range: %w", name, err)
	}
	if err := imu.SetGyroRange(opts.GyroRange); err != nil {
		return nil, fmt.Errorf("%s IMU: set gyro range: %w", name, err)
	}

	if _, err := imu.SelfTest(); err != nil {
		bus.Post(event.OrientationSensor, fmt.Sprintf("%s IMU self-test failed: %v", name, err), event.Warning)
	}
	if err := imu.Calibrate(); err != nil {
		bus.Post(event.OrientationSensor, fmt.Sprintf("%s IMU bias calibration failed: %v", name, err), event.Warning)
	}

	var temp thermometer
	if opts.BMPSPIDevice != "" {
		port, err := spireg.Open(opts.BMPSPIDevice)
		if err != nil {
			return nil, fmt.Errorf("%s BMP: SPI open: %w", name, err)
		}
		dev, err := bmxx80.NewSPI(port, &bmxx80.DefaultOpts)
		if err != nil {
			return nil, fmt.Errorf("%s BMP: init: %w", name, err)
		}
		temp = dev
	}

	return NewIMUSource(imu, temp, opts, bus, clock), nil
}

// NewIMUSource wraps an initialized sensor. temp may be nil.
func NewIMUSource(dev inertialSensor, temp thermometer, opts IMUOptions, bus *event.Bus, clock timeutil.Clock) *IMUSource {
	if opts.Name == "" {
		opts.Name = "robot"
	}
	if opts.AxisOrder == (AxisOrder{}) {
		opts.AxisOrder = DefaultAxisOrder
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = 0.98
	}
	if opts.CalibrationSamples <= 0 {
		opts.CalibrationSamples = 100
	}
	if opts.Calibration.Validate() != nil {
		opts.Calibration = DefaultCalibration()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &IMUSource{
		name:     opts.Name,
		dev:      dev,
		temp:     temp,
		order:    opts.AxisOrder,
		accelLSB: 16384 / float64(int(1)<<(opts.AccelRange&3)),
		gyroLSB:  131 / float64(int(1)<<(opts.GyroRange&3)),
		alpha:    opts.Alpha,
		samples:  opts.CalibrationSamples,
		bus:      bus,
		clock:    clock,
		cal:      opts.Calibration,
	}
}

// ReadRaw reads one accelerometer and gyroscope sample.
func (s *IMUSource) ReadRaw() (Raw, error) {
	var r Raw
	reads := []struct {
		what string
		dst  *int16
		fn   func() (int16, error)
	}{
		{"accel X", &r.Ax, s.dev.GetAccelerationX},
		{"accel Y", &r.Ay, s.dev.GetAccelerationY},
		{"accel Z", &r.Az, s.dev.GetAccelerationZ},
		{"gyro X", &r.Gx, s.dev.GetRotationX},
		{"gyro Y", &r.Gy, s.dev.GetRotationY},
		{"gyro Z", &r.Gz, s.dev.GetRotationZ},
	}
	for _, rd := range reads {
		v, err := rd.fn()
		if err != nil {
			return Raw{}, fmt.Errorf("%s IMU %s: %w: %w", s.name, rd.what, ErrUnavailable, err)
		}
		*rd.dst = v
	}
	return r, nil
}

func (s *IMUSource) scale(r Raw) (accel, gyro Vector) {
	accel = Vector{X: float64(r.Ax) / s.accelLSB, Y: float64(r.Ay) / s.accelLSB, Z: float64(r.Az) / s.accelLSB}
	gyro = Vector{X: float64(r.Gx) / s.gyroLSB, Y: float64(r.Gy) / s.gyroLSB, Z: float64(r.Gz) / s.gyroLSB}
	return accel, gyro
}

// corrected applies the calibration offsets. Caller holds s.mu.
func (s *IMUSource) corrected(r Raw) (accel, gyro Vector) {
	a, g := s.scale(r)
	ao, gro := s.cal.Accel.Offset, s.cal.Gyro.Offset
	return Vector{X: a.X - ao.X, Y: a.Y - ao.Y, Z: a.Z - ao.Z},
		Vector{X: g.X - gro.X, Y: g.Y - gro.Y, Z: g.Z - gro.Z}
}

// EulerAngles returns the fused pose in the body frame.
func (s *IMUSource) EulerAngles() (Pose, error) {
	r, err := s.ReadRaw()
	if err != nil {
		return Pose{}, err
	}
	now := s.clock.Now()

	s.mu.Lock()
	a, g := s.corrected(r)
	tilt := ComputePoseFromAccel(a.X, a.Y, a.Z)
	var dt float64
	if !s.last.IsZero() {
		dt = now.Sub(s.last).Seconds()
	}
	s.fused = FusePose(s.fused, tilt, g, dt, s.alpha)
	s.last = now
	f := s.fused
	s.mu.Unlock()

	p := s.order.Remap([3]float64{f.Roll, f.Pitch, f.Yaw})
	s.bus.PostValue(event.OrientationSensor,
		fmt.Sprintf("euler roll %.2f pitch %.2f yaw %.2f", p.Roll, p.Pitch, p.Yaw), p, event.Debug)
	return p, nil
}

func (s *IMUSource) Accel() (Vector, error) {
	r, err := s.ReadRaw()
	if err != nil {
		return Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, _ := s.corrected(r)
	return a, nil
}

func (s *IMUSource) Gyro() (Vector, error) {
	r, err := s.ReadRaw()
	if err != nil {
		return Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g := s.corrected(r)
	return g, nil
}

// Magnetic is not available: the driver does not expose the AK8963.
func (s *IMUSource) Magnetic() (Vector, error) {
	return Vector{}, fmt.Errorf("%s IMU magnetometer: %w", s.name, ErrUnavailable)
}

func (s *IMUSource) GravityDirection() (GravityDir, error) {
	a, err := s.Accel()
	if err != nil {
		return GravityDir{}, err
	}
	d, _ := gravityFrom(a)
	return d, nil
}

func (s *IMUSource) GravityMagnitude() (float64, error) {
	a, err := s.Accel()
	if err != nil {
		return 0, err
	}
	_, m := gravityFrom(a)
	return m, nil
}

func (s *IMUSource) Temperature(units string) (float64, error) {
	if s.temp == nil {
		return 0, fmt.Errorf("%s temperature: no sensor: %w", s.name, ErrUnavailable)
	}
	var e physic.Env
	if err := s.temp.Sense(&e); err != nil {
		return 0, fmt.Errorf("%s BMP sense: %w: %w", s.name, ErrUnavailable, err)
	}
	return ConvertTemperature(e.Temperature.Celsius(), units), nil
}

// Calibrate averages still samples with the robot held level and derives
// the accelerometer and gyro offsets from them. The magnetometer part of
// the calibration is kept.
func (s *IMUSource) Calibrate() error {
	var sumA, sumG Vector
	for i := 0; i < s.samples; i++ {
		r, err := s.ReadRaw()
		if err != nil {
			return fmt.Errorf("%s IMU calibrate: %w", s.name, err)
		}
		a, g := s.scale(r)
		sumA = Vector{X: sumA.X + a.X, Y: sumA.Y + a.Y, Z: sumA.Z + a.Z}
		sumG = Vector{X: sumG.X + g.X, Y: sumG.Y + g.Y, Z: sumG.Z + g.Z}
		s.clock.Sleep(5 * time.Millisecond)
	}
	n := float64(s.samples)
	meanA := Vector{X: sumA.X / n, Y: sumA.Y / n, Z: sumA.Z / n}
	meanG := Vector{X: sumG.X / n, Y: sumG.Y / n, Z: sumG.Z / n}
	radius := meanA.Norm()

	s.mu.Lock()
	c := s.cal
	s.mu.Unlock()
	c.Accel = AccelCalibration{
		Offset: Vector{X: meanA.X, Y: meanA.Y, Z: meanA.Z - radius},
		Radius: radius,
	}
	c.Gyro = GyroCalibration{Offset: meanG}
	if err := s.SetCalibration(c); err != nil {
		return err
	}
	s.bus.PostValue(event.OrientationSensor,
		fmt.Sprintf("%s IMU calibrated: gravity %.4f g, gyro offset %.3f/%.3f/%.3f °/s",
			s.name, radius, meanG.X, meanG.Y, meanG.Z), c, event.Info)
	return nil
}

// CalibrationData returns the calibration in use.
func (s *IMUSource) CalibrationData() Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal
}

// SetCalibration validates c before applying it.
func (s *IMUSource) SetCalibration(c Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cal = c
	s.mu.Unlock()
	return nil
}
