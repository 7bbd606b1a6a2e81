package orientation

import (
	"fmt"
	"strings"
)

// Axis names one body rotation.
type Axis int

const (
	Roll Axis = iota
	Pitch
	Yaw
)

var axisNames = [...]string{"roll", "pitch", "yaw"}

func (a Axis) String() string {
	if a < Roll || a > Yaw {
		return fmt.Sprintf("Axis(%d)", int(a))
	}
	return axisNames[a]
}

// AxisOrder says which body rotation each sensor channel carries:
// channel i of the sensor is the rotation AxisOrder[i]. Mounting differs
// between builds, so it is configured rather than fixed.
type AxisOrder [3]Axis

// DefaultAxisOrder is a sensor mounted with its axes aligned to the body.
var DefaultAxisOrder = AxisOrder{Roll, Pitch, Yaw}

// ParseAxisOrder parses a comma separated list such as "yaw,roll,pitch".
// Each rotation must appear exactly once.
func ParseAxisOrder(s string) (AxisOrder, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return AxisOrder{}, fmt.Errorf("orientation: axis order %q: want 3 axes", s)
	}
	var o AxisOrder
	var seen [3]bool
	for i, p := range parts {
		name := strings.ToLower(strings.TrimSpace(p))
		found := false
		for a, n := range axisNames {
			if n == name {
				if seen[a] {
					return AxisOrder{}, fmt.Errorf("orientation: axis order %q: %s repeated", s, name)
				}
				seen[a] = true
				o[i] = Axis(a)
				found = true
				break
			}
		}
		if !found {
			return AxisOrder{}, fmt.Errorf("orientation: axis order %q: unknown axis %q", s, p)
		}
	}
	return o, nil
}

func (o AxisOrder) String() string {
	return o[0].String() + "," + o[1].String() + "," + o[2].String()
}

// Remap assigns the sensor channels to body rotations.
func (o AxisOrder) Remap(ch [3]float64) Pose {
	var body [3]float64
	for i, a := range o {
		body[a] = ch[i]
	}
	return Pose{Roll: body[Roll], Pitch: body[Pitch], Yaw: body[Yaw]}
}
