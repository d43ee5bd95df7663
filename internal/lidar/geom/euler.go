package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	Deg2Rad = math.Pi / 180.0
	Rad2Deg = 180.0 / math.Pi
)

// gimbalThreshold is how close |sin(pitch)| may get to 1 before yaw and
// roll are treated as coupled.
const gimbalThreshold = 1 - 1e-9

// LookRotationEuler returns the Euler angles (degrees, each in [0, 360))
// of the orientation whose forward axis points along forward and whose up
// axis is as close to up as possible. A zero forward vector yields zero
// angles; an up vector parallel to forward falls back to world up, then
// world right.
func LookRotationEuler(forward, up r3.Vec) r3.Vec {
	if r3.Norm(forward) == 0 {
		return r3.Vec{}
	}
	z := r3.Unit(forward)
	x := r3.Cross(up, z)
	if r3.Norm(x) < 1e-12 {
		x = r3.Cross(r3.Vec{Y: 1}, z)
		if r3.Norm(x) < 1e-12 {
			x = r3.Cross(r3.Vec{X: 1}, z)
		}
	}
	x = r3.Unit(x)
	y := r3.Cross(z, x)

	// R = [x y z] as columns, decomposed as Ry·Rx·Rz.
	r02, r12, r22 := z.X, z.Y, z.Z
	r10, r11 := x.Y, y.Y
	r00, r01 := x.X, y.X

	var ex, ey, ez float64
	sinX := -r12
	switch {
	case sinX >= gimbalThreshold:
		ex = math.Pi / 2
		ey = math.Atan2(r01, r00)
	case sinX <= -gimbalThreshold:
		ex = -math.Pi / 2
		ey = math.Atan2(-r01, r00)
	default:
		ex = math.Asin(sinX)
		ey = math.Atan2(r02, r22)
		ez = math.Atan2(r10, r11)
	}
	return r3.Vec{
		X: Repeat(ex*Rad2Deg, 360),
		Y: Repeat(ey*Rad2Deg, 360),
		Z: Repeat(ez*Rad2Deg, 360),
	}
}

// EulerAngles returns the look-rotation Euler angles of a pose's basis.
func (t Transform) EulerAngles() r3.Vec {
	return LookRotationEuler(t.Forward(), t.Up())
}

// Repeat wraps v into [0, length).
func Repeat(v, length float64) float64 {
	r := v - math.Floor(v/length)*length
	if r >= length {
		r -= length
	}
	return r
}

// DeltaAngle returns the shortest signed difference target-current in
// degrees, in (-180, 180].
func DeltaAngle(current, target float64) float64 {
	d := Repeat(target-current, 360)
	if d > 180 {
		d -= 360
	}
	return d
}

// NormalizeEulerDelta wraps each component of a per-axis angle difference
// into (-180, 180].
func NormalizeEulerDelta(delta r3.Vec) r3.Vec {
	return r3.Vec{
		X: DeltaAngle(0, delta.X),
		Y: DeltaAngle(0, delta.Y),
		Z: DeltaAngle(0, delta.Z),
	}
}
