package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a row-major 4×4 homogeneous matrix:
// m00,m01,m02,m03, m10,... with the translation in column 3.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation.
func Translation(v r3.Vec) Transform {
	t := Identity()
	t[3], t[7], t[11] = v.X, v.Y, v.Z
	return t
}

// RotationEuler builds a rotation from Euler angles in degrees. Roll (z)
// is applied first, then pitch (x), then yaw (y): R = Ry·Rx·Rz.
func RotationEuler(euler r3.Vec) Transform {
	sx, cx := math.Sincos(euler.X * Deg2Rad)
	sy, cy := math.Sincos(euler.Y * Deg2Rad)
	sz, cz := math.Sincos(euler.Z * Deg2Rad)
	return Transform{
		cy*cz + sy*sx*sz, -cy*sz + sy*sx*cz, sy * cx, 0,
		cx * sz, cx * cz, -sx, 0,
		-sy*cz + cy*sx*sz, sy*sz + cy*sx*cz, cy * cx, 0,
		0, 0, 0, 1,
	}
}

// TRS composes translation and Euler rotation (degrees): T·R.
func TRS(translation, eulerDeg r3.Vec) Transform {
	t := RotationEuler(eulerDeg)
	t[3], t[7], t[11] = translation.X, translation.Y, translation.Z
	return t
}

func (t Transform) dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, t[:])
	return mat.NewDense(4, 4, data)
}

func fromDense(d *mat.Dense) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = d.At(r, c)
		}
	}
	return out
}

// Mul returns t·o, i.e. o is applied first.
func (t Transform) Mul(o Transform) Transform {
	var out mat.Dense
	out.Mul(t.dense(), o.dense())
	return fromDense(&out)
}

// Inverse returns the inverse transform. Singular matrices (for example
// the zero value) are reported as errors.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		return Transform{}, fmt.Errorf("transform is not invertible: %w", err)
	}
	return fromDense(&inv), nil
}

// Column returns the xyz part of column c.
func (t Transform) Column(c int) r3.Vec {
	return r3.Vec{X: t[c], Y: t[4+c], Z: t[8+c]}
}

// Position returns the translation column.
func (t Transform) Position() r3.Vec {
	return t.Column(3)
}

// Right, Up and Forward return the (unnormalised) basis columns.
func (t Transform) Right() r3.Vec   { return t.Column(0) }
func (t Transform) Up() r3.Vec      { return t.Column(1) }
func (t Transform) Forward() r3.Vec { return t.Column(2) }

// ApplyPoint transforms a point, translation included.
func (t Transform) ApplyPoint(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// ApplyDirection transforms a direction, ignoring translation.
func (t Transform) ApplyDirection(d r3.Vec) r3.Vec {
	return r3.Vec{
		X: t[0]*d.X + t[1]*d.Y + t[2]*d.Z,
		Y: t[4]*d.X + t[5]*d.Y + t[6]*d.Z,
		Z: t[8]*d.X + t[9]*d.Y + t[10]*d.Z,
	}
}

// InverseTransformDirection maps a world direction into the local frame
// of t. Scale is ignored: only the orthonormalised rotation is inverted.
func (t Transform) InverseTransformDirection(d r3.Vec) r3.Vec {
	rot := t.Rotation()
	return r3.Vec{
		X: rot[0]*d.X + rot[4]*d.Y + rot[8]*d.Z,
		Y: rot[1]*d.X + rot[5]*d.Y + rot[9]*d.Z,
		Z: rot[2]*d.X + rot[6]*d.Y + rot[10]*d.Z,
	}
}

// Rotation returns the rotation part of t with unit basis columns and no
// translation.
func (t Transform) Rotation() Transform {
	x, y, z := unitOrZero(t.Right()), unitOrZero(t.Up()), unitOrZero(t.Forward())
	return Transform{
		x.X, y.X, z.X, 0,
		x.Y, y.Y, z.Y, 0,
		x.Z, y.Z, z.Z, 0,
		0, 0, 0, 1,
	}
}

// RotationAbout returns a rotation of angle radians about axis through the
// origin.
func RotationAbout(axis r3.Vec, angle float64) Transform {
	a := unitOrZero(axis)
	s, c := math.Sincos(angle)
	k := 1 - c
	return Transform{
		c + a.X*a.X*k, a.X*a.Y*k - a.Z*s, a.X*a.Z*k + a.Y*s, 0,
		a.Y*a.X*k + a.Z*s, c + a.Y*a.Y*k, a.Y*a.Z*k - a.X*s, 0,
		a.Z*a.X*k - a.Y*s, a.Z*a.Y*k + a.X*s, c + a.Z*a.Z*k, 0,
		0, 0, 0, 1,
	}
}

// ApproxEqual reports whether every element differs by at most tol.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := range t {
		if math.Abs(t[i]-o[i]) > tol {
			return false
		}
	}
	return true
}

func unitOrZero(v r3.Vec) r3.Vec {
	if r3.Norm(v) == 0 {
		return v
	}
	return r3.Unit(v)
}
