package raytrace

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const parallelEpsilon = 1e-8

// Shape is a surface a ray can hit. Directions passed to Intersect are
// unit length, so the returned t is a distance in metres.
type Shape interface {
	Intersect(origin, dir r3.Vec, tMin, tMax float64) (float64, bool)
	// Translate returns a copy of the shape moved by offset.
	Translate(offset r3.Vec) Shape
}

// Sphere is a solid sphere.
type Sphere struct {
	Center r3.Vec
	Radius float64
}

// Intersect solves the ray/sphere quadratic and returns the nearest root
// inside [tMin, tMax].
func (s Sphere) Intersect(origin, dir r3.Vec, tMin, tMax float64) (float64, bool) {
	oc := r3.Sub(origin, s.Center)
	a := r3.Dot(dir, dir)
	halfB := r3.Dot(oc, dir)
	c := r3.Dot(oc, oc) - s.Radius*s.Radius

	discriminant := halfB*halfB - a*c
	if discriminant < 0 {
		return 0, false
	}
	sqrtD := math.Sqrt(discriminant)

	root := (-halfB - sqrtD) / a
	if root < tMin || root > tMax {
		root = (-halfB + sqrtD) / a
		if root < tMin || root > tMax {
			return 0, false
		}
	}
	return root, true
}

func (s Sphere) Translate(offset r3.Vec) Shape {
	s.Center = r3.Add(s.Center, offset)
	return s
}

// Plane is an infinite plane through Point with the given Normal.
type Plane struct {
	Point  r3.Vec
	Normal r3.Vec
}

// NewPlane normalises the normal.
func NewPlane(point, normal r3.Vec) Plane {
	return Plane{Point: point, Normal: r3.Unit(normal)}
}

func (p Plane) Intersect(origin, dir r3.Vec, tMin, tMax float64) (float64, bool) {
	denominator := r3.Dot(dir, p.Normal)
	if math.Abs(denominator) < parallelEpsilon {
		return 0, false
	}
	t := r3.Dot(r3.Sub(p.Point, origin), p.Normal) / denominator
	if t < tMin || t > tMax {
		return 0, false
	}
	return t, true
}

func (p Plane) Translate(offset r3.Vec) Shape {
	p.Point = r3.Add(p.Point, offset)
	return p
}

// Box is an axis-aligned box.
type Box struct {
	Min, Max r3.Vec
}

// NewBox builds a box from its centre and full size.
func NewBox(center, size r3.Vec) Box {
	half := r3.Scale(0.5, size)
	return Box{Min: r3.Sub(center, half), Max: r3.Add(center, half)}
}

// Intersect uses the slab method. A ray starting inside the box reports
// the exit face.
func (b Box) Intersect(origin, dir r3.Vec, tMin, tMax float64) (float64, bool) {
	near, far := math.Inf(-1), math.Inf(1)
	mins := [3]float64{b.Min.X, b.Min.Y, b.Min.Z}
	maxs := [3]float64{b.Max.X, b.Max.Y, b.Max.Z}
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}

	for axis := 0; axis < 3; axis++ {
		if math.Abs(d[axis]) < parallelEpsilon {
			if o[axis] < mins[axis] || o[axis] > maxs[axis] {
				return 0, false
			}
			continue
		}
		inv := 1 / d[axis]
		t1 := (mins[axis] - o[axis]) * inv
		t2 := (maxs[axis] - o[axis]) * inv
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		near = math.Max(near, t1)
		far = math.Min(far, t2)
		if near > far {
			return 0, false
		}
	}

	if near >= tMin && near <= tMax {
		return near, true
	}
	if far >= tMin && far <= tMax {
		return far, true
	}
	return 0, false
}

func (b Box) Translate(offset r3.Vec) Shape {
	b.Min = r3.Add(b.Min, offset)
	b.Max = r3.Add(b.Max, offset)
	return b
}
