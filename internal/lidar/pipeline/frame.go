package pipeline

import (
	"math"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// Ray is a candidate ray before tracing.
type Ray struct {
	Origin     r3.Vec
	Direction  r3.Vec // unit length
	Range      Range
	RingID     int32
	TimeOffset float64
}

// Point is the traced result of one ray. Non-hits are kept until a Compact
// node drops them.
type Point struct {
	Position   r3.Vec
	Origin     r3.Vec
	Direction  r3.Vec
	Distance   float64
	Hit        bool
	RingID     int32
	TimeOffset float64
}

// Frame is the stream flowing between nodes: rays before Raytrace, points
// after it.
type Frame struct {
	Rays   []Ray
	Points []Point

	// SensorPose accumulates the ray transforms applied so far; it is the
	// frame in which distortion velocities and angular noise are expressed.
	SensorPose geom.Transform

	Traced    bool
	Distorted bool

	// Sequence is the executor run number that produced this frame.
	Sequence uint64
}

// HitCount returns the number of points that hit the scene.
func (f Frame) HitCount() int {
	n := 0
	for _, p := range f.Points {
		if p.Hit {
			n++
		}
	}
	return n
}

func unboundedRange() Range {
	return Range{Min: 0, Max: math.Inf(1)}
}
