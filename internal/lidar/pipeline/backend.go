package pipeline

import (
	"context"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// TraceRay is one ray handed to the backend, in world coordinates.
type TraceRay struct {
	Origin     r3.Vec
	Direction  r3.Vec
	Range      Range
	TimeOffset float64
}

// TraceRequest is the input of a Raytrace node.
type TraceRequest struct {
	Rays []TraceRay

	// SensorPose is the sensor-to-world transform the rays were built
	// with; distortion velocities are expressed in its frame.
	SensorPose geom.Transform

	// Distortion is nil when motion distortion is disabled.
	Distortion *Distortion
}

// Hit is the backend's answer for one ray. Position is the world-space hit
// point, which may differ from Origin+Direction*Distance when distortion
// displaced the ray.
type Hit struct {
	Hit      bool
	Distance float64
	Position r3.Vec
}

// Backend is the ray/scene intersection engine. Trace must return exactly
// one Hit per ray, in order, against its current scene snapshot.
type Backend interface {
	Trace(ctx context.Context, req TraceRequest) ([]Hit, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req TraceRequest) ([]Hit, error)

// Trace calls f.
func (f BackendFunc) Trace(ctx context.Context, req TraceRequest) ([]Hit, error) {
	return f(ctx, req)
}
