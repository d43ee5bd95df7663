package raytrace

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
)

var unbounded = pipeline.Range{Min: 0, Max: math.Inf(1)}

func forwardRay(origin r3.Vec, offset float64) pipeline.TraceRay {
	return pipeline.TraceRay{Origin: origin, Direction: r3.Vec{Z: 1}, Range: unbounded, TimeOffset: offset}
}

func TestShapes(t *testing.T) {
	tests := []struct {
		name   string
		shape  Shape
		origin r3.Vec
		dir    r3.Vec
		want   float64
		hit    bool
	}{
		{"sphere ahead", Sphere{Center: r3.Vec{Z: 10}, Radius: 1}, r3.Vec{}, r3.Vec{Z: 1}, 9, true},
		{"sphere behind", Sphere{Center: r3.Vec{Z: -10}, Radius: 1}, r3.Vec{}, r3.Vec{Z: 1}, 0, false},
		{"inside sphere", Sphere{Radius: 2}, r3.Vec{}, r3.Vec{X: 1}, 2, true},
		{"plane", NewPlane(r3.Vec{Y: -1.5}, r3.Vec{Y: 1}), r3.Vec{}, r3.Vec{Y: -1}, 1.5, true},
		{"parallel plane", NewPlane(r3.Vec{Y: -1}, r3.Vec{Y: 1}), r3.Vec{}, r3.Vec{Z: 1}, 0, false},
		{"box front face", NewBox(r3.Vec{Z: 5}, r3.Vec{X: 2, Y: 2, Z: 2}), r3.Vec{}, r3.Vec{Z: 1}, 4, true},
		{"box missed", NewBox(r3.Vec{X: 5, Z: 5}, r3.Vec{X: 1, Y: 1, Z: 1}), r3.Vec{}, r3.Vec{Z: 1}, 0, false},
		{"inside box", NewBox(r3.Vec{}, r3.Vec{X: 2, Y: 2, Z: 2}), r3.Vec{}, r3.Vec{Z: 1}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.shape.Intersect(tt.origin, tt.dir, 0, math.Inf(1))
			assert.Equal(t, tt.hit, ok)
			if tt.hit {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestShapes_RangeWindow(t *testing.T) {
	s := Sphere{Center: r3.Vec{Z: 10}, Radius: 1}
	_, ok := s.Intersect(r3.Vec{}, r3.Vec{Z: 1}, 0, 5)
	assert.False(t, ok, "hit beyond max range")

	got, ok := s.Intersect(r3.Vec{}, r3.Vec{Z: 1}, 9.5, 20)
	require.True(t, ok)
	assert.InDelta(t, 11, got, 1e-9, "min range skips the near root")
}

func TestNewScene_RejectsBadStep(t *testing.T) {
	for _, step := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := NewScene(step)
		assert.Error(t, err, "step %v", step)
	}
}

func TestScene_ObjectsVisibleAfterAdvance(t *testing.T) {
	scene, err := NewScene(0.02)
	require.NoError(t, err)
	require.NoError(t, scene.Add(Object{Name: "wall", Shape: NewPlane(r3.Vec{Z: 10}, r3.Vec{Z: -1})}))
	require.Error(t, scene.Add(Object{Name: "nothing"}))

	req := pipeline.TraceRequest{Rays: []pipeline.TraceRay{forwardRay(r3.Vec{}, 0)}, SensorPose: geom.Identity()}
	hits, err := scene.Trace(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, hits[0].Hit, "no snapshot yet")

	require.NoError(t, scene.AdvanceTo(0))
	hits, err = scene.Trace(context.Background(), req)
	require.NoError(t, err)
	require.True(t, hits[0].Hit)
	assert.InDelta(t, 10, hits[0].Distance, 1e-9)
	assert.InDelta(t, 10, hits[0].Position.Z, 1e-9)

	assert.True(t, scene.Remove("wall"))
	assert.False(t, scene.Remove("wall"))
	require.NoError(t, scene.AdvanceTo(0))
	hits, err = scene.Trace(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, hits[0].Hit)
}

func TestScene_AdvanceMovesObjects(t *testing.T) {
	scene, err := NewScene(0.1)
	require.NoError(t, err)
	require.NoError(t, scene.Add(Object{
		Name:     "car",
		Shape:    NewPlane(r3.Vec{Z: 10}, r3.Vec{Z: -1}),
		Velocity: r3.Vec{Z: 5},
	}))

	_, err = scene.BeginFrame(0)
	require.NoError(t, err)
	require.NoError(t, scene.AdvanceTo(2))
	assert.InDelta(t, 0.2, scene.Now(), 1e-12)

	// Advancing backwards within a frame keeps the time reached.
	require.NoError(t, scene.AdvanceTo(1))
	assert.InDelta(t, 0.2, scene.Now(), 1e-12)

	req := pipeline.TraceRequest{Rays: []pipeline.TraceRay{forwardRay(r3.Vec{}, 0)}, SensorPose: geom.Identity()}
	hits, err := scene.Trace(context.Background(), req)
	require.NoError(t, err)
	require.True(t, hits[0].Hit)
	assert.InDelta(t, 11, hits[0].Distance, 1e-9)

	frame, err := scene.BeginFrame(0.2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), frame)
	assert.Equal(t, frame, scene.Frame())
	require.NoError(t, scene.AdvanceTo(1))
	assert.InDelta(t, 0.3, scene.Now(), 1e-12)

	err = scene.AdvanceTo(-1)
	assert.True(t, errors.Is(err, ErrNegativeSubstep))
}

func TestScene_BeginFrameFollowsSimulationTime(t *testing.T) {
	scene, err := NewScene(0.02)
	require.NoError(t, err)
	require.NoError(t, scene.Add(Object{
		Name:     "wall",
		Shape:    NewPlane(r3.Vec{Z: 20}, r3.Vec{Z: -1}),
		Velocity: r3.Vec{Z: -5},
	}))

	// Frames begin at the physics time even when nothing advanced the
	// previous ones.
	frame, err := scene.BeginFrame(0.9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame)
	assert.InDelta(t, 0.9, scene.Now(), 1e-12)
	require.NoError(t, scene.AdvanceTo(1))
	assert.InDelta(t, 0.92, scene.Now(), 1e-12)

	req := pipeline.TraceRequest{Rays: []pipeline.TraceRay{forwardRay(r3.Vec{}, 0)}, SensorPose: geom.Identity()}
	hits, err := scene.Trace(context.Background(), req)
	require.NoError(t, err)
	require.True(t, hits[0].Hit)
	assert.InDelta(t, 20-5*0.92, hits[0].Distance, 1e-9)

	for _, start := range []float64{math.NaN(), math.Inf(1), -1, 0.5} {
		_, err := scene.BeginFrame(start)
		assert.ErrorIs(t, err, ErrInvalidFrameStart, "start %v", start)
	}
	assert.Equal(t, uint64(1), scene.Frame())
}

func TestTrace_LinearDistortion(t *testing.T) {
	scene, err := NewScene(0.01)
	require.NoError(t, err)
	require.NoError(t, scene.Add(Object{Shape: NewPlane(r3.Vec{Z: 10}, r3.Vec{Z: -1})}))
	require.NoError(t, scene.AdvanceTo(0))

	req := pipeline.TraceRequest{
		Rays: []pipeline.TraceRay{
			forwardRay(r3.Vec{}, 0),
			forwardRay(r3.Vec{}, 0.1),
		},
		SensorPose: geom.Identity(),
		Distortion: &pipeline.Distortion{LinearVelocity: r3.Vec{Z: 10}},
	}
	hits, err := scene.Trace(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 10, hits[0].Distance, 1e-9, "zero offset is not displaced")
	assert.InDelta(t, 9, hits[1].Distance, 1e-9, "origin moved 1m forward")

	// Sensor yawed 90°: sensor-frame forward velocity moves along world +X.
	yawed := geom.RotationEuler(r3.Vec{Y: 90})
	req.SensorPose = yawed
	req.Rays = []pipeline.TraceRay{{Origin: r3.Vec{}, Direction: r3.Vec{X: 1}, Range: unbounded, TimeOffset: 0.1}}
	require.NoError(t, scene.Add(Object{Shape: NewPlane(r3.Vec{X: 20}, r3.Vec{X: -1})}))
	require.NoError(t, scene.AdvanceTo(0))
	hits, err = scene.Trace(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 19, hits[0].Distance, 1e-9)
}

func TestTrace_AngularDistortion(t *testing.T) {
	scene, err := NewScene(0.01)
	require.NoError(t, err)
	require.NoError(t, scene.Add(Object{Shape: NewPlane(r3.Vec{Z: 10}, r3.Vec{Z: -1})}))
	require.NoError(t, scene.AdvanceTo(0))

	// π/4 rad/s about up for one second turns the ray 45°.
	req := pipeline.TraceRequest{
		Rays:       []pipeline.TraceRay{forwardRay(r3.Vec{}, 1)},
		SensorPose: geom.Identity(),
		Distortion: &pipeline.Distortion{AngularVelocity: r3.Vec{Y: math.Pi / 4}},
	}
	hits, err := scene.Trace(context.Background(), req)
	require.NoError(t, err)
	require.True(t, hits[0].Hit)
	assert.InDelta(t, 10*math.Sqrt2, hits[0].Distance, 1e-9)
	assert.InDelta(t, 10, math.Abs(hits[0].Position.X), 1e-9)
}

func TestTrace_ParallelMatchesSerial(t *testing.T) {
	build := func(opts ...Option) *Scene {
		scene, err := NewScene(0.01, opts...)
		require.NoError(t, err)
		require.NoError(t, scene.Add(Object{Shape: Sphere{Center: r3.Vec{Z: 8}, Radius: 3}}))
		require.NoError(t, scene.Add(Object{Shape: NewPlane(r3.Vec{Y: -2}, r3.Vec{Y: 1})}))
		require.NoError(t, scene.AdvanceTo(0))
		return scene
	}

	var rays []pipeline.TraceRay
	for i := 0; i < 360; i++ {
		pose := geom.RotationEuler(r3.Vec{X: 10, Y: float64(i)})
		rays = append(rays, pipeline.TraceRay{Direction: pose.Forward(), Range: pipeline.Range{Min: 0.1, Max: 50}})
	}
	req := pipeline.TraceRequest{Rays: rays, SensorPose: geom.Identity()}

	serial, err := build(WithWorkers(1)).Trace(context.Background(), req)
	require.NoError(t, err)
	parallel, err := build(WithWorkers(4), WithChunkSize(7)).Trace(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestTrace_Cancelled(t *testing.T) {
	scene, err := NewScene(0.01, WithChunkSize(1), WithWorkers(2))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := pipeline.TraceRequest{Rays: []pipeline.TraceRay{forwardRay(r3.Vec{}, 0), forwardRay(r3.Vec{}, 0)}}
	_, err = scene.Trace(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}
