// Package raytrace is a software ray/scene intersection backend for the
// lidar pipeline. Scenes hold simple analytic shapes that may move at a
// constant velocity; the simulation advances the scene in fixed physics
// steps and rays are traced against the latest snapshot.
package raytrace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
)

var (
	// ErrNegativeSubstep is returned by AdvanceTo for a negative step count.
	ErrNegativeSubstep = errors.New("negative substep")
	// ErrInvalidFrameStart is returned by BeginFrame for a start time that
	// is not finite or precedes the previous frame.
	ErrInvalidFrameStart = errors.New("invalid frame start")
)

// Object is a named shape in a scene. Velocity is in metres per second.
type Object struct {
	Name     string
	Shape    Shape
	Velocity r3.Vec
}

// Scene is a set of objects advanced in fixed steps. It implements
// pipeline.Backend and the sensor's scene provider.
type Scene struct {
	fixedStep float64
	workers   int
	chunkSize int

	mu         sync.RWMutex
	objects    []Object
	frame      uint64
	frameStart float64
	substep    int
	now        float64
	snapshot   []Shape
}

// Option configures a Scene.
type Option func(*Scene)

// WithWorkers sets the number of goroutines tracing a large request.
func WithWorkers(n int) Option {
	return func(s *Scene) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithChunkSize sets how many rays each worker traces at a time. Requests
// no larger than one chunk are traced on the calling goroutine.
func WithChunkSize(n int) Option {
	return func(s *Scene) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// NewScene creates an empty scene advanced in steps of fixedStep seconds.
func NewScene(fixedStep float64, opts ...Option) (*Scene, error) {
	if !(fixedStep > 0) || math.IsInf(fixedStep, 0) {
		return nil, fmt.Errorf("invalid fixed step %v", fixedStep)
	}
	s := &Scene{
		fixedStep: fixedStep,
		workers:   runtime.NumCPU(),
		chunkSize: 4096,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FixedStep returns the physics step in seconds.
func (s *Scene) FixedStep() float64 { return s.fixedStep }

// Add places an object in the scene. It becomes visible to rays after the
// next AdvanceTo.
func (s *Scene) Add(obj Object) error {
	if obj.Shape == nil {
		return fmt.Errorf("object %q has no shape", obj.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, obj)
	return nil
}

// Remove deletes every object with the given name and reports whether any
// was found.
func (s *Scene) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.objects[:0]
	for _, o := range s.objects {
		if o.Name != name {
			kept = append(kept, o)
		}
	}
	removed := len(kept) != len(s.objects)
	s.objects = kept
	return removed
}

// BeginFrame starts a new render frame at simulation time start (seconds)
// and returns its number. The snapshot moves to start; substep counts
// passed to AdvanceTo are relative to it.
func (s *Scene) BeginFrame(start float64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if math.IsNaN(start) || math.IsInf(start, 0) || start < 0 || start < s.frameStart {
		return s.frame, fmt.Errorf("%w: %v (previous frame at %v)", ErrInvalidFrameStart, start, s.frameStart)
	}
	s.frame++
	s.frameStart = start
	s.substep = 0
	s.now = start
	s.rebuildLocked()
	return s.frame, nil
}

// Frame returns the current render frame number.
func (s *Scene) Frame() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame
}

// Now returns the simulation time of the current snapshot in seconds.
func (s *Scene) Now() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// AdvanceTo moves the scene to substep physics steps past the frame start
// and rebuilds the snapshot. Several sensors capturing in one tick call it
// with the same count; advancing to an earlier or equal substep than
// already reached only refreshes the snapshot.
func (s *Scene) AdvanceTo(substep int) error {
	if substep < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeSubstep, substep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if substep > s.substep {
		s.substep = substep
		s.now = s.frameStart + float64(substep)*s.fixedStep
	}
	s.rebuildLocked()
	return nil
}

func (s *Scene) rebuildLocked() {
	snap := make([]Shape, len(s.objects))
	for i, o := range s.objects {
		if o.Velocity == (r3.Vec{}) {
			snap[i] = o.Shape
			continue
		}
		snap[i] = o.Shape.Translate(r3.Scale(s.now, o.Velocity))
	}
	s.snapshot = snap
}

// Trace intersects every ray with the current snapshot. With distortion,
// each ray is displaced by the sensor motion over its time offset: the
// origin moves by v·t and the direction turns by ω·t, both expressed in
// the sensor frame.
func (s *Scene) Trace(ctx context.Context, req pipeline.TraceRequest) ([]pipeline.Hit, error) {
	s.mu.RLock()
	shapes := s.snapshot
	workers, chunk := s.workers, s.chunkSize
	s.mu.RUnlock()

	hits := make([]pipeline.Hit, len(req.Rays))
	tracer := rayTracer{shapes: shapes, req: req, rotation: req.SensorPose.Rotation()}

	if len(req.Rays) <= chunk || workers < 2 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracer.traceRange(hits, 0, len(req.Rays))
		return hits, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(req.Rays); start += chunk {
		end := min(start+chunk, len(req.Rays))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tracer.traceRange(hits, start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hits, nil
}

type rayTracer struct {
	shapes   []Shape
	req      pipeline.TraceRequest
	rotation geom.Transform
}

func (t rayTracer) traceRange(hits []pipeline.Hit, start, end int) {
	for i := start; i < end; i++ {
		hits[i] = t.trace(t.req.Rays[i])
	}
}

func (t rayTracer) trace(ray pipeline.TraceRay) pipeline.Hit {
	origin := ray.Origin
	dir := r3.Unit(ray.Direction)
	if d := t.req.Distortion; d != nil && ray.TimeOffset != 0 {
		origin, dir = t.distort(origin, dir, d, ray.TimeOffset)
	}

	closest := ray.Range.Max
	found := false
	for _, shape := range t.shapes {
		if dist, ok := shape.Intersect(origin, dir, ray.Range.Min, closest); ok {
			closest = dist
			found = true
		}
	}
	if !found {
		return pipeline.Hit{}
	}
	return pipeline.Hit{
		Hit:      true,
		Distance: closest,
		Position: r3.Add(origin, r3.Scale(closest, dir)),
	}
}

func (t rayTracer) distort(origin, dir r3.Vec, d *pipeline.Distortion, dt float64) (r3.Vec, r3.Vec) {
	origin = r3.Add(origin, t.rotation.ApplyDirection(r3.Scale(dt, d.LinearVelocity)))

	w := d.AngularVelocity
	angle := r3.Norm(w) * dt
	if angle == 0 {
		return origin, dir
	}
	// Rotate about ω expressed in world space, which equals R·Rot(ω·t)·Rᵀ.
	axis := t.rotation.ApplyDirection(w)
	dir = geom.RotationAbout(axis, angle).ApplyDirection(dir)
	return origin, r3.Unit(dir)
}
