package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
)

// OnTick advances the sensor by one physics step. Only the registry leader
// does any work: it runs the rate check and capture of every active sensor
// in activation order, then waits for each captured sensor's run and
// notifies its listeners in the same order. Non-leaders return nil
// immediately. Tick sequence numbers must increase from one tick to the
// next. Failures of individual sensors are joined into the returned
// error and suppress only that sensor's notification.
func (s *Sensor) OnTick(ctx context.Context, t Tick) error {
	if s.registry.Leader() != s {
		return nil
	}
	if math.IsNaN(t.Dt) || math.IsInf(t.Dt, 0) || t.Dt < 0 {
		return fmt.Errorf("%w: dt %v", ErrInvalidTick, t.Dt)
	}
	if ok, err := s.registry.claim(s, t.Seq); !ok {
		return err
	}

	var errs []error
	var captured []*Sensor
	for _, sn := range s.registry.Snapshot() {
		ok, err := sn.step(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sn.name, err))
			continue
		}
		if ok {
			captured = append(captured, sn)
		}
	}

	for _, sn := range captured {
		if err := sn.raw.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sn.name, err))
			continue
		}
		sn.notify(ctx)
	}
	return errors.Join(errs...)
}

// step is the per-sensor rate check. It reports whether a capture was
// enqueued.
func (s *Sensor) step(ctx context.Context, t Tick) (bool, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return false, nil
	}
	if !s.seenFrame || s.lastFrame != t.Frame {
		s.substeps = 0
		s.lastFrame = t.Frame
		s.seenFrame = true
	}
	s.substeps++
	s.lastDt = t.Dt
	s.lastTick = t

	hz := s.settings.AutomaticCaptureHz
	if hz == 0 {
		s.mu.Unlock()
		return false, nil
	}

	s.timer += t.Dt
	s.lastTransform = s.currentTransform
	s.currentTransform = s.pose.WorldTransform()

	if s.timer+captureEpsilon < 1/hz {
		s.mu.Unlock()
		return false, nil
	}
	s.timer = 0
	s.mu.Unlock()

	if err := s.Capture(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Capture advances the scene, pushes the current lidar pose (and motion,
// when distortion is enabled) into the graphs and enqueues a run. It does
// not notify listeners; automatic captures are notified by the tick
// leader.
func (s *Sensor) Capture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	if s.scene == nil {
		return ErrMissingCollaborator
	}

	if err := s.scene.AdvanceTo(s.substeps); err != nil {
		return fmt.Errorf("advancing scene: %w", err)
	}

	lidarPose := s.currentTransform.Mul(s.configuration.OriginTransform())
	inverse, err := lidarPose.Inverse()
	if err != nil {
		return fmt.Errorf("%w: lidar pose: %v", pipeline.ErrInvalidConfiguration, err)
	}

	c := &Capture{
		Sensor:    s,
		Tick:      s.lastTick,
		LidarPose: lidarPose,
	}
	updates := []pipeline.Update{{Handle: s.h.pose, Params: pipeline.Transform{T: lidarPose}}}
	if s.settings.ApplyVelocityDistortion {
		c.LinearVelocity, c.AngularVelocity = Velocities(s.lastTransform, s.currentTransform, s.lastDt)
		c.Distorted = true
		updates = append(updates, pipeline.Update{Handle: s.h.raytrace, Params: pipeline.Raytrace{
			Distortion: &pipeline.Distortion{
				LinearVelocity:  c.LinearVelocity,
				AngularVelocity: c.AngularVelocity,
			},
		}})
	}
	if err := s.raw.Apply(updates...); err != nil {
		return err
	}
	if err := s.lidarFrame.Update(s.h.toLidar, pipeline.Transform{T: inverse}); err != nil {
		return err
	}

	if err := s.raw.Run(ctx); err != nil {
		return err
	}
	s.captures++
	c.Sequence = s.captures
	s.pending = c
	return nil
}

func (s *Sensor) notify(ctx context.Context) {
	s.mu.Lock()
	c := s.pending
	s.pending = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.fireNewData(ctx, *c)
}

// Velocities derives the sensor-frame motion between two world poses dt
// seconds apart. Linear velocity is the translation delta rotated into the
// current pose's frame; angular velocity is the per-axis look-rotation
// Euler delta, wrapped to [-180°, 180°] and converted to rad/s. A zero dt
// yields zero velocities.
func Velocities(last, current geom.Transform, dt float64) (linear, angular r3.Vec) {
	if dt == 0 {
		return r3.Vec{}, r3.Vec{}
	}
	global := r3.Scale(1/dt, r3.Sub(current.Position(), last.Position()))
	linear = current.InverseTransformDirection(global)

	delta := r3.Sub(
		geom.LookRotationEuler(current.Forward(), current.Up()),
		geom.LookRotationEuler(last.Forward(), last.Up()),
	)
	angular = r3.Scale(geom.Deg2Rad/dt, geom.NormalizeEulerDelta(delta))
	return linear, angular
}
