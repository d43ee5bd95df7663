package pipeline

import (
	"fmt"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"
)

// apply executes one enabled node. Stages never modify their input slices
// in place because sibling subgraphs share the parent's output.
func (e *Executor) apply(n Node, in Frame) (Frame, error) {
	switch p := n.Params.(type) {
	case RaysFromPoses:
		return raysFromPoses(p, in), nil
	case SetRange:
		return mapRays(in, len(p.Ranges), func(i int, r *Ray) { r.Range = p.Ranges[i] })
	case SetRingIDs:
		return mapRays(in, len(p.IDs), func(i int, r *Ray) { r.RingID = p.IDs[i] })
	case SetTimeOffsets:
		return mapRays(in, len(p.Offsets), func(i int, r *Ray) { r.TimeOffset = p.Offsets[i] })
	case Transform:
		return transform(p.T, in), nil
	case AngularNoise:
		return e.angularNoise(p, in), nil
	case Raytrace:
		return e.raytrace(p, in)
	case DistanceNoise:
		return e.distanceNoise(p, in), nil
	case Compact:
		return compact(in), nil
	default:
		return in, fmt.Errorf("%w: unsupported node kind %v", ErrInvalidConfiguration, n.Params.Kind())
	}
}

func raysFromPoses(p RaysFromPoses, in Frame) Frame {
	out := in
	out.Rays = make([]Ray, len(p.Poses))
	for i, pose := range p.Poses {
		out.Rays[i] = Ray{
			Origin:    pose.Position(),
			Direction: unitOr(pose.Forward(), r3.Vec{Z: 1}),
			Range:     unboundedRange(),
		}
	}
	return out
}

func mapRays(in Frame, n int, set func(i int, r *Ray)) (Frame, error) {
	if n != len(in.Rays) {
		return in, fmt.Errorf("%w: %d entries for %d rays", ErrInvalidConfiguration, n, len(in.Rays))
	}
	out := in
	out.Rays = make([]Ray, len(in.Rays))
	copy(out.Rays, in.Rays)
	for i := range out.Rays {
		set(i, &out.Rays[i])
	}
	return out, nil
}

func transform(t geom.Transform, in Frame) Frame {
	out := in
	if !in.Traced {
		out.Rays = make([]Ray, len(in.Rays))
		for i, r := range in.Rays {
			r.Origin = t.ApplyPoint(r.Origin)
			r.Direction = unitOr(t.ApplyDirection(r.Direction), r.Direction)
			out.Rays[i] = r
		}
		out.SensorPose = t.Mul(in.SensorPose)
		return out
	}

	out.Points = make([]Point, len(in.Points))
	for i, p := range in.Points {
		p.Position = t.ApplyPoint(p.Position)
		p.Origin = t.ApplyPoint(p.Origin)
		p.Direction = unitOr(t.ApplyDirection(p.Direction), p.Direction)
		out.Points[i] = p
	}
	return out
}

func (e *Executor) normal(mean, stddev float64) float64 {
	if stddev == 0 {
		return mean
	}
	return distuv.Normal{Mu: mean, Sigma: stddev, Src: e.rng}.Rand()
}

func (e *Executor) angularNoise(p AngularNoise, in Frame) Frame {
	axis := unitOr(in.SensorPose.Up(), r3.Vec{Y: 1})
	out := in

	if p.Variant == NoiseRay {
		out.Rays = make([]Ray, len(in.Rays))
		for i, r := range in.Rays {
			rot := geom.RotationAbout(axis, e.normal(p.Mean, p.StdDev))
			r.Direction = unitOr(rot.ApplyDirection(r.Direction), r.Direction)
			out.Rays[i] = r
		}
		return out
	}

	out.Points = make([]Point, len(in.Points))
	for i, pt := range in.Points {
		if pt.Hit {
			rot := geom.RotationAbout(axis, e.normal(p.Mean, p.StdDev))
			pt.Position = r3.Add(pt.Origin, rot.ApplyDirection(r3.Sub(pt.Position, pt.Origin)))
			pt.Direction = unitOr(rot.ApplyDirection(pt.Direction), pt.Direction)
		}
		out.Points[i] = pt
	}
	return out
}

func (e *Executor) distanceNoise(p DistanceNoise, in Frame) Frame {
	out := in
	out.Points = make([]Point, len(in.Points))
	for i, pt := range in.Points {
		if pt.Hit {
			sigma := p.StdDevBase + p.StdDevRisePerMeter*pt.Distance
			delta := e.normal(p.Mean, sigma)
			pt.Position = r3.Add(pt.Position, r3.Scale(delta, pt.Direction))
			pt.Distance += delta
		}
		out.Points[i] = pt
	}
	return out
}

func (e *Executor) raytrace(p Raytrace, in Frame) (Frame, error) {
	req := TraceRequest{
		Rays:       make([]TraceRay, len(in.Rays)),
		SensorPose: in.SensorPose,
		Distortion: p.Distortion,
	}
	for i, r := range in.Rays {
		req.Rays[i] = TraceRay{Origin: r.Origin, Direction: r.Direction, Range: r.Range, TimeOffset: r.TimeOffset}
	}

	hits, err := e.backend.Trace(e.ctx, req)
	if err != nil {
		return in, fmt.Errorf("%w: %w", ErrBackendExecution, err)
	}
	if len(hits) != len(in.Rays) {
		return in, fmt.Errorf("%w: backend returned %d hits for %d rays", ErrBackendExecution, len(hits), len(in.Rays))
	}

	out := in
	out.Rays = nil
	out.Traced = true
	out.Distorted = p.Distortion != nil
	out.Points = make([]Point, len(in.Rays))
	for i, r := range in.Rays {
		out.Points[i] = Point{
			Position:   hits[i].Position,
			Origin:     r.Origin,
			Direction:  r.Direction,
			Distance:   hits[i].Distance,
			Hit:        hits[i].Hit,
			RingID:     r.RingID,
			TimeOffset: r.TimeOffset,
		}
	}
	return out, nil
}

func compact(in Frame) Frame {
	out := in
	out.Points = make([]Point, 0, len(in.Points))
	for _, p := range in.Points {
		if p.Hit {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

func unitOr(v, fallback r3.Vec) r3.Vec {
	if r3.Norm(v) == 0 {
		return fallback
	}
	return r3.Unit(v)
}
