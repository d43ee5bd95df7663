package pipeline

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// NodeKind enumerates the operations a node can perform.
type NodeKind int

const (
	KindRaysFromPoses NodeKind = iota
	KindSetRange
	KindSetRingIDs
	KindSetTimeOffsets
	KindTransform
	KindAngularNoise
	KindRaytrace
	KindDistanceNoise
	KindCompact
)

func (k NodeKind) String() string {
	switch k {
	case KindRaysFromPoses:
		return "rays_from_poses"
	case KindSetRange:
		return "set_range"
	case KindSetRingIDs:
		return "set_ring_ids"
	case KindSetTimeOffsets:
		return "set_time_offsets"
	case KindTransform:
		return "transform"
	case KindAngularNoise:
		return "angular_noise"
	case KindRaytrace:
		return "raytrace"
	case KindDistanceNoise:
		return "distance_noise"
	case KindCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// Params is the kind-specific payload of a node. Values passed to a graph
// are treated as immutable: slices inside them must not be modified after
// the call.
type Params interface {
	Kind() NodeKind
	validate() error
}

// Range is the accepted [Min, Max] hit distance of a ray, in metres.
type Range struct {
	Min, Max float64
}

// RaysFromPoses emits one ray per local pose: origin at the pose
// translation, direction along its forward axis.
type RaysFromPoses struct {
	Poses []geom.Transform
}

// SetRange attaches a distance window to every ray.
type SetRange struct {
	Ranges []Range
}

// SetRingIDs attaches the laser ring index to every ray.
type SetRingIDs struct {
	IDs []int32
}

// SetTimeOffsets attaches the firing time of every ray, in seconds
// relative to the start of the scan.
type SetTimeOffsets struct {
	Offsets []float64
}

// Transform applies a rigid transform to rays before Raytrace and to
// points after it.
type Transform struct {
	T geom.Transform
}

// NoiseVariant selects where angular noise is applied.
type NoiseVariant int

const (
	// NoiseRay perturbs ray directions before tracing.
	NoiseRay NoiseVariant = iota
	// NoiseHitpoint rotates traced points around the sensor origin.
	NoiseHitpoint
)

func (v NoiseVariant) String() string {
	if v == NoiseHitpoint {
		return "hitpoint"
	}
	return "ray"
}

// AngularNoise is gaussian angular noise about the sensor's up axis.
// Mean and StdDev are radians.
type AngularNoise struct {
	Variant NoiseVariant
	Mean    float64
	StdDev  float64
}

// DistanceNoise is gaussian range noise whose deviation grows linearly with
// distance: sigma = StdDevBase + StdDevRisePerMeter*distance.
type DistanceNoise struct {
	Mean               float64
	StdDevBase         float64
	StdDevRisePerMeter float64
}

// Distortion is the sensor motion used to displace rays by their time
// offset. Velocities are expressed in the sensor frame: metres per second
// and radians per second about the sensor's X, Y and Z axes.
type Distortion struct {
	LinearVelocity  r3.Vec
	AngularVelocity r3.Vec
}

// Raytrace intersects rays with the backend scene. A nil Distortion
// disables motion distortion; a zero Distortion keeps it enabled with no
// motion.
type Raytrace struct {
	Distortion *Distortion
}

// Compact drops rays that did not hit anything.
type Compact struct{}

func (RaysFromPoses) Kind() NodeKind  { return KindRaysFromPoses }
func (SetRange) Kind() NodeKind       { return KindSetRange }
func (SetRingIDs) Kind() NodeKind     { return KindSetRingIDs }
func (SetTimeOffsets) Kind() NodeKind { return KindSetTimeOffsets }
func (Transform) Kind() NodeKind      { return KindTransform }
func (AngularNoise) Kind() NodeKind   { return KindAngularNoise }
func (Raytrace) Kind() NodeKind       { return KindRaytrace }
func (DistanceNoise) Kind() NodeKind  { return KindDistanceNoise }
func (Compact) Kind() NodeKind        { return KindCompact }

func (p RaysFromPoses) validate() error {
	for i, pose := range p.Poses {
		if !geom.IsFinite(pose) {
			return fmt.Errorf("%w: ray pose %d is not finite", ErrInvalidConfiguration, i)
		}
	}
	return nil
}

func (p SetRange) validate() error {
	for i, r := range p.Ranges {
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("%w: range %d [%v, %v] is not a valid distance window", ErrInvalidConfiguration, i, r.Min, r.Max)
		}
	}
	return nil
}

func (p SetRingIDs) validate() error { return nil }

func (p SetTimeOffsets) validate() error {
	for i, off := range p.Offsets {
		if !finite(off) {
			return fmt.Errorf("%w: time offset %d is not finite", ErrInvalidConfiguration, i)
		}
	}
	return nil
}

func (p Transform) validate() error {
	if !geom.IsFinite(p.T) {
		return fmt.Errorf("%w: transform is not finite", ErrInvalidConfiguration)
	}
	return nil
}

func (p AngularNoise) validate() error {
	if !finite(p.Mean) || !finite(p.StdDev) || p.StdDev < 0 {
		return fmt.Errorf("%w: angular noise mean=%v stddev=%v", ErrInvalidConfiguration, p.Mean, p.StdDev)
	}
	if p.Variant != NoiseRay && p.Variant != NoiseHitpoint {
		return fmt.Errorf("%w: unknown angular noise variant %d", ErrInvalidConfiguration, p.Variant)
	}
	return nil
}

func (p Raytrace) validate() error {
	if p.Distortion == nil {
		return nil
	}
	v, w := p.Distortion.LinearVelocity, p.Distortion.AngularVelocity
	for _, c := range []float64{v.X, v.Y, v.Z, w.X, w.Y, w.Z} {
		if !finite(c) {
			return fmt.Errorf("%w: distortion velocity is not finite", ErrInvalidConfiguration)
		}
	}
	return nil
}

func (p DistanceNoise) validate() error {
	if !finite(p.Mean) || !finite(p.StdDevBase) || !finite(p.StdDevRisePerMeter) ||
		p.StdDevBase < 0 || p.StdDevRisePerMeter < 0 {
		return fmt.Errorf("%w: distance noise mean=%v base=%v rise=%v",
			ErrInvalidConfiguration, p.Mean, p.StdDevBase, p.StdDevRisePerMeter)
	}
	return nil
}

func (Compact) validate() error { return nil }

// rayCount returns the number of per-ray entries carried by metadata
// params, or -1 for kinds that carry none.
func rayCount(p Params) int {
	switch v := p.(type) {
	case SetRange:
		return len(v.Ranges)
	case SetRingIDs:
		return len(v.IDs)
	case SetTimeOffsets:
		return len(v.Offsets)
	default:
		return -1
	}
}

// phase reports on which side of Raytrace a node must sit.
type phase int

const (
	phaseAny phase = iota
	phaseRays
	phasePoints
)

func requiredPhase(p Params) phase {
	switch v := p.(type) {
	case RaysFromPoses, SetRange, SetRingIDs, SetTimeOffsets, Raytrace:
		return phaseRays
	case DistanceNoise, Compact:
		return phasePoints
	case AngularNoise:
		if v.Variant == NoiseHitpoint {
			return phasePoints
		}
		return phaseRays
	default:
		return phaseAny
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
