// Package model describes LiDAR geometry and noise: laser arrays,
// horizontal sweeps, the ray sets they expand to, and the library of
// built-in sensor presets.
package model

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidConfiguration is the pipeline sentinel, re-exported so callers
// validating a configuration and callers applying it test for one error.
var ErrInvalidConfiguration = pipeline.ErrInvalidConfiguration

// AngularNoiseType selects where angular noise is applied.
type AngularNoiseType int

const (
	RayBased AngularNoiseType = iota
	HitpointBased
)

func (t AngularNoiseType) String() string {
	switch t {
	case RayBased:
		return "ray"
	case HitpointBased:
		return "hitpoint"
	default:
		return fmt.Sprintf("AngularNoiseType(%d)", int(t))
	}
}

// NoiseParams are the gaussian noise settings of a sensor. Angular values
// are degrees, distances metres.
type NoiseParams struct {
	AngularNoiseType                AngularNoiseType
	AngularNoiseMean                float64
	AngularNoiseStdDev              float64
	DistanceNoiseMean               float64
	DistanceNoiseStdDevBase         float64
	DistanceNoiseStdDevRisePerMeter float64
}

// Validate checks that every parameter is finite and deviations are
// non-negative.
func (n NoiseParams) Validate() error {
	if n.AngularNoiseType != RayBased && n.AngularNoiseType != HitpointBased {
		return fmt.Errorf("%w: unknown angular noise type %d", ErrInvalidConfiguration, n.AngularNoiseType)
	}
	for name, v := range map[string]float64{
		"angular_noise_mean":                   n.AngularNoiseMean,
		"angular_noise_stddev":                 n.AngularNoiseStdDev,
		"distance_noise_mean":                  n.DistanceNoiseMean,
		"distance_noise_stddev_base":           n.DistanceNoiseStdDevBase,
		"distance_noise_stddev_rise_per_meter": n.DistanceNoiseStdDevRisePerMeter,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidConfiguration, name)
		}
	}
	if n.AngularNoiseStdDev < 0 || n.DistanceNoiseStdDevBase < 0 || n.DistanceNoiseStdDevRisePerMeter < 0 {
		return fmt.Errorf("%w: noise standard deviations must be non-negative", ErrInvalidConfiguration)
	}
	return nil
}

// RaySet is the expanded per-ray description pushed into a pipeline. The
// four slices are parallel.
type RaySet struct {
	Poses       []geom.Transform
	Ranges      []pipeline.Range
	RingIDs     []int32
	TimeOffsets []float64
}

// Len returns the number of rays.
func (r RaySet) Len() int { return len(r.Poses) }

// Validate enforces the parallel-slice invariant and per-ray sanity.
func (r RaySet) Validate() error {
	n := len(r.Poses)
	if n == 0 {
		return fmt.Errorf("%w: ray set is empty", ErrInvalidConfiguration)
	}
	if len(r.Ranges) != n || len(r.RingIDs) != n || len(r.TimeOffsets) != n {
		return fmt.Errorf("%w: ray set lengths differ (poses=%d ranges=%d rings=%d offsets=%d)",
			ErrInvalidConfiguration, n, len(r.Ranges), len(r.RingIDs), len(r.TimeOffsets))
	}
	for i, p := range r.Poses {
		if !geom.IsFinite(p) {
			return fmt.Errorf("%w: ray pose %d is not finite", ErrInvalidConfiguration, i)
		}
	}
	for i, rg := range r.Ranges {
		if math.IsNaN(rg.Min) || math.IsNaN(rg.Max) || rg.Min < 0 || rg.Max <= rg.Min {
			return fmt.Errorf("%w: ray %d range [%v, %v]", ErrInvalidConfiguration, i, rg.Min, rg.Max)
		}
	}
	return nil
}

// Configuration describes a LiDAR: a laser array swept horizontally, a
// distance window and noise. Configurations are values; changing a sensor's
// model replaces its configuration wholesale.
type Configuration struct {
	Name       string
	LaserArray LaserArray

	// HorizontalSteps rays are fired per laser, evenly spaced from
	// MinHAngleDeg (inclusive) to MaxHAngleDeg (exclusive when the sweep
	// is a full turn).
	HorizontalSteps int
	MinHAngleDeg    float64
	MaxHAngleDeg    float64

	MinRange float64
	MaxRange float64

	// ScanFrequencyHz spreads the horizontal steps over one rotation when
	// computing per-ray time offsets. Zero means every step fires at the
	// laser's own offset.
	ScanFrequencyHz float64

	Noise NoiseParams

	// CustomRays, when set, is used verbatim instead of expanding the
	// laser array.
	CustomRays *RaySet
}

// OriginTransform is the offset from the sensor mount to its centre of
// measurement.
func (c Configuration) OriginTransform() geom.Transform {
	return geom.Translation(c.LaserArray.CenterOfMeasurementOffset)
}

// Validate checks the configuration and the ray set it expands to.
func (c Configuration) Validate() error {
	if err := c.Noise.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	_, err := c.Rays()
	return err
}

// Rays expands the configuration into its ray set.
func (c Configuration) Rays() (RaySet, error) {
	if c.CustomRays != nil {
		if err := c.CustomRays.Validate(); err != nil {
			return RaySet{}, fmt.Errorf("%s: %w", c.Name, err)
		}
		return *c.CustomRays, nil
	}

	if len(c.LaserArray.Lasers) == 0 {
		return RaySet{}, fmt.Errorf("%w: %s has no lasers", ErrInvalidConfiguration, c.Name)
	}
	if c.HorizontalSteps < 1 {
		return RaySet{}, fmt.Errorf("%w: %s horizontal steps %d < 1", ErrInvalidConfiguration, c.Name, c.HorizontalSteps)
	}
	if c.MaxHAngleDeg < c.MinHAngleDeg {
		return RaySet{}, fmt.Errorf("%w: %s horizontal angles [%v, %v]", ErrInvalidConfiguration, c.Name, c.MinHAngleDeg, c.MaxHAngleDeg)
	}
	if c.ScanFrequencyHz < 0 {
		return RaySet{}, fmt.Errorf("%w: %s scan frequency %v", ErrInvalidConfiguration, c.Name, c.ScanFrequencyHz)
	}

	stepDeg := (c.MaxHAngleDeg - c.MinHAngleDeg) / float64(c.HorizontalSteps)
	var stepTime float64
	if c.ScanFrequencyHz > 0 {
		stepTime = 1 / (c.ScanFrequencyHz * float64(c.HorizontalSteps))
	}

	n := c.HorizontalSteps * len(c.LaserArray.Lasers)
	rays := RaySet{
		Poses:       make([]geom.Transform, 0, n),
		Ranges:      make([]pipeline.Range, 0, n),
		RingIDs:     make([]int32, 0, n),
		TimeOffsets: make([]float64, 0, n),
	}
	for step := 0; step < c.HorizontalSteps; step++ {
		hAngle := c.MinHAngleDeg + float64(step)*stepDeg
		for _, l := range c.LaserArray.Lasers {
			pose := geom.TRS(
				r3.Vec{Y: l.VerticalOffset},
				r3.Vec{X: -l.ElevationDeg, Y: hAngle + l.AzimuthOffsetDeg},
			)
			rays.Poses = append(rays.Poses, pose)
			rays.Ranges = append(rays.Ranges, pipeline.Range{Min: c.MinRange, Max: c.MaxRange})
			rays.RingIDs = append(rays.RingIDs, l.RingID)
			rays.TimeOffsets = append(rays.TimeOffsets, l.TimeOffset+float64(step)*stepTime)
		}
	}
	if err := rays.Validate(); err != nil {
		return RaySet{}, fmt.Errorf("%s: %w", c.Name, err)
	}
	return rays, nil
}
