package sensor

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
)

var infinity = math.Inf(1)

// Validate reconciles the configuration with the model preset. The first
// validation applies the current configuration as is, so a configuration
// supplied with WithConfiguration survives; later validations load the
// preset from the library when the preset changed since the last one.
// The configuration is (re)applied every time.
func (s *Sensor) Validate() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	preset := s.settings.ModelPreset
	first := s.validatedPreset == nil
	changed := first || *s.validatedPreset != preset
	cfg := s.configuration
	s.mu.Unlock()

	if !first && changed {
		var err error
		if cfg, err = model.ByModel(preset); err != nil {
			return err
		}
	}
	if err := s.ApplyConfiguration(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.validatedPreset = &preset
	s.mu.Unlock()
	return nil
}

// SetSettings replaces the settings and revalidates. Invalid settings are
// rejected and the previous ones kept.
func (s *Sensor) SetSettings(st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.settings
	s.settings = st
	s.mu.Unlock()

	if err := s.Validate(); err != nil {
		s.mu.Lock()
		s.settings = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

// SetModelPreset switches to a library preset.
func (s *Sensor) SetModelPreset(m model.LidarModel) error {
	st := s.Settings()
	st.ModelPreset = m
	return s.SetSettings(st)
}

// ApplyConfiguration pushes cfg into the raw graph as one atomic batch and
// toggles the noise nodes. On success the OnLidarModelChange listeners
// fire; on failure nothing changes.
func (s *Sensor) ApplyConfiguration(cfg model.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rays, err := cfg.Rays()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	st := s.settings
	noise := cfg.Noise
	updates := []pipeline.Update{
		{Handle: s.h.rays, Params: pipeline.RaysFromPoses{Poses: rays.Poses}},
		{Handle: s.h.rng, Params: pipeline.SetRange{Ranges: rays.Ranges}},
		{Handle: s.h.rings, Params: pipeline.SetRingIDs{IDs: rays.RingIDs}},
		{Handle: s.h.offsets, Params: pipeline.SetTimeOffsets{Offsets: rays.TimeOffsets}},
		{Handle: s.h.noiseRay, Params: pipeline.AngularNoise{
			Variant: pipeline.NoiseRay,
			Mean:    noise.AngularNoiseMean * geom.Deg2Rad,
			StdDev:  noise.AngularNoiseStdDev * geom.Deg2Rad,
		}},
		{Handle: s.h.noiseHit, Params: pipeline.AngularNoise{
			Variant: pipeline.NoiseHitpoint,
			Mean:    noise.AngularNoiseMean * geom.Deg2Rad,
			StdDev:  noise.AngularNoiseStdDev * geom.Deg2Rad,
		}},
		{Handle: s.h.noiseDist, Params: pipeline.DistanceNoise{
			Mean:               noise.DistanceNoiseMean,
			StdDevBase:         noise.DistanceNoiseStdDevBase,
			StdDevRisePerMeter: noise.DistanceNoiseStdDevRisePerMeter,
		}},
	}
	if !st.ApplyVelocityDistortion {
		updates = append(updates, pipeline.Update{Handle: s.h.raytrace, Params: pipeline.Raytrace{}})
	}
	updates = append(updates,
		pipeline.Toggle(s.h.noiseDist, st.ApplyDistanceNoise),
		pipeline.Toggle(s.h.noiseRay, st.ApplyAngularNoise && noise.AngularNoiseType == model.RayBased),
		pipeline.Toggle(s.h.noiseHit, st.ApplyAngularNoise && noise.AngularNoiseType == model.HitpointBased),
	)
	if err := s.raw.Apply(updates...); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("applying %s to %s: %w", cfg.Name, s.name, err)
	}
	s.configuration = cfg
	s.mu.Unlock()

	s.log("%s configured as %s (%d rays)", s.name, cfg.Name, rays.Len())
	s.fireModelChange(cfg)
	return nil
}
