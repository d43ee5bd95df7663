package sensor

import (
	"fmt"
	"math"

	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
)

// MaxCaptureHz bounds AutomaticCaptureHz.
const MaxCaptureHz = 50

// Settings are the user-facing knobs of a sensor.
type Settings struct {
	// AutomaticCaptureHz is the capture rate; 0 disables automatic capture.
	AutomaticCaptureHz float64
	ModelPreset        model.LidarModel

	ApplyDistanceNoise      bool
	ApplyAngularNoise       bool
	ApplyVelocityDistortion bool
}

// DefaultSettings returns a 10 Hz range meter with noise enabled and
// velocity distortion disabled.
func DefaultSettings() Settings {
	return Settings{
		AutomaticCaptureHz: 10,
		ModelPreset:        model.RangeMeter,
		ApplyDistanceNoise: true,
		ApplyAngularNoise:  true,
	}
}

// Validate checks the capture rate.
func (s Settings) Validate() error {
	if math.IsNaN(s.AutomaticCaptureHz) || s.AutomaticCaptureHz < 0 || s.AutomaticCaptureHz > MaxCaptureHz {
		return fmt.Errorf("%w: automatic capture rate %v outside [0, %d] Hz",
			pipeline.ErrInvalidConfiguration, s.AutomaticCaptureHz, MaxCaptureHz)
	}
	return nil
}
