package publish

import (
	"context"
	"time"

	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
)

// Sink consumes frame bundles. Implementations must not block the caller
// for long: sinks run on the simulation tick.
type Sink interface {
	PublishFrame(b *visualiser.FrameBundle) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(b *visualiser.FrameBundle) error

// PublishFrame calls f.
func (f SinkFunc) PublishFrame(b *visualiser.FrameBundle) error { return f(b) }

// Visualiser adapts a gRPC publisher to Sink.
func Visualiser(p *visualiser.Publisher) Sink {
	return SinkFunc(func(b *visualiser.FrameBundle) error {
		p.Publish(b)
		return nil
	})
}

// Attach reads the points of every capture of s once, in frame cf, and
// hands the bundle to each sink in order. Sink errors are logged.
func Attach(s *sensor.Sensor, cf visualiser.CoordinateFrame, sinks ...Sink) {
	if len(sinks) == 0 {
		return
	}
	s.OnNewData(func(ctx context.Context, c sensor.Capture) {
		read := s.WorldPoints
		if cf == visualiser.FrameLidar {
			read = s.LidarFramePoints
		}
		f, err := read(ctx)
		if err != nil {
			logf("%s: reading points: %v", s.Name(), err)
			return
		}
		b := visualiser.FromCapture(c, f, cf, time.Now())
		for _, sink := range sinks {
			if err := sink.PublishFrame(b); err != nil {
				logf("%s: frame %d: %v", s.Name(), b.FrameID, err)
			}
		}
	})
}
