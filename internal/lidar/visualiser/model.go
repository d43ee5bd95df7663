package visualiser

import (
	"time"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
)

// CoordinateFrame names the frame the points of a bundle are expressed in.
type CoordinateFrame uint8

const (
	FrameWorld CoordinateFrame = 0
	FrameLidar CoordinateFrame = 1
)

func (c CoordinateFrame) String() string {
	if c == FrameLidar {
		return "lidar"
	}
	return "world"
}

// FrameBundle is the canonical model of one capture as streamed to
// clients. Every output (gRPC, NATS, UDP) encodes this model.
type FrameBundle struct {
	FrameID         uint64 // capture sequence of the sensor
	Tick            uint64
	TimestampNanos  int64
	SensorID        string
	SensorName      string
	CoordinateFrame CoordinateFrame

	LidarPose       geom.Transform
	Distorted       bool
	LinearVelocity  [3]float64
	AngularVelocity [3]float64

	PointCloud *PointCloudFrame
}

// PointCloudFrame holds the points of a bundle as parallel arrays.
type PointCloudFrame struct {
	X        []float32
	Y        []float32
	Z        []float32
	Distance []float32
	Ring     []int32

	DecimationMode  DecimationMode
	DecimationRatio float32
	PointCount      int
}

// DecimationMode specifies how points were decimated.
type DecimationMode int

const (
	DecimationNone    DecimationMode = 0
	DecimationUniform DecimationMode = 1
	DecimationVoxel   DecimationMode = 2
)

// NewPointCloud converts the hits of a pipeline frame. Misses are skipped.
func NewPointCloud(f pipeline.Frame) *PointCloudFrame {
	n := f.HitCount()
	pc := &PointCloudFrame{
		X:        make([]float32, 0, n),
		Y:        make([]float32, 0, n),
		Z:        make([]float32, 0, n),
		Distance: make([]float32, 0, n),
		Ring:     make([]int32, 0, n),
	}
	for _, p := range f.Points {
		if !p.Hit {
			continue
		}
		pc.X = append(pc.X, float32(p.Position.X))
		pc.Y = append(pc.Y, float32(p.Position.Y))
		pc.Z = append(pc.Z, float32(p.Position.Z))
		pc.Distance = append(pc.Distance, float32(p.Distance))
		pc.Ring = append(pc.Ring, p.RingID)
	}
	pc.PointCount = len(pc.X)
	return pc
}

// FromCapture builds a bundle for a capture and the points read from one
// of its sensor's graphs.
func FromCapture(c sensor.Capture, f pipeline.Frame, cf CoordinateFrame, at time.Time) *FrameBundle {
	b := &FrameBundle{
		FrameID:         c.Sequence,
		Tick:            c.Tick.Seq,
		TimestampNanos:  at.UnixNano(),
		CoordinateFrame: cf,
		LidarPose:       c.LidarPose,
		Distorted:       c.Distorted,
		LinearVelocity:  [3]float64{c.LinearVelocity.X, c.LinearVelocity.Y, c.LinearVelocity.Z},
		AngularVelocity: [3]float64{c.AngularVelocity.X, c.AngularVelocity.Y, c.AngularVelocity.Z},
		PointCloud:      NewPointCloud(f),
	}
	if c.Sensor != nil {
		b.SensorID = c.Sensor.ID().String()
		b.SensorName = c.Sensor.Name()
	}
	return b
}

// Clone returns a deep copy so per-client decimation leaves the shared
// frame untouched.
func (pc *PointCloudFrame) Clone() *PointCloudFrame {
	if pc == nil {
		return nil
	}
	out := *pc
	out.X = append([]float32(nil), pc.X...)
	out.Y = append([]float32(nil), pc.Y...)
	out.Z = append([]float32(nil), pc.Z...)
	out.Distance = append([]float32(nil), pc.Distance...)
	out.Ring = append([]int32(nil), pc.Ring...)
	return &out
}

// withPoints returns a shallow copy of b carrying pc.
func (b *FrameBundle) withPoints(pc *PointCloudFrame) *FrameBundle {
	out := *b
	out.PointCloud = pc
	return &out
}
