// Package sensor simulates rotating LiDARs on top of the pipeline graph.
// A Sensor owns a raw ray-tracing graph and two subgraphs (compacted world
// points and points in the lidar frame), applies model configurations to
// them, and captures at a fixed rate driven by the physics tick. All
// sensors of a Registry are driven by its leader so that every capture of a
// tick is enqueued before any listener is notified.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
	"github.com/banshee-data/lidarsim/internal/monitoring"
)

var (
	// ErrMissingCollaborator is returned by Init when the sensor has no
	// scene provider or pose source. The sensor shuts itself down.
	ErrMissingCollaborator = errors.New("sensor collaborator missing")
	// ErrInvalidTick is returned for a negative or non-finite tick step.
	ErrInvalidTick = errors.New("invalid tick")
	// ErrStaleTick is returned when the leader is ticked with a sequence
	// number it has already driven.
	ErrStaleTick = errors.New("stale tick sequence")
	// ErrShutdown is returned when using a sensor after Shutdown.
	ErrShutdown = errors.New("sensor shut down")
)

// Node ids of the sensor graphs.
const (
	NodeRays          = "LIDAR_RAYS"
	NodeRange         = "LIDAR_RANGE"
	NodeRings         = "LIDAR_RINGS"
	NodeTimeOffsets   = "LIDAR_OFFSETS"
	NodePose          = "LIDAR_POSE"
	NodeNoiseRay      = "NOISE_LIDAR_RAY"
	NodeRaytrace      = "LIDAR_RAYTRACE"
	NodeNoiseHitpoint = "NOISE_HITPOINT"
	NodeNoiseDistance = "NOISE_DISTANCE"
	NodeCompact       = "POINTS_COMPACT"
	NodeToLidarFrame  = "TO_LIDAR_FRAME"
)

// captureEpsilon absorbs float accumulation so that e.g. six 1/60 s ticks
// trigger a 10 Hz capture.
const captureEpsilon = 1e-5

// SceneProvider advances the traced scene to the given number of physics
// steps into the current render frame.
type SceneProvider interface {
	AdvanceTo(substeps int) error
}

// PoseSource reports the sensor mount's world transform.
type PoseSource interface {
	WorldTransform() geom.Transform
}

// PoseFunc adapts a function to PoseSource.
type PoseFunc func() geom.Transform

// WorldTransform calls f.
func (f PoseFunc) WorldTransform() geom.Transform { return f() }

// StaticPose is a PoseSource that never moves.
type StaticPose geom.Transform

// WorldTransform returns the fixed pose.
func (p StaticPose) WorldTransform() geom.Transform { return geom.Transform(p) }

// Tick is one physics step. Seq must increase by at least one per step;
// Frame is the render frame the step belongs to.
type Tick struct {
	Seq   uint64
	Dt    float64
	Frame uint64
}

// Capture describes one completed capture, delivered to OnNewData
// listeners after the sensor's run finished.
type Capture struct {
	Sensor    *Sensor
	Tick      Tick
	Sequence  uint64
	LidarPose geom.Transform
	Distorted bool

	LinearVelocity  r3.Vec // m/s, sensor frame
	AngularVelocity r3.Vec // rad/s, sensor frame
}

// NewDataFunc receives captures.
type NewDataFunc func(ctx context.Context, c Capture)

// ModelChangeFunc receives the configuration a sensor switched to.
type ModelChangeFunc func(s *Sensor, cfg model.Configuration)

// Sensor is a simulated LiDAR.
type Sensor struct {
	id       uuid.UUID
	name     string
	registry *Registry
	scene    SceneProvider
	pose     PoseSource
	log      func(format string, v ...interface{})

	raw        *pipeline.Graph
	compact    *pipeline.Graph
	lidarFrame *pipeline.Graph
	h          handles

	mu              sync.Mutex
	settings        Settings
	configuration   model.Configuration
	validatedPreset *model.LidarModel
	shutdown        bool

	timer            float64
	lastTransform    geom.Transform
	currentTransform geom.Transform
	substeps         int
	lastFrame        uint64
	seenFrame        bool
	lastDt           float64
	lastTick         Tick
	pending          *Capture
	captures         uint64

	listenerMu    sync.Mutex
	onNewData     []NewDataFunc
	onModelChange []ModelChangeFunc
}

type handles struct {
	rays, rng, rings, offsets, pose pipeline.Handle
	noiseRay, raytrace, noiseHit    pipeline.Handle
	noiseDist, compact, toLidar     pipeline.Handle
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithScene sets the scene provider.
func WithScene(sp SceneProvider) Option {
	return func(s *Sensor) { s.scene = sp }
}

// WithPose sets the pose source.
func WithPose(ps PoseSource) Option {
	return func(s *Sensor) { s.pose = ps }
}

// WithSettings replaces the default settings.
func WithSettings(st Settings) Option {
	return func(s *Sensor) { s.settings = st }
}

// WithConfiguration sets the configuration applied on the first
// validation, in place of the preset library entry.
func WithConfiguration(cfg model.Configuration) Option {
	return func(s *Sensor) { s.configuration = cfg }
}

// WithID fixes the sensor id instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(s *Sensor) { s.id = id }
}

// New builds a sensor and its graphs. The raw graph runs on ex. The
// sensor is inactive until Init.
func New(name string, registry *Registry, ex *pipeline.Executor, opts ...Option) (*Sensor, error) {
	if registry == nil || ex == nil {
		return nil, fmt.Errorf("%w: registry and executor are required", ErrMissingCollaborator)
	}
	s := &Sensor{
		id:            uuid.New(),
		name:          name,
		registry:      registry,
		settings:      DefaultSettings(),
		configuration: model.RangeMeterConfiguration(),
		log:           monitoring.Component("Sensor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.settings.Validate(); err != nil {
		return nil, err
	}

	if err := s.buildGraphs(ex); err != nil {
		return nil, fmt.Errorf("building graphs for %s: %w", name, err)
	}
	s.lastTransform = geom.Identity()
	s.currentTransform = geom.Identity()
	return s, nil
}

func (s *Sensor) buildGraphs(ex *pipeline.Executor) error {
	unbounded := pipeline.Range{Min: 0, Max: infinity}
	s.raw = pipeline.NewGraph(s.name+"/lidar", pipeline.WithExecutor(ex))
	steps := []struct {
		id string
		p  pipeline.Params
		h  *pipeline.Handle
	}{
		{NodeRays, pipeline.RaysFromPoses{Poses: []geom.Transform{geom.Identity()}}, &s.h.rays},
		{NodeRange, pipeline.SetRange{Ranges: []pipeline.Range{unbounded}}, &s.h.rng},
		{NodeRings, pipeline.SetRingIDs{IDs: []int32{0}}, &s.h.rings},
		{NodeTimeOffsets, pipeline.SetTimeOffsets{Offsets: []float64{0}}, &s.h.offsets},
		{NodePose, pipeline.Transform{T: geom.Identity()}, &s.h.pose},
		{NodeNoiseRay, pipeline.AngularNoise{Variant: pipeline.NoiseRay}, &s.h.noiseRay},
		{NodeRaytrace, pipeline.Raytrace{}, &s.h.raytrace},
		{NodeNoiseHitpoint, pipeline.AngularNoise{Variant: pipeline.NoiseHitpoint}, &s.h.noiseHit},
		{NodeNoiseDistance, pipeline.DistanceNoise{}, &s.h.noiseDist},
	}
	for _, st := range steps {
		h, err := s.raw.Add(st.id, st.p)
		if err != nil {
			return err
		}
		*st.h = h
	}

	var err error
	s.compact = pipeline.NewGraph(s.name + "/compact")
	if s.h.compact, err = s.compact.Add(NodeCompact, pipeline.Compact{}); err != nil {
		return err
	}
	s.lidarFrame = pipeline.NewGraph(s.name + "/lidar_frame")
	if s.h.toLidar, err = s.lidarFrame.Add(NodeToLidarFrame, pipeline.Transform{T: geom.Identity()}); err != nil {
		return err
	}

	if err := pipeline.Connect(s.raw, s.compact); err != nil {
		return err
	}
	return pipeline.Connect(s.compact, s.lidarFrame)
}

// ID returns the sensor's unique id.
func (s *Sensor) ID() uuid.UUID { return s.id }

// Name returns the sensor's name.
func (s *Sensor) Name() string { return s.name }

// Settings returns the current settings.
func (s *Sensor) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Configuration returns the active configuration.
func (s *Sensor) Configuration() model.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configuration
}

// Captures returns how many captures have been enqueued.
func (s *Sensor) Captures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

// Init activates the sensor: it checks collaborators, validates the
// configuration, seeds both transforms with the current pose and joins the
// registry. Without a scene provider or pose source the sensor shuts
// itself down and returns ErrMissingCollaborator.
func (s *Sensor) Init() error {
	if s.scene == nil || s.pose == nil {
		s.log("%s has no scene provider or pose source, shutting down", s.name)
		s.Shutdown()
		return ErrMissingCollaborator
	}
	if err := s.Validate(); err != nil {
		return err
	}

	pose := s.pose.WorldTransform()
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.lastTransform = pose
	s.currentTransform = pose
	s.mu.Unlock()

	s.registry.Add(s)
	return nil
}

// Shutdown removes the sensor from its registry. If it was the leader the
// next sensor drives subsequent ticks. Shutdown is idempotent.
func (s *Sensor) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.pending = nil
	s.mu.Unlock()
	s.registry.Remove(s)
}

// OnNewData registers a listener fired after each capture completes.
// Listeners run on the tick goroutine in registration order.
func (s *Sensor) OnNewData(f NewDataFunc) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onNewData = append(s.onNewData, f)
}

// OnLidarModelChange registers a listener fired after a configuration is
// applied.
func (s *Sensor) OnLidarModelChange(f ModelChangeFunc) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onModelChange = append(s.onModelChange, f)
}

// ConnectToWorldFrame makes g consume this sensor's world-frame points,
// compacted (hits only) or raw.
func (s *Sensor) ConnectToWorldFrame(g *pipeline.Graph, compacted bool) error {
	if compacted {
		return pipeline.Connect(s.compact, g)
	}
	return pipeline.Connect(s.raw, g)
}

// ConnectToLidarFrame makes g consume compacted points expressed in the
// lidar frame.
func (s *Sensor) ConnectToLidarFrame(g *pipeline.Graph) error {
	return pipeline.Connect(s.lidarFrame, g)
}

// WorldPoints waits for the latest capture and returns its compacted
// world-frame points.
func (s *Sensor) WorldPoints(ctx context.Context) (pipeline.Frame, error) {
	return s.compact.Output(ctx)
}

// LidarFramePoints waits for the latest capture and returns its compacted
// points in the lidar frame.
func (s *Sensor) LidarFramePoints(ctx context.Context) (pipeline.Frame, error) {
	return s.lidarFrame.Output(ctx)
}

func (s *Sensor) fireModelChange(cfg model.Configuration) {
	s.listenerMu.Lock()
	listeners := append([]ModelChangeFunc(nil), s.onModelChange...)
	s.listenerMu.Unlock()
	for _, f := range listeners {
		f(s, cfg)
	}
}

func (s *Sensor) fireNewData(ctx context.Context, c Capture) {
	s.listenerMu.Lock()
	listeners := append([]NewDataFunc(nil), s.onNewData...)
	s.listenerMu.Unlock()
	for _, f := range listeners {
		f(ctx, c)
	}
}
