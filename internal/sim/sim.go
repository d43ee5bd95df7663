// Package sim runs the simulator: it builds the scene, executor and
// sensors described by a config.SimConfig and drives them with a
// fixed-step loop, ticking through the registry leader.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/lidarsim/internal/config"
	"github.com/banshee-data/lidarsim/internal/lidar/monitor"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
	"github.com/banshee-data/lidarsim/internal/lidar/publish"
	"github.com/banshee-data/lidarsim/internal/lidar/raytrace"
	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
	"github.com/banshee-data/lidarsim/internal/monitoring"
	"github.com/banshee-data/lidarsim/internal/timeutil"
)

var logf = monitoring.Component("Sim")

// ErrNoSensors is returned by Step when no sensor is active.
var ErrNoSensors = errors.New("no active sensors")

// Simulation owns every simulated component.
type Simulation struct {
	cfg      *config.SimConfig
	clock    *timeutil.SimClock
	wall     timeutil.Clock
	scene    *raytrace.Scene
	executor *pipeline.Executor
	registry *sensor.Registry
	sensors  []*sensor.Sensor
	frames   map[*sensor.Sensor]visualiser.CoordinateFrame
	stats    *monitor.CaptureStats

	logInterval time.Duration
	lastLog     time.Time
	tickErrors  uint64
}

// Option configures a Simulation.
type Option func(*Simulation)

// WithWallClock replaces the real clock used for pacing and periodic
// logging.
func WithWallClock(c timeutil.Clock) Option {
	return func(s *Simulation) { s.wall = c }
}

// WithLogInterval sets how often capture statistics are logged.
func WithLogInterval(d time.Duration) Option {
	return func(s *Simulation) { s.logInterval = d }
}

// WithScene replaces the demo scene. The scene's fixed step must match the
// configured tick step.
func WithScene(scene *raytrace.Scene) Option {
	return func(s *Simulation) { s.scene = scene }
}

// New validates cfg and builds the scene, executor and initialised sensors.
func New(cfg *config.SimConfig, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock, err := timeutil.NewSimClock(cfg.TickStep())
	if err != nil {
		return nil, err
	}
	s := &Simulation{
		cfg:         cfg,
		clock:       clock,
		wall:        timeutil.RealClock{},
		registry:    sensor.NewRegistry(),
		frames:      make(map[*sensor.Sensor]visualiser.CoordinateFrame),
		stats:       monitor.NewCaptureStats(),
		logInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.scene == nil {
		if s.scene, err = raytrace.NewScene(cfg.TickStep(), raytrace.WithWorkers(cfg.GetWorkers())); err != nil {
			return nil, err
		}
		if err := DemoScene(s.scene); err != nil {
			return nil, fmt.Errorf("building demo scene: %w", err)
		}
	} else if s.scene.FixedStep() != cfg.TickStep() {
		return nil, fmt.Errorf("%w: scene step %v does not match tick step %v",
			config.ErrInvalidConfig, s.scene.FixedStep(), cfg.TickStep())
	}
	s.executor = pipeline.NewExecutor(s.scene, pipeline.WithSeed(cfg.GetSeed()))

	for i := range cfg.Sensors {
		sc := &cfg.Sensors[i]
		sn, err := s.newSensor(sc)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("sensor %s: %w", sc.Name, err)
		}
		s.sensors = append(s.sensors, sn)
		s.frames[sn] = visualiser.FrameWorld
		if sc.GetFrame() == "lidar" {
			s.frames[sn] = visualiser.FrameLidar
		}
	}
	publishAll(s, s.stats)
	s.lastLog = s.wall.Now()
	return s, nil
}

func (s *Simulation) newSensor(sc *config.SensorConfig) (*sensor.Sensor, error) {
	mc, err := sc.Configuration()
	if err != nil {
		return nil, err
	}
	sn, err := sensor.New(sc.Name, s.registry, s.executor,
		sensor.WithScene(s.scene),
		sensor.WithPose(sc.PoseSource(s.clock.Elapsed)),
		sensor.WithSettings(sc.Settings()),
		sensor.WithConfiguration(mc),
	)
	if err != nil {
		return nil, err
	}
	if err := sn.Init(); err != nil {
		return nil, err
	}
	logf("sensor %s: %s, %d lasers, %.1f Hz", sn.Name(), mc.Name, len(mc.LaserArray.Lasers), sc.Settings().AutomaticCaptureHz)
	return sn, nil
}

func publishAll(s *Simulation, sinks ...publish.Sink) {
	for _, sn := range s.sensors {
		publish.Attach(sn, s.frames[sn], sinks...)
	}
}

// Attach fans every sensor's captures out to sinks, each sensor in its
// configured coordinate frame.
func (s *Simulation) Attach(sinks ...publish.Sink) {
	publishAll(s, sinks...)
}

// Registry returns the sensor registry.
func (s *Simulation) Registry() *sensor.Registry { return s.registry }

// Sensors returns the sensors in configuration order.
func (s *Simulation) Sensors() []*sensor.Sensor { return s.sensors }

// Scene returns the simulated scene.
func (s *Simulation) Scene() *raytrace.Scene { return s.scene }

// Stats returns the capture statistics every sensor feeds.
func (s *Simulation) Stats() *monitor.CaptureStats { return s.stats }

// Elapsed returns the simulated seconds run so far.
func (s *Simulation) Elapsed() float64 { return s.clock.Elapsed() }

// Step runs one physics tick. A render frame begins every Substeps ticks,
// at the simulated time reached so far.
// Per-sensor capture failures are logged and do not stop the simulation.
func (s *Simulation) Step(ctx context.Context) error {
	leader := s.registry.Leader()
	if leader == nil {
		return ErrNoSensors
	}
	if s.clock.Seq()%uint64(s.cfg.GetSubsteps()) == 0 {
		if _, err := s.scene.BeginFrame(s.clock.Elapsed()); err != nil {
			return err
		}
	}
	seq, dt := s.clock.Advance()
	err := leader.OnTick(ctx, sensor.Tick{Seq: seq, Dt: dt, Frame: s.scene.Frame()})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.tickErrors++
		logf("tick %d: %v", seq, err)
	}
	return nil
}

// Run steps the simulation until ctx is done or the configured duration
// of simulated time has elapsed. With real_time set, ticks are paced
// against the wall clock.
func (s *Simulation) Run(ctx context.Context) error {
	var pacer *timeutil.Pacer
	if s.cfg.GetRealTime() {
		pacer = timeutil.NewPacer(s.wall, time.Duration(s.cfg.TickStep()*float64(time.Second)))
	} else {
		pacer = timeutil.NewPacer(nil, 0)
	}
	defer pacer.Stop()

	limit := s.cfg.GetDuration().Seconds()
	logf("running at %.1f Hz (%d substeps per frame), real time %v", s.cfg.GetTickHz(), s.cfg.GetSubsteps(), s.cfg.GetRealTime())
	for {
		// Half a step of slack absorbs float error in the elapsed time.
		if limit > 0 && s.clock.Elapsed()+s.clock.Step()/2 >= limit {
			logf("reached %.1fs of simulated time", s.clock.Elapsed())
			return nil
		}
		if err := pacer.Wait(ctx); err != nil {
			return nil
		}
		if err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.maybeLogStats(pacer)
	}
}

func (s *Simulation) maybeLogStats(pacer *timeutil.Pacer) {
	if s.logInterval <= 0 || s.wall.Since(s.lastLog) < s.logInterval {
		return
	}
	s.lastLog = s.wall.Now()
	s.stats.LogStats()
	if late := pacer.Late(); late > 0 {
		logf("falling behind real time: %d late ticks", late)
	}
	st := s.executor.Stats()
	logf("executor: %d runs, %d failed, last run %v", st.Runs, st.Failures, st.LastRunTime)
}

// TickErrors returns how many ticks reported a sensor failure.
func (s *Simulation) TickErrors() uint64 { return s.tickErrors }

// Close shuts every sensor down and stops the executor.
func (s *Simulation) Close() {
	for _, sn := range s.sensors {
		sn.Shutdown()
	}
	if s.executor != nil {
		s.executor.Close()
	}
}
