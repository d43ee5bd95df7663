// Package config loads the simulator's JSON configuration. Every field is
// optional: the Get* accessors supply defaults for anything omitted, so a
// partial file (or none at all) describes a runnable simulation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024 // 1MB

// SimConfig is the root of the simulator configuration.
type SimConfig struct {
	// TickHz is the rate of the fixed physics step.
	TickHz *float64 `json:"tick_hz,omitempty"`
	// Substeps is the number of physics ticks per render frame.
	Substeps *int `json:"substeps,omitempty"`
	// RealTime paces ticks against the wall clock; false runs flat out.
	RealTime *bool `json:"real_time,omitempty"`
	// Duration stops the run after this much simulated time ("" runs until
	// interrupted).
	Duration *string `json:"duration,omitempty"`
	Seed     *uint64 `json:"seed,omitempty"`
	Workers  *int    `json:"workers,omitempty"`

	Sensors []SensorConfig `json:"sensors,omitempty"`
	Outputs OutputConfig   `json:"outputs"`
}

// SensorConfig describes one simulated sensor.
type SensorConfig struct {
	Name string `json:"name"`
	// Model is a preset name (see model.Models).
	Model *string `json:"model,omitempty"`
	// LaserCSV replaces the preset's laser table with one loaded from disk.
	LaserCSV *string `json:"laser_csv,omitempty"`

	CaptureHz          *float64 `json:"capture_hz,omitempty"`
	DistanceNoise      *bool    `json:"distance_noise,omitempty"`
	AngularNoise       *bool    `json:"angular_noise,omitempty"`
	VelocityDistortion *bool    `json:"velocity_distortion,omitempty"`

	// Position (metres) and Rotation (Euler degrees) of the mount.
	Position *[3]float64 `json:"position,omitempty"`
	Rotation *[3]float64 `json:"rotation,omitempty"`

	// Orbit moves the mount around a vertical axis through Position.
	Orbit *OrbitConfig `json:"orbit,omitempty"`

	// Frame selects the coordinate frame published downstream: "world"
	// or "lidar".
	Frame *string `json:"frame,omitempty"`
}

// OrbitConfig is a circular path in the ground plane.
type OrbitConfig struct {
	Radius        float64 `json:"radius"`
	PeriodSeconds float64 `json:"period_seconds"`
}

// OutputConfig lists the consumers of captured frames. An empty address
// disables that consumer.
type OutputConfig struct {
	HTTPAddr    *string `json:"http_addr,omitempty"`
	GRPCAddr    *string `json:"grpc_addr,omitempty"`
	ForwardAddr *string `json:"forward_addr,omitempty"`
	ForwardPort *int    `json:"forward_port,omitempty"`
	PcapPath    *string `json:"pcap_path,omitempty"`
	NATSURL     *string `json:"nats_url,omitempty"`
	NATSPrefix  *string `json:"nats_prefix,omitempty"`
	DBPath      *string `json:"db_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultSimConfig returns a configuration with a single orbiting VLP-16
// and the HTTP monitor as the only output.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		TickHz:   ptrFloat64(50),
		Substeps: ptrInt(1),
		RealTime: ptrBool(true),
		Sensors: []SensorConfig{{
			Name:      "lidar0",
			Model:     ptrString(model.VelodyneVLP16.String()),
			CaptureHz: ptrFloat64(10),
			Position:  &[3]float64{0, 1.8, 0},
			Orbit:     &OrbitConfig{Radius: 5, PeriodSeconds: 20},
		}},
		Outputs: OutputConfig{
			HTTPAddr: ptrString("localhost:8081"),
		},
	}
}

// LoadSimConfig loads a SimConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadSimConfig(path string) (*SimConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &SimConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks that the configuration values are valid.
func (c *SimConfig) Validate() error {
	if c.TickHz != nil && (!(*c.TickHz > 0) || *c.TickHz > 1000) {
		return invalid("tick_hz must be in (0, 1000], got %v", *c.TickHz)
	}
	if c.Substeps != nil && (*c.Substeps < 1 || *c.Substeps > 100) {
		return invalid("substeps must be in [1, 100], got %d", *c.Substeps)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return invalid("workers must be non-negative, got %d", *c.Workers)
	}
	if c.Duration != nil && *c.Duration != "" {
		d, err := time.ParseDuration(*c.Duration)
		if err != nil {
			return invalid("duration '%s': %v", *c.Duration, err)
		}
		if d <= 0 {
			return invalid("duration must be positive, got %s", d)
		}
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.Name == "" {
			return invalid("sensor %d has no name", i)
		}
		if seen[s.Name] {
			return invalid("duplicate sensor name %q", s.Name)
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sensor %q: %w", s.Name, err)
		}
	}
	return c.Outputs.Validate()
}

// Validate checks one sensor entry.
func (s *SensorConfig) Validate() error {
	if s.Model != nil {
		if _, err := model.ParseModel(*s.Model); err != nil {
			return invalid("%v", err)
		}
	}
	if s.CaptureHz != nil {
		if err := (sensor.Settings{AutomaticCaptureHz: *s.CaptureHz}).Validate(); err != nil {
			return invalid("%v", err)
		}
	}
	for _, v := range [][3]float64{s.GetPosition(), s.GetRotation()} {
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return invalid("pose components must be finite")
			}
		}
	}
	if o := s.Orbit; o != nil {
		if !(o.Radius >= 0) || math.IsInf(o.Radius, 0) {
			return invalid("orbit radius must be non-negative, got %v", o.Radius)
		}
		if !(o.PeriodSeconds > 0) || math.IsInf(o.PeriodSeconds, 0) {
			return invalid("orbit period must be positive, got %v", o.PeriodSeconds)
		}
	}
	if s.Frame != nil && *s.Frame != "world" && *s.Frame != "lidar" {
		return invalid("frame must be \"world\" or \"lidar\", got %q", *s.Frame)
	}
	return nil
}

// Validate checks the output endpoints.
func (o *OutputConfig) Validate() error {
	if o.ForwardPort != nil && (*o.ForwardPort < 0 || *o.ForwardPort > 65535) {
		return invalid("forward_port out of range: %d", *o.ForwardPort)
	}
	if o.GetForwardPort() != 0 && o.GetForwardAddr() == "" {
		return invalid("forward_port set without forward_addr")
	}
	if o.GetPcapPath() != "" && o.GetForwardPort() == 0 {
		return invalid("pcap_path records forwarded datagrams and needs forward_port")
	}
	return nil
}

// GetTickHz returns the tick_hz value or the default.
func (c *SimConfig) GetTickHz() float64 {
	if c.TickHz == nil {
		return 50
	}
	return *c.TickHz
}

// GetSubsteps returns the substeps value or the default.
func (c *SimConfig) GetSubsteps() int {
	if c.Substeps == nil {
		return 1
	}
	return *c.Substeps
}

// TickStep is the simulated seconds per physics tick, which is also the
// scene's fixed step.
func (c *SimConfig) TickStep() float64 {
	return 1 / c.GetTickHz()
}

// FrameHz is the render frame rate.
func (c *SimConfig) FrameHz() float64 {
	return c.GetTickHz() / float64(c.GetSubsteps())
}

// GetRealTime returns the real_time value or the default.
func (c *SimConfig) GetRealTime() bool {
	if c.RealTime == nil {
		return true
	}
	return *c.RealTime
}

// GetDuration parses and returns the Duration; zero means unbounded.
func (c *SimConfig) GetDuration() time.Duration {
	if c.Duration == nil || *c.Duration == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.Duration)
	if err != nil {
		return 0
	}
	return d
}

// GetSeed returns the seed value or the default.
func (c *SimConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetWorkers returns the workers value; 0 lets the scene pick.
func (c *SimConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetModel returns the parsed preset, RangeMeter when unset.
func (s *SensorConfig) GetModel() model.LidarModel {
	if s.Model == nil {
		return model.RangeMeter
	}
	m, err := model.ParseModel(*s.Model)
	if err != nil {
		return model.RangeMeter
	}
	return m
}

// GetLaserCSV returns the laser_csv path or "".
func (s *SensorConfig) GetLaserCSV() string {
	if s.LaserCSV == nil {
		return ""
	}
	return *s.LaserCSV
}

// GetFrame returns the frame value or the default "world".
func (s *SensorConfig) GetFrame() string {
	if s.Frame == nil {
		return "world"
	}
	return *s.Frame
}

// GetPosition returns the mount position or the origin.
func (s *SensorConfig) GetPosition() [3]float64 {
	if s.Position == nil {
		return [3]float64{}
	}
	return *s.Position
}

// GetRotation returns the mount rotation or zero.
func (s *SensorConfig) GetRotation() [3]float64 {
	if s.Rotation == nil {
		return [3]float64{}
	}
	return *s.Rotation
}

// Settings converts the entry into sensor settings, starting from
// sensor.DefaultSettings.
func (s *SensorConfig) Settings() sensor.Settings {
	st := sensor.DefaultSettings()
	st.ModelPreset = s.GetModel()
	if s.CaptureHz != nil {
		st.AutomaticCaptureHz = *s.CaptureHz
	}
	if s.DistanceNoise != nil {
		st.ApplyDistanceNoise = *s.DistanceNoise
	}
	if s.AngularNoise != nil {
		st.ApplyAngularNoise = *s.AngularNoise
	}
	if s.VelocityDistortion != nil {
		st.ApplyVelocityDistortion = *s.VelocityDistortion
	}
	return st
}

// Configuration returns the preset configuration with the laser table
// replaced when LaserCSV is set.
func (s *SensorConfig) Configuration() (model.Configuration, error) {
	cfg, err := model.ByModel(s.GetModel())
	if err != nil {
		return model.Configuration{}, err
	}
	path := s.GetLaserCSV()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return model.Configuration{}, fmt.Errorf("laser table: %w", err)
	}
	defer f.Close()
	lasers, err := model.LoadLaserArrayCSV(f)
	if err != nil {
		return model.Configuration{}, fmt.Errorf("laser table %s: %w", path, err)
	}
	cfg.LaserArray = lasers
	cfg.Name = cfg.Name + "+" + filepath.Base(path)
	return cfg, nil
}

// PoseAt returns the mount transform at simulated time t. Without an
// orbit the mount is static. On an orbit the sensor circles Position in
// the ground plane, starting at +Z and facing along its direction of
// travel, with Rotation applied on top of that heading.
func (s *SensorConfig) PoseAt(t float64) geom.Transform {
	p, rot := s.GetPosition(), s.GetRotation()
	centre := r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	euler := r3.Vec{X: rot[0], Y: rot[1], Z: rot[2]}
	o := s.Orbit
	if o == nil || o.Radius == 0 {
		return geom.TRS(centre, euler)
	}
	theta := 2 * math.Pi * t / o.PeriodSeconds
	sin, cos := math.Sincos(theta)
	pos := r3.Add(centre, r3.Vec{X: o.Radius * sin, Z: o.Radius * cos})
	// Forward (sin ψ, 0, cos ψ) matches the tangent (cos θ, 0, -sin θ) at ψ = θ + 90°.
	euler.Y += theta*geom.Rad2Deg + 90
	return geom.TRS(pos, euler)
}

// PoseSource adapts PoseAt to a sensor pose source reading simulated time
// from now.
func (s *SensorConfig) PoseSource(now func() float64) sensor.PoseSource {
	if s.Orbit == nil || s.Orbit.Radius == 0 {
		return sensor.StaticPose(s.PoseAt(0))
	}
	return sensor.PoseFunc(func() geom.Transform { return s.PoseAt(now()) })
}

// GetHTTPAddr returns the http_addr value or the default.
func (o *OutputConfig) GetHTTPAddr() string {
	if o.HTTPAddr == nil {
		return "localhost:8081"
	}
	return *o.HTTPAddr
}

// GetGRPCAddr returns the grpc_addr value or "" (disabled).
func (o *OutputConfig) GetGRPCAddr() string {
	if o.GRPCAddr == nil {
		return ""
	}
	return *o.GRPCAddr
}

// GetForwardAddr returns the forward_addr value or "".
func (o *OutputConfig) GetForwardAddr() string {
	if o.ForwardAddr == nil {
		return ""
	}
	return *o.ForwardAddr
}

// GetForwardPort returns the forward_port value or 0 (disabled).
func (o *OutputConfig) GetForwardPort() int {
	if o.ForwardPort == nil {
		return 0
	}
	return *o.ForwardPort
}

// GetPcapPath returns the pcap_path value or "".
func (o *OutputConfig) GetPcapPath() string {
	if o.PcapPath == nil {
		return ""
	}
	return *o.PcapPath
}

// GetNATSURL returns the nats_url value or "" (disabled).
func (o *OutputConfig) GetNATSURL() string {
	if o.NATSURL == nil {
		return ""
	}
	return *o.NATSURL
}

// GetNATSPrefix returns the nats_prefix value or the default.
func (o *OutputConfig) GetNATSPrefix() string {
	if o.NATSPrefix == nil || *o.NATSPrefix == "" {
		return "lidar"
	}
	return *o.NATSPrefix
}

// GetDBPath returns the db_path value or "" (capture log disabled).
func (o *OutputConfig) GetDBPath() string {
	if o.DBPath == nil {
		return ""
	}
	return *o.DBPath
}
