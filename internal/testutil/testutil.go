// Package testutil provides shared fixtures for simulator tests: a
// ready-to-capture rig of scene, executor and sensor registry, plus small
// HTTP assertion helpers.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/lidar/pipeline"
	"github.com/banshee-data/lidarsim/internal/lidar/raytrace"
	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
	"github.com/banshee-data/lidarsim/internal/monitoring"
)

// Step is the rig's physics step. At the maximum capture rate every step
// captures.
const Step = 1.0 / sensor.MaxCaptureHz

// WallDistance is how far in front of the origin the rig's wall stands.
const WallDistance = 10.0

// Rig is a scene with a wall facing the origin, an executor tracing against
// it and a registry.
type Rig struct {
	Scene    *raytrace.Scene
	Executor *pipeline.Executor
	Registry *sensor.Registry
	seq      uint64
}

// NewRig builds a rig and routes diagnostic logs to t.
func NewRig(t testing.TB) *Rig {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	scene, err := raytrace.NewScene(Step, raytrace.WithWorkers(1))
	AssertNoError(t, err)
	AssertNoError(t, scene.Add(raytrace.Object{
		Name:  "wall",
		Shape: raytrace.NewPlane(r3.Vec{Z: WallDistance}, r3.Vec{Z: -1}),
	}))

	ex := pipeline.NewExecutor(scene, pipeline.WithSeed(1))
	t.Cleanup(ex.Close)
	return &Rig{Scene: scene, Executor: ex, Registry: sensor.NewRegistry()}
}

// SmallConfig is a 2 × 3 ray noiseless configuration looking down +Z.
func SmallConfig() model.Configuration {
	return model.Configuration{
		Name:            "small",
		LaserArray:      model.UniformLaserArray(2, -1, 1),
		HorizontalSteps: 3,
		MinHAngleDeg:    -10,
		MaxHAngleDeg:    10,
		MinRange:        0.1,
		MaxRange:        100,
		ScanFrequencyHz: 10,
	}
}

// Sensor creates and initialises a sensor at the origin capturing every
// step with SmallConfig and noise off. opts are applied after the defaults.
func (r *Rig) Sensor(t testing.TB, name string, opts ...sensor.Option) *sensor.Sensor {
	t.Helper()
	base := []sensor.Option{
		sensor.WithScene(r.Scene),
		sensor.WithPose(sensor.StaticPose(geom.Identity())),
		sensor.WithConfiguration(SmallConfig()),
		sensor.WithSettings(sensor.Settings{AutomaticCaptureHz: sensor.MaxCaptureHz}),
	}
	s, err := sensor.New(name, r.Registry, r.Executor, append(base, opts...)...)
	AssertNoError(t, err)
	AssertNoError(t, s.Init())
	return s
}

// Step starts a render frame and drives one tick through the registry
// leader.
func (r *Rig) Step(t testing.TB) {
	t.Helper()
	leader := r.Registry.Leader()
	if leader == nil {
		t.Fatal("rig has no active sensor")
	}
	frame, err := r.Scene.BeginFrame(float64(r.seq) * Step)
	AssertNoError(t, err)
	r.seq++
	err = leader.OnTick(context.Background(), sensor.Tick{Seq: r.seq, Dt: Step, Frame: frame})
	AssertNoError(t, err)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Get serves a GET request for path against h.
func Get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}
