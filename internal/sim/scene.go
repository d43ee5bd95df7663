package sim

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/raytrace"
)

// DemoScene populates scene with a small street: a ground plane, a row of
// buildings either side of the +Z axis, a block straight ahead and two
// moving objects crossing behind the origin.
func DemoScene(scene *raytrace.Scene) error {
	objects := []raytrace.Object{
		{Name: "ground", Shape: raytrace.NewPlane(r3.Vec{}, r3.Vec{Y: 1})},
		{Name: "block-ahead", Shape: raytrace.NewBox(r3.Vec{Y: 3, Z: 20}, r3.Vec{X: 8, Y: 6, Z: 4})},
		{Name: "building-left-1", Shape: raytrace.NewBox(r3.Vec{X: -12, Y: 5, Z: 0}, r3.Vec{X: 6, Y: 10, Z: 12})},
		{Name: "building-left-2", Shape: raytrace.NewBox(r3.Vec{X: -12, Y: 4, Z: 16}, r3.Vec{X: 6, Y: 8, Z: 10})},
		{Name: "building-right-1", Shape: raytrace.NewBox(r3.Vec{X: 12, Y: 6, Z: 4}, r3.Vec{X: 6, Y: 12, Z: 14})},
		{Name: "pole", Shape: raytrace.NewBox(r3.Vec{X: 4, Y: 2.5, Z: 8}, r3.Vec{X: 0.3, Y: 5, Z: 0.3})},
		{
			Name:     "car",
			Shape:    raytrace.NewBox(r3.Vec{X: -30, Y: 0.8, Z: -8}, r3.Vec{X: 4.5, Y: 1.6, Z: 1.9}),
			Velocity: r3.Vec{X: 8},
		},
		{
			Name:     "ball",
			Shape:    raytrace.Sphere{Center: r3.Vec{X: 20, Y: 0.5, Z: -14}, Radius: 0.5},
			Velocity: r3.Vec{X: -2},
		},
	}
	for _, o := range objects {
		if err := scene.Add(o); err != nil {
			return err
		}
	}
	return nil
}
