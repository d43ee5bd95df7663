// Package geom holds the rigid-transform and angle helpers shared by the
// LiDAR pipeline, the reference backend and the sensor.
//
// Transforms are 4×4 homogeneous matrices stored row-major in a
// [16]float64, the same layout the pose store has always used. The frame
// convention is X=right, Y=up, Z=forward: column 1 of a pose is its up
// axis and column 2 its forward axis.
package geom
