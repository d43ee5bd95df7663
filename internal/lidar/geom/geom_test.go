package geom

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func vecNear(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

func TestDeltaAngle(t *testing.T) {
	tests := []struct {
		current, target, want float64
	}{
		{359, 2, 3},
		{2, 359, -3},
		{0, 180, 180},
		{0, 181, -179},
		{10, 10, 0},
		{-90, 90, 180},
		{720, 1, 1},
	}
	for _, tt := range tests {
		got := DeltaAngle(tt.current, tt.target)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("DeltaAngle(%v, %v) = %v, want %v", tt.current, tt.target, got, tt.want)
		}
	}
}

func TestNormalizeEulerDelta(t *testing.T) {
	got := NormalizeEulerDelta(r3.Vec{X: -357, Y: 357, Z: 10})
	want := r3.Vec{X: 3, Y: -3, Z: 10}
	if !vecNear(got, want, 1e-9) {
		t.Fatalf("NormalizeEulerDelta = %+v, want %+v", got, want)
	}
}

func TestLookRotationEuler_RoundTrip(t *testing.T) {
	cases := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 0, Y: 359, Z: 0},
		{X: 0, Y: 2, Z: 0},
		{X: 10, Y: 45, Z: 5},
		{X: 350, Y: 120, Z: 30},
	}
	for _, euler := range cases {
		rot := RotationEuler(euler)
		got := rot.EulerAngles()
		if !vecNear(got, euler, 1e-6) {
			t.Errorf("EulerAngles(RotationEuler(%+v)) = %+v", euler, got)
		}
	}
}

func TestLookRotationEuler_Degenerate(t *testing.T) {
	if got := LookRotationEuler(r3.Vec{}, r3.Vec{Y: 1}); got != (r3.Vec{}) {
		t.Errorf("zero forward should give zero angles, got %+v", got)
	}
	got := LookRotationEuler(r3.Vec{Y: 1}, r3.Vec{Y: 1})
	if math.Abs(got.X-270) > 1e-6 {
		t.Errorf("forward=up should pitch to 270 (straight up), got %+v", got)
	}
}

func TestTransform_InverseAndMul(t *testing.T) {
	pose := TRS(r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 10, Y: 20, Z: 30})
	inv, err := pose.Inverse()
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	if !pose.Mul(inv).ApproxEqual(Identity(), 1e-9) {
		t.Fatalf("pose·inverse is not identity: %v", pose.Mul(inv))
	}

	p := r3.Vec{X: 4, Y: -1, Z: 0.5}
	back := inv.ApplyPoint(pose.ApplyPoint(p))
	if !vecNear(back, p, 1e-9) {
		t.Fatalf("round trip point = %+v, want %+v", back, p)
	}
}

func TestTransform_InverseSingular(t *testing.T) {
	if _, err := (Transform{}).Inverse(); err == nil {
		t.Fatal("expected error inverting the zero matrix")
	}
}

func TestInverseTransformDirection(t *testing.T) {
	// Yawed 90°: local forward (+Z) points along world +X.
	pose := RotationEuler(r3.Vec{Y: 90})
	world := r3.Vec{X: 2}
	local := pose.InverseTransformDirection(world)
	if !vecNear(local, r3.Vec{Z: 2}, 1e-9) {
		t.Fatalf("local = %+v, want {0 0 2}", local)
	}

	// Scale is ignored.
	scaled := pose.Mul(Transform{2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 1})
	if got := scaled.InverseTransformDirection(world); !vecNear(got, r3.Vec{Z: 2}, 1e-9) {
		t.Fatalf("scaled local = %+v, want {0 0 2}", got)
	}
}

func TestRotationAbout(t *testing.T) {
	rot := RotationAbout(r3.Vec{Y: 1}, math.Pi/2)
	got := rot.ApplyDirection(r3.Vec{Z: 1})
	if !vecNear(got, r3.Vec{X: 1}, 1e-9) {
		t.Fatalf("rotating +Z by 90° about +Y = %+v, want +X", got)
	}
	if !RotationAbout(r3.Vec{Y: 1}, 0.3).ApproxEqual(RotationEuler(r3.Vec{Y: 0.3 * Rad2Deg}), 1e-9) {
		t.Fatal("RotationAbout(Y) disagrees with RotationEuler yaw")
	}
}

func TestIsRigid(t *testing.T) {
	if !IsRigid(Identity()) {
		t.Error("identity should be rigid")
	}
	if !IsRigid(TRS(r3.Vec{X: 5}, r3.Vec{Y: 33})) {
		t.Error("TRS should be rigid")
	}
	if IsRigid(Transform{}) {
		t.Error("zero matrix should not be rigid")
	}
	bad := Identity()
	bad[12] = 1
	if IsRigid(bad) {
		t.Error("non-affine last row should not be rigid")
	}
	nan := Identity()
	nan[3] = math.NaN()
	if IsRigid(nan) || IsFinite(nan) {
		t.Error("NaN translation should be rejected")
	}
}
