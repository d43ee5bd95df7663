package geom

import "math"

// MatrixValidationTolerance is the tolerance for checking rotation matrix
// validity.
const MatrixValidationTolerance = 0.01

// IsRigid checks if t is a valid rigid transform:
// 1. Rotation submatrix has det ≈ 1 (proper rotation, not reflection)
// 2. Last row is [0 0 0 1]
func IsRigid(t Transform) bool {
	if !IsFinite(t) {
		return false
	}

	r00, r01, r02 := t[0], t[1], t[2]
	r10, r11, r12 := t[4], t[5], t[6]
	r20, r21, r22 := t[8], t[9], t[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}

	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// IsFinite reports whether every element of t is a finite number.
func IsFinite(t Transform) bool {
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
