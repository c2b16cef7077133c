package registration

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// MulVec returns m*v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m*o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return out
}

// Transpose returns the transpose of m.
func (m Mat3) Transpose() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// RigidTransform maps p to Scale*Rotation*p + Translation.
type RigidTransform struct {
	Rotation    Mat3      `json:"rotation" yaml:"rotation"`
	Translation r3.Vector `json:"translation" yaml:"translation"`
	Scale       float64   `json:"scale" yaml:"scale"`
}

// Identity returns the identity transform.
func Identity() RigidTransform {
	return RigidTransform{Rotation: Identity3(), Scale: 1}
}

// Translation creates a translation-only transform.
func Translation(t r3.Vector) RigidTransform {
	return RigidTransform{Rotation: Identity3(), Translation: t, Scale: 1}
}

// RotationAboutAxis creates a rotation of angle radians about axis through
// the origin (Rodrigues' formula). A zero axis yields the identity.
func RotationAboutAxis(axis r3.Vector, angle float64) RigidTransform {
	n := axis.Norm()
	if n == 0 {
		return Identity()
	}
	k := axis.Mul(1 / n)
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	r := Mat3{
		{c + k.X*k.X*t, k.X*k.Y*t - k.Z*s, k.X*k.Z*t + k.Y*s},
		{k.Y*k.X*t + k.Z*s, c + k.Y*k.Y*t, k.Y*k.Z*t - k.X*s},
		{k.Z*k.X*t - k.Y*s, k.Z*k.Y*t + k.X*s, c + k.Z*k.Z*t},
	}
	return RigidTransform{Rotation: r, Scale: 1}
}

// RotationDeg creates a rotation of degrees about axis through the origin.
func RotationDeg(axis r3.Vector, degrees float64) RigidTransform {
	return RotationAboutAxis(axis, degrees*math.Pi/180.0)
}

// Apply transforms a single point.
func (t RigidTransform) Apply(p r3.Vector) r3.Vector {
	return t.Rotation.MulVec(p).Mul(t.Scale).Add(t.Translation)
}

// ApplyAll transforms points in place.
func (t RigidTransform) ApplyAll(points []r3.Vector) {
	for i, p := range points {
		points[i] = t.Apply(p)
	}
}

// Compose returns the transform that applies first and then t:
// result(p) = t(first(p)).
func (t RigidTransform) Compose(first RigidTransform) RigidTransform {
	return RigidTransform{
		Rotation:    t.Rotation.Mul(first.Rotation),
		Translation: t.Rotation.MulVec(first.Translation).Mul(t.Scale).Add(t.Translation),
		Scale:       t.Scale * first.Scale,
	}
}

// Inverse returns the inverse transform. Scale must be non-zero.
func (t RigidTransform) Inverse() RigidTransform {
	rt := t.Rotation.Transpose()
	inv := 1 / t.Scale
	return RigidTransform{
		Rotation:    rt,
		Translation: rt.MulVec(t.Translation).Mul(-inv),
		Scale:       inv,
	}
}

// IsProperRotation reports whether Rotation is orthonormal with determinant +1 within tol.
func (t RigidTransform) IsProperRotation(tol float64) bool {
	rtr := t.Rotation.Transpose().Mul(t.Rotation)
	id := Identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(rtr[i][j]-id[i][j]) > tol {
				return false
			}
		}
	}
	return math.Abs(t.Rotation.Det()-1) <= tol
}

// ApproxEqual compares two transforms component-wise.
func (t RigidTransform) ApproxEqual(o RigidTransform, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(t.Rotation[i][j]-o.Rotation[i][j]) > tol {
				return false
			}
		}
	}
	d := t.Translation.Sub(o.Translation)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol &&
		math.Abs(t.Scale-o.Scale) <= tol
}

// RotationAngle returns the rotation angle in radians.
func (t RigidTransform) RotationAngle() float64 {
	c := (t.Rotation[0][0] + t.Rotation[1][1] + t.Rotation[2][2] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// String formats the transform as a 4x4 homogeneous matrix.
func (t RigidTransform) String() string {
	r := t.Rotation
	s := t.Scale
	return fmt.Sprintf("[% .6f % .6f % .6f % .6f]\n[% .6f % .6f % .6f % .6f]\n[% .6f % .6f % .6f % .6f]\n[% .6f % .6f % .6f % .6f]",
		s*r[0][0], s*r[0][1], s*r[0][2], t.Translation.X,
		s*r[1][0], s*r[1][1], s*r[1][2], t.Translation.Y,
		s*r[2][0], s*r[2][1], s*r[2][2], t.Translation.Z,
		0.0, 0.0, 0.0, 1.0)
}
