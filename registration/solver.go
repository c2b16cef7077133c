package registration

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Filter restricts the degrees of freedom of an estimated transform.
type Filter uint16

const (
	// SkipRYZ forbids rotation about Y and Z: only rotation about X remains.
	SkipRYZ Filter = 1 << iota
	// SkipRXZ forbids rotation about X and Z: only rotation about Y remains.
	SkipRXZ
	// SkipRXY forbids rotation about X and Y: only rotation about Z remains.
	SkipRXY
	SkipTX
	SkipTY
	SkipTZ

	SkipRotation    = SkipRYZ | SkipRXZ | SkipRXY
	SkipTranslation = SkipTX | SkipTY | SkipTZ
)

// rankTolerance is the smallest accepted ratio between the second and first
// singular value of the cross-covariance before the pairs count as collinear.
const rankTolerance = 1e-12

// Correspondence is one weighted (data, model) pair.
type Correspondence struct {
	Data   r3.Vector
	Model  r3.Vector
	Weight float64
}

// SolverOptions configures the closed-form solve.
type SolverOptions struct {
	AdjustScale     bool   // estimate a uniform scale
	Filters         Filter // constrained degrees of freedom
	AllowReflection bool   // accept det(R) = -1 solutions
}

// SolveRigidTransform computes the transform minimising
// sum(w * |s*R*data + T - model|^2) over hand-picked correspondences.
// It fails with ErrDegenerateSolve for fewer than three positively weighted
// pairs, collinear pairs, or all-zero weights.
func SolveRigidTransform(pairs []Correspondence, opts SolverOptions) (RigidTransform, error) {
	data := make([]r3.Vector, len(pairs))
	model := make([]r3.Vector, len(pairs))
	weights := make([]float64, len(pairs))
	for i, p := range pairs {
		data[i] = p.Data
		model[i] = p.Model
		weights[i] = p.Weight
	}
	return solveWeighted(data, model, weights, opts)
}

// solveWeighted is the absolute orientation solve. A nil weights slice means
// uniform weight 1.
func solveWeighted(data, model []r3.Vector, weights []float64, opts SolverOptions) (RigidTransform, error) {
	if len(data) != len(model) || (weights != nil && len(weights) != len(data)) {
		return RigidTransform{}, fmt.Errorf("mismatched correspondence lengths %d/%d/%d: %w",
			len(data), len(model), len(weights), ErrInvalidInput)
	}

	weight := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	// Weighted centroids
	var total float64
	var effective int
	var dSum, mSum r3.Vector
	for i := range data {
		w := weight(i)
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return RigidTransform{}, fmt.Errorf("weight %d is %v: %w", i, w, ErrInvalidInput)
		}
		if w == 0 {
			continue
		}
		effective++
		total += w
		dSum = dSum.Add(data[i].Mul(w))
		mSum = mSum.Add(model[i].Mul(w))
	}
	if effective < 3 || total <= 0 {
		return RigidTransform{}, fmt.Errorf("%d weighted correspondences: %w", effective, ErrDegenerateSolve)
	}
	dc := dSum.Mul(1 / total)
	mc := mSum.Mul(1 / total)

	// Weighted cross-covariance and dispersions
	var h Mat3
	var dDisp, mDisp float64
	for i := range data {
		w := weight(i)
		if w == 0 {
			continue
		}
		d := data[i].Sub(dc)
		m := model[i].Sub(mc)
		h[0][0] += w * d.X * m.X
		h[0][1] += w * d.X * m.Y
		h[0][2] += w * d.X * m.Z
		h[1][0] += w * d.Y * m.X
		h[1][1] += w * d.Y * m.Y
		h[1][2] += w * d.Y * m.Z
		h[2][0] += w * d.Z * m.X
		h[2][1] += w * d.Z * m.Y
		h[2][2] += w * d.Z * m.Z
		dDisp += w * d.Norm2()
		mDisp += w * m.Norm2()
	}
	if dDisp == 0 {
		return RigidTransform{}, fmt.Errorf("data correspondences coincide: %w", ErrDegenerateSolve)
	}

	rotation := Identity3()
	switch axis, free := freeRotationAxis(opts.Filters); {
	case !free && opts.Filters&SkipRotation == SkipRotation:
		// translation (and scale) only
	case !free:
		r, err := solveRotation(h, opts.AllowReflection)
		if err != nil {
			return RigidTransform{}, err
		}
		rotation = r
	default:
		r, err := solvePlanarRotation(h, axis)
		if err != nil {
			return RigidTransform{}, err
		}
		rotation = r
	}

	scale := 1.0
	if opts.AdjustScale {
		scale = math.Sqrt(mDisp / dDisp)
		if scale == 0 || math.IsNaN(scale) {
			return RigidTransform{}, fmt.Errorf("model correspondences coincide: %w", ErrDegenerateSolve)
		}
	}

	translation := mc.Sub(rotation.MulVec(dc).Mul(scale))
	if opts.Filters&SkipTX != 0 {
		translation.X = 0
	}
	if opts.Filters&SkipTY != 0 {
		translation.Y = 0
	}
	if opts.Filters&SkipTZ != 0 {
		translation.Z = 0
	}

	return RigidTransform{Rotation: rotation, Translation: translation, Scale: scale}, nil
}

// freeRotationAxis reports the single rotation axis left free by filters.
// It returns free=false both for unconstrained rotation and for no rotation;
// callers tell them apart with the SkipRotation mask.
func freeRotationAxis(filters Filter) (r3.Vector, bool) {
	switch filters & SkipRotation {
	case SkipRYZ:
		return r3.Vector{X: 1}, true
	case SkipRXZ:
		return r3.Vector{Y: 1}, true
	case SkipRXY:
		return r3.Vector{Z: 1}, true
	case 0:
		return r3.Vector{}, false
	default:
		// two constraints leave no rotation at all
		return r3.Vector{}, false
	}
}

// solveRotation extracts the optimal rotation from the cross-covariance h
// (data rows, model columns) via SVD: R = V * diag(1, 1, d) * U^T.
func solveRotation(h Mat3, allowReflection bool) (Mat3, error) {
	hm := mat.NewDense(3, 3, []float64{
		h[0][0], h[0][1], h[0][2],
		h[1][0], h[1][1], h[1][2],
		h[2][0], h[2][1], h[2][2],
	})

	var svd mat.SVD
	if ok := svd.Factorize(hm, mat.SVDFull); !ok {
		return Mat3{}, fmt.Errorf("SVD factorization failed: %w", ErrDegenerateSolve)
	}
	values := svd.Values(nil)
	if values[0] <= 0 || values[1] <= rankTolerance*values[0] {
		return Mat3{}, fmt.Errorf("correspondences are collinear (singular values %v): %w", values, ErrDegenerateSolve)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := 1.0
	if !allowReflection {
		var vut mat.Dense
		vut.Mul(&v, u.T())
		if mat.Det(&vut) < 0 {
			d = -1
		}
	}

	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = v.At(i, 0)*u.At(j, 0) + v.At(i, 1)*u.At(j, 1) + d*v.At(i, 2)*u.At(j, 2)
		}
	}
	return r, nil
}

// solvePlanarRotation finds the rotation about a single coordinate axis that
// best maps data onto model, in closed form in the orthogonal plane.
func solvePlanarRotation(h Mat3, axis r3.Vector) (Mat3, error) {
	// (e1, e2, axis) is right-handed
	var i1, i2 int
	switch {
	case axis.X != 0:
		i1, i2 = 1, 2
	case axis.Y != 0:
		i1, i2 = 2, 0
	default:
		i1, i2 = 0, 1
	}
	a := h[i1][i1] + h[i2][i2]
	b := h[i1][i2] - h[i2][i1]
	if math.Hypot(a, b) == 0 {
		return Mat3{}, fmt.Errorf("no planar extent about the free axis: %w", ErrDegenerateSolve)
	}
	return RotationAboutAxis(axis, math.Atan2(b, a)).Rotation, nil
}
