package registration

import (
	"math/rand"

	"github.com/golang/geo/r3"
)

// randomCloud returns n points uniformly spread in the box [0,extent].
func randomCloud(rng *rand.Rand, n int, extent r3.Vector) []r3.Vector {
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{
			X: rng.Float64() * extent.X,
			Y: rng.Float64() * extent.Y,
			Z: rng.Float64() * extent.Z,
		}
	}
	return points
}

// cubeCorners returns the unit cube corners, index 4x+2y+z.
func cubeCorners() []r3.Vector {
	var points []r3.Vector
	for x := 0.0; x <= 1; x++ {
		for y := 0.0; y <= 1; y++ {
			for z := 0.0; z <= 1; z++ {
				points = append(points, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	return points
}

// cubeMesh returns the closed unit cube as 12 triangles over cubeCorners.
func cubeMesh() *Mesh {
	return &Mesh{
		Vertices: cubeCorners(),
		Triangles: [][3]int{
			{0, 1, 3}, {0, 3, 2}, // x=0
			{4, 6, 7}, {4, 7, 5}, // x=1
			{0, 4, 5}, {0, 5, 1}, // y=0
			{2, 3, 7}, {2, 7, 6}, // y=1
			{0, 2, 6}, {0, 6, 4}, // z=0
			{1, 5, 7}, {1, 7, 3}, // z=1
		},
	}
}

func transformed(points []r3.Vector, t RigidTransform) []r3.Vector {
	out := make([]r3.Vector, len(points))
	copy(out, points)
	t.ApplyAll(out)
	return out
}

func bruteNearest(q r3.Vector, target []r3.Vector) (int, float64) {
	best, bestD2 := -1, 0.0
	for i, p := range target {
		d2 := q.Sub(p).Norm2()
		if best < 0 || d2 < bestD2 {
			best, bestD2 = i, d2
		}
	}
	return best, bestD2
}
