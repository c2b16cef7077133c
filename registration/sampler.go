package registration

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Mesh is an indexed triangle mesh.
type Mesh struct {
	Vertices  []r3.Vector
	Triangles [][3]int
}

// Validate checks every triangle index.
func (m *Mesh) Validate() error {
	for t, tri := range m.Triangles {
		for _, v := range tri {
			if v < 0 || v >= len(m.Vertices) {
				return fmt.Errorf("triangle %d references vertex %d of %d: %w", t, v, len(m.Vertices), ErrOutOfRange)
			}
		}
	}
	return nil
}

// Area returns the total surface area.
func (m *Mesh) Area() float64 {
	var area float64
	for _, tri := range m.Triangles {
		area += triangleArea(m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]])
	}
	return area
}

func triangleArea(a, b, c r3.Vector) float64 {
	return b.Sub(a).Cross(c.Sub(a)).Norm() / 2
}

// MeshSampler turns a mesh surface into a point set of about count points.
// An empty result is reported by the caller as a sampling failure.
type MeshSampler interface {
	SamplePoints(mesh *Mesh, count int, rng *rand.Rand) (*Cloud, error)
}

// AreaSampler draws points uniformly over the mesh surface: triangles are
// picked in proportion to their area, then a uniform barycentric point
// inside the triangle. Degenerate triangles are never picked.
type AreaSampler struct{}

var _ MeshSampler = AreaSampler{}

func (AreaSampler) SamplePoints(mesh *Mesh, count int, rng *rand.Rand) (*Cloud, error) {
	if mesh == nil || count <= 0 {
		return NewCloud(nil), nil
	}
	if err := mesh.Validate(); err != nil {
		return nil, err
	}

	areas := make([]float64, len(mesh.Triangles))
	var total float64
	for i, tri := range mesh.Triangles {
		areas[i] = triangleArea(mesh.Vertices[tri[0]], mesh.Vertices[tri[1]], mesh.Vertices[tri[2]])
		total += areas[i]
	}
	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return NewCloud(nil), nil
	}

	// Weighted.Take draws without replacement; restoring the weight after
	// each draw makes it a with-replacement pick by area.
	pick := sampleuv.NewWeighted(areas, rng)
	points := make([]r3.Vector, count)
	for i := range points {
		t, ok := pick.Take()
		if !ok {
			return NewCloud(points[:i]), nil
		}
		pick.Reweight(t, areas[t])
		tri := mesh.Triangles[t]
		a, b, c := mesh.Vertices[tri[0]], mesh.Vertices[tri[1]], mesh.Vertices[tri[2]]

		r1 := math.Sqrt(rng.Float64())
		r2 := rng.Float64()
		points[i] = a.Mul(1 - r1).Add(b.Mul(r1 * (1 - r2))).Add(c.Mul(r1 * r2))
	}
	return NewCloud(points), nil
}
