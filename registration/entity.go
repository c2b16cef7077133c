package registration

import (
	"context"
	"fmt"
	"log"
	"math/rand"
)

// Entity is a registration input: either a point set or a mesh whose surface
// is sampled before registering.
type Entity struct {
	Points PointSet
	Mesh   *Mesh
	// SampleCount overrides the default number of points sampled from Mesh.
	SampleCount int
}

// PointsEntity wraps a point set.
func PointsEntity(ps PointSet) Entity {
	return Entity{Points: ps}
}

// MeshEntity wraps a mesh. count <= 0 selects the role's default sample count.
func MeshEntity(m *Mesh, count int) Entity {
	return Entity{Mesh: m, SampleCount: count}
}

// RegisterEntities is Register for inputs that may be meshes. Meshes are
// sampled first (DefaultDataSampleCount and DefaultModelSampleCount points
// unless overridden); a mesh yielding no points fails with ErrSamplingFailure
// before any registration work. The transform maps the data entity onto the
// model entity.
func RegisterEntities(ctx context.Context, data, model Entity, cfg RegistrationConfig, opts ...Option) (*RegistrationResult, error) {
	o := buildOptions(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return failed(newRegistrationError("config", -1, err))
	}

	sc := newScope(o.budget)
	defer sc.release()

	dataSet, err := resolveEntity(sc, o.sampler, data, DefaultDataSampleCount, cfg.Seed, "data")
	if err != nil {
		return failed(newRegistrationError("sampling", -1, err))
	}
	modelSet, err := resolveEntity(sc, o.sampler, model, DefaultModelSampleCount, cfg.Seed, "model")
	if err != nil {
		return failed(newRegistrationError("sampling", -1, err))
	}
	return register(ctx, sc, dataSet, modelSet, cfg, o)
}

func resolveEntity(sc *scope, sampler MeshSampler, e Entity, defaultCount int, seed int64, role string) (PointSet, error) {
	switch {
	case e.Points != nil && e.Mesh != nil:
		return nil, fmt.Errorf("%s entity has both points and a mesh: %w", role, ErrInvalidInput)
	case e.Points != nil:
		return e.Points, nil
	case e.Mesh == nil:
		return nil, fmt.Errorf("%s entity is empty: %w", role, ErrInvalidInput)
	}

	count := e.SampleCount
	if count <= 0 {
		count = defaultCount
	}
	if err := sc.reserve(int64(count) * bytesPerVector); err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = deriveSeed(e.Mesh.Vertices)
	}
	if role == "model" {
		seed++ // identical meshes must not yield identical samples
	}
	cloud, err := sampler.SamplePoints(e.Mesh, count, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, fmt.Errorf("sampling %s mesh: %w", role, err)
	}
	if cloud == nil || cloud.Size() == 0 {
		return nil, fmt.Errorf("%s mesh (%d triangles): %w", role, len(e.Mesh.Triangles), ErrSamplingFailure)
	}
	log.Printf("Sampled %d points on %s mesh (%d triangles)", cloud.Size(), role, len(e.Mesh.Triangles))
	return cloud, nil
}
