package registration

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slab is an anisotropic random cloud, so no rotation maps it onto itself.
func slab(rng *rand.Rand, n int) []r3.Vector {
	return randomCloud(rng, n, r3.Vector{X: 10, Y: 5, Z: 2})
}

// smallMotion rotates 1 degree about a tilted axis through the slab centre
// and shifts by a few hundredths.
func smallMotion() RigidTransform {
	centre := r3.Vector{X: 5, Y: 2.5, Z: 1}
	rot := RotationDeg(r3.Vector{X: 0.2, Y: 0.1, Z: 1}, 1)
	return Translation(centre.Add(r3.Vector{X: 0.03, Y: -0.02, Z: 0.01})).
		Compose(rot.Compose(Translation(centre.Mul(-1))))
}

func TestRegister_CubeScenario(t *testing.T) {
	model := cubeCorners()
	// 90 degrees about Z then +2 along X, built exactly: (x,y,z) -> (2-y, x, z)
	data := make([]r3.Vector, len(model))
	for i, p := range model {
		data[i] = r3.Vector{X: 2 - p.Y, Y: p.X, Z: p.Z}
	}

	cfg := DefaultRegistrationConfig()
	cfg.Overlap = 1
	cfg.MaxIterations = 50
	cfg.MinRMSDecrease = 1e-6

	result, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Outcome)
	assert.Less(t, result.RMS, 1e-4)

	tr, ok := result.Transform()
	require.True(t, ok)
	assert.True(t, tr.IsProperRotation(1e-9))

	// The cube is symmetric: any transform that lands every data corner on
	// a model corner is an exact registration.
	for i, p := range transformed(data, tr) {
		_, d2 := bruteNearest(p, model)
		assert.Less(t, d2, 1e-8, "corner %d maps to %v", i, p)
	}
}

func TestRegister_SelfIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	cloud := NewCloud(slab(rng, 500))

	result, err := Register(context.Background(), cloud, cloud, DefaultRegistrationConfig())
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Outcome)
	assert.Equal(t, 0.0, result.RMS)
	assert.Equal(t, 500, result.PointCount)

	tr, ok := result.Transform()
	require.True(t, ok)
	if !tr.ApproxEqual(Identity(), 1e-12) {
		t.Errorf("self registration is not identity:\n%s", tr)
	}
}

func TestRegister_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	model := slab(rng, 1000)
	tk := smallMotion()
	data := transformed(model, tk)

	cfg := DefaultRegistrationConfig()
	cfg.MaxIterations = 50
	cfg.MinRMSDecrease = 1e-9

	result, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)
	tr, ok := result.Transform()
	require.True(t, ok, "outcome %s", result.Outcome)

	round := tr.Compose(tk)
	if !round.ApproxEqual(Identity(), 1e-3) {
		t.Errorf("recovered(Tk) is not identity:\n%s", round)
	}
	assert.Less(t, result.RMS, 1e-4)
}

func TestRegister_FixedIterationCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	cloud := NewCloud(slab(rng, 200))

	cfg := DefaultRegistrationConfig()
	cfg.Convergence = ConvergeOnIterations
	cfg.MaxIterations = 7

	result, err := Register(context.Background(), cloud, cloud, cfg)
	require.NoError(t, err)
	assert.Equal(t, MaxIterationsReached, result.Outcome)
	assert.Equal(t, 7, result.Iterations)
	_, ok := result.Transform()
	assert.True(t, ok, "MaxIterationsReached carries a usable transform")
}

func TestRegister_PartialOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	model := slab(rng, 2000)

	// Two thirds of the data shares the model's volume, the rest lies beyond it.
	var data []r3.Vector
	for _, p := range model {
		if p.X < 6 {
			data = append(data, p)
		}
	}
	shared := len(data)
	for _, p := range randomCloud(rng, shared/2, r3.Vector{X: 4, Y: 5, Z: 2}) {
		data = append(data, p.Add(r3.Vector{X: 11}))
	}
	tk := smallMotion()
	tk.ApplyAll(data)

	cfg := DefaultRegistrationConfig()
	cfg.Overlap = 0.6
	cfg.MaxIterations = 50
	cfg.MinRMSDecrease = 1e-9

	result, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)
	tr, ok := result.Transform()
	require.True(t, ok, "outcome %s", result.Outcome)

	assert.Less(t, result.AchievedOverlap, 1.0)
	assert.GreaterOrEqual(t, result.AchievedOverlap, 0.6)
	round := tr.Compose(tk)
	if !round.ApproxEqual(Identity(), 1e-4) {
		t.Errorf("partial overlap registration off:\n%s", round)
	}
}

func TestRegister_DisjointCloudsFailDegenerate(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := randomCloud(rng, 300, r3.Vector{X: 1, Y: 1, Z: 1})
	data := transformed(randomCloud(rng, 300, r3.Vector{X: 1, Y: 1, Z: 1}), Translation(r3.Vector{X: 1000}))

	cfg := DefaultRegistrationConfig()
	cfg.Overlap = 0.5
	cfg.MaxCorrespondenceDistance = 2

	result, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerateSolve)

	var re *RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindDegenerateSolve, re.Kind)
	assert.Equal(t, 0, re.Iteration)

	assert.Equal(t, Failed, result.Outcome)
	_, ok := result.Transform()
	assert.False(t, ok)
}

func TestRegister_DisjointCloudsUnboundedStillPair(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := randomCloud(rng, 300, r3.Vector{X: 1, Y: 1, Z: 1})
	data := transformed(randomCloud(rng, 300, r3.Vector{X: 1, Y: 1, Z: 1}), Translation(r3.Vector{X: 1000}))

	cfg := DefaultRegistrationConfig()
	cfg.Overlap = 0.5

	result, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)
	assert.True(t, result.Outcome.Usable(), "outcome %s", result.Outcome)
	assert.Greater(t, result.PointCount, 0)
	assert.Nil(t, result.Err)
}

func TestRegister_InvalidConfig(t *testing.T) {
	cloud := NewCloud(cubeCorners())
	tests := []struct {
		name   string
		mutate func(*RegistrationConfig)
	}{
		{"zero overlap", func(c *RegistrationConfig) { c.Overlap = 0 }},
		{"overlap above one", func(c *RegistrationConfig) { c.Overlap = 1.5 }},
		{"no iterations", func(c *RegistrationConfig) { c.MaxIterations = 0 }},
		{"negative decrease", func(c *RegistrationConfig) { c.MinRMSDecrease = -1 }},
		{"unknown mode", func(c *RegistrationConfig) { c.Convergence = "forever" }},
		{"bad farthest fraction", func(c *RegistrationConfig) {
			c.RemoveFarthestPoints = true
			c.FarthestPointsFraction = 1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRegistrationConfig()
			tt.mutate(&cfg)

			result, err := Register(context.Background(), cloud, cloud, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			var re *RegistrationError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, KindInvalidConfig, re.Kind)
			assert.Equal(t, "config", re.Stage)
			assert.Equal(t, Failed, result.Outcome)
		})
	}
}

func TestRegister_EmptyInput(t *testing.T) {
	_, err := Register(context.Background(), NewCloud(nil), NewCloud(cubeCorners()), DefaultRegistrationConfig())
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = Register(context.Background(), nil, NewCloud(cubeCorners()), DefaultRegistrationConfig())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegister_OutOfMemoryRestoresChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := NewCloud(slab(rng, 100))
	require.NoError(t, data.CreateChannel("intensity"))
	require.NoError(t, data.SetActiveChannel("intensity"))
	before := append([]r3.Vector(nil), data.Points()...)
	model := NewCloud(slab(rng, 100))

	// Enough for both point copies and the distance channel, not the working set.
	budget := NewBudget(6000)
	result, err := Register(context.Background(), data, model, DefaultRegistrationConfig(), WithBudget(budget))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientMemory)
	assert.Equal(t, Failed, result.Outcome)
	assert.Equal(t, KindInsufficientMemory, result.Err.Kind)

	active, ok := data.ActiveChannel()
	assert.True(t, ok)
	assert.Equal(t, "intensity", active)
	_, exists := data.Channel(DistanceChannelName)
	assert.False(t, exists)
	assert.Equal(t, before, data.Points())
	assert.Zero(t, budget.Used())
	assert.Greater(t, budget.Peak(), int64(0))
}

func TestRegister_StagesDistanceChannel(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	model := slab(rng, 300)
	data := NewCloud(transformed(model, smallMotion()))

	var seen []string
	progress := func(p Progress) {
		name, _ := data.ActiveChannel()
		seen = append(seen, name)
		values, _ := data.Channel(name)
		assert.Len(t, values, data.Size())
	}

	result, err := Register(context.Background(), data, NewCloud(model), DefaultRegistrationConfig(), WithProgress(progress))
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for _, name := range seen {
		assert.Equal(t, DistanceChannelName, name)
	}
	assert.Equal(t, result.Iterations+1, len(seen))

	_, active := data.ActiveChannel()
	assert.False(t, active)
	_, exists := data.Channel(DistanceChannelName)
	assert.False(t, exists)
}

// risingOracle pairs source point i with target point i and reports a
// distance that grows with every call.
type risingOracle struct{ calls int }

func (o *risingOracle) Nearest(_ context.Context, source, _ []r3.Vector, _ SearchOptions, out Neighbors) error {
	o.calls++
	for i := range source {
		out.Index[i] = i
		out.Dist[i] = float64(o.calls)
	}
	return nil
}

func TestRegister_Diverged(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cloud := NewCloud(slab(rng, 20))

	cfg := DefaultRegistrationConfig()
	cfg.Convergence = ConvergeOnIterations
	cfg.DivergencePatience = 2

	result, err := Register(context.Background(), cloud, cloud, cfg, WithOracle(&risingOracle{}))
	require.NoError(t, err)
	assert.Equal(t, Diverged, result.Outcome)
	assert.Equal(t, 3, result.Iterations)

	_, ok := result.Transform()
	assert.False(t, ok, "a diverged run carries no usable transform")
	best, rms := result.BestSeen()
	assert.Equal(t, 1.0, rms)
	assert.True(t, best.ApproxEqual(Identity(), 1e-12))
}

func TestRegister_FixedIterationCountWithRisingRMS(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cloud := NewCloud(slab(rng, 20))

	cfg := DefaultRegistrationConfig()
	cfg.Convergence = ConvergeOnIterations
	cfg.MaxIterations = 6

	var rms []float64
	progress := func(p Progress) { rms = append(rms, p.RMS) }
	result, err := Register(context.Background(), cloud, cloud, cfg,
		WithOracle(&risingOracle{}), WithProgress(progress))
	require.NoError(t, err)
	assert.Equal(t, MaxIterationsReached, result.Outcome)
	assert.Equal(t, cfg.MaxIterations, result.Iterations)
	assert.Equal(t, 0, result.BestIteration)

	require.Len(t, rms, cfg.MaxIterations+1)
	for i := 1; i < len(rms); i++ {
		assert.Greater(t, rms[i], rms[i-1], "RMS never decreases")
	}
}

func TestRegister_RMSModeStopsOnIncrease(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cloud := NewCloud(slab(rng, 20))

	result, err := Register(context.Background(), cloud, cloud, DefaultRegistrationConfig(), WithOracle(&risingOracle{}))
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Outcome)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 0, result.BestIteration)
}

func TestRegister_CancelledReturnsBestSeen(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	model := slab(rng, 400)
	data := NewCloud(transformed(model, smallMotion()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress := func(p Progress) {
		if p.Iteration == 1 {
			cancel()
		}
	}

	cfg := DefaultRegistrationConfig()
	cfg.Convergence = ConvergeOnIterations
	result, err := Register(ctx, data, NewCloud(model), cfg, WithProgress(progress))
	require.NoError(t, err, "cancellation is an outcome, not an error")
	assert.Equal(t, Cancelled, result.Outcome)
	assert.Equal(t, 2, result.Iterations)

	_, ok := result.Transform()
	assert.False(t, ok)
	_, rms := result.BestSeen()
	assert.Less(t, rms, 1.0)

	_, active := data.ActiveChannel()
	assert.False(t, active)
}

func TestRegister_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cloud := NewCloud(cubeCorners())

	for _, overlap := range []float64{1, 0.5} {
		cfg := DefaultRegistrationConfig()
		cfg.Overlap = overlap
		result, err := Register(ctx, cloud, cloud, cfg)
		require.NoError(t, err)
		assert.Equal(t, Cancelled, result.Outcome)
		assert.Equal(t, -1, result.BestIteration)
	}
}

func TestRegister_DataWeightsIgnoreOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	model := slab(rng, 500)
	shift := Translation(r3.Vector{X: 0.04, Y: -0.03, Z: 0.02})

	points := transformed(model, shift)
	points = append(points, slab(rng, 30)...)
	data := NewCloud(points)
	require.NoError(t, data.CreateChannel("confidence"))
	confidence, _ := data.Channel("confidence")
	for i := range confidence {
		if i < len(model) {
			confidence[i] = 1
		}
	}
	require.NoError(t, data.SetActiveChannel("confidence"))

	cfg := DefaultRegistrationConfig()
	cfg.MaxIterations = 50
	cfg.MinRMSDecrease = 1e-12

	result, err := Register(context.Background(), data, NewCloud(model), cfg, WithDataWeights())
	require.NoError(t, err)
	tr, ok := result.Transform()
	require.True(t, ok)
	if !tr.ApproxEqual(shift.Inverse(), 1e-6) {
		t.Errorf("weighted registration\n%s\nwant\n%s", tr, shift.Inverse())
	}

	active, _ := data.ActiveChannel()
	assert.Equal(t, "confidence", active)
}

func TestRegister_MissingWeightChannelDegrades(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cloud := NewCloud(slab(rng, 100))

	result, err := Register(context.Background(), cloud, cloud, DefaultRegistrationConfig(), WithModelWeights(), WithDataWeights())
	require.NoError(t, err)
	assert.Equal(t, Converged, result.Outcome)
}

func TestRegister_RandomSamplingLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	cloud := NewCloud(slab(rng, 1000))

	cfg := DefaultRegistrationConfig()
	cfg.RandomSamplingLimit = 100
	result, err := Register(context.Background(), cloud, cloud, cfg)
	require.NoError(t, err)
	assert.Equal(t, 100, result.PointCount)
}

func TestRegister_RemoveFarthestPoints(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	cloud := NewCloud(slab(rng, 1000))

	cfg := DefaultRegistrationConfig()
	cfg.RemoveFarthestPoints = true
	cfg.FarthestPointsFraction = 0.25
	result, err := Register(context.Background(), cloud, cloud, cfg)
	require.NoError(t, err)
	assert.Equal(t, 750, result.PointCount)
}

func TestRegister_DeterministicSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	model := slab(rng, 800)
	data := transformed(model, smallMotion())

	cfg := DefaultRegistrationConfig()
	cfg.RandomSamplingLimit = 200

	first, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)
	second, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)

	assert.NotZero(t, first.Seed)
	assert.Equal(t, first.Seed, second.Seed)
	t1, _ := first.Transform()
	t2, _ := second.Transform()
	assert.Equal(t, t1, t2)
}

func TestRegister_ParallelMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	model := slab(rng, 6000)
	data := transformed(model, smallMotion())

	cfg := DefaultRegistrationConfig()
	seq, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)

	cfg.Parallel = true
	cfg.Workers = 4
	par, err := Register(context.Background(), NewCloud(data), NewCloud(model), cfg)
	require.NoError(t, err)

	assert.Equal(t, seq.Outcome, par.Outcome)
	assert.Equal(t, seq.Iterations, par.Iterations)
	ts, _ := seq.Transform()
	tp, _ := par.Transform()
	assert.Equal(t, ts, tp)
}

func TestRegister_Cloud32Input(t *testing.T) {
	coords := make([]float32, 0, 3*200)
	rng := rand.New(rand.NewSource(4))
	for _, p := range slab(rng, 200) {
		coords = append(coords, float32(p.X), float32(p.Y), float32(p.Z))
	}
	cloud, err := NewCloud32(coords)
	require.NoError(t, err)

	result, err := Register(context.Background(), cloud, cloud, DefaultRegistrationConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.RMS)
}

func TestOutcome_Usable(t *testing.T) {
	assert.True(t, Converged.Usable())
	assert.True(t, MaxIterationsReached.Usable())
	assert.False(t, Diverged.Usable())
	assert.False(t, Cancelled.Usable())
	assert.False(t, Failed.Usable())
	assert.Equal(t, "MaxIterationsReached", MaxIterationsReached.String())
}
