package registration

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// overlapTrim is the outcome of restricting the data set to the part that
// plausibly overlaps the model.
type overlapTrim struct {
	view          *Subset // nil when trimming was skipped
	maxSearchDist float64
	achievedRatio float64 // selected / original
	ratio         float64 // overlap ratio relative to the trimmed set
}

// trimOverlap estimates from a random probe the distance below which about
// overlap+margin of the data points lie, and keeps only those points.
// distances, when non-nil, receives per-point distances for the whole data set.
func trimOverlap(ctx context.Context, sc *scope, rng *rand.Rand, oracle DistanceOracle,
	data PointSet, dataPts, modelPts []r3.Vector, cfg RegistrationConfig, distances []float64) (overlapTrim, error) {

	ratio := cfg.Overlap
	if ratio >= 1-overlapMarginRatio {
		return overlapTrim{ratio: ratio, achievedRatio: 1}, nil
	}

	n := len(dataPts)
	if n == 0 {
		return overlapTrim{}, fmt.Errorf("empty overlap probe: %w", ErrInvalidInput)
	}

	// Probe subset
	probeIdx, err := sc.allocInts(min(n, overlapProbeLimit))
	if err != nil {
		return overlapTrim{}, err
	}
	subsampled := n > overlapProbeLimit
	if subsampled {
		sampleWithoutReplacement(rng, n, probeIdx)
	} else {
		for i := range probeIdx {
			probeIdx[i] = i
		}
	}
	probe, err := sc.allocVectors(len(probeIdx))
	if err != nil {
		return overlapTrim{}, err
	}
	for i, idx := range probeIdx {
		probe[i] = dataPts[idx]
	}

	probeDist, err := sc.allocFloats(len(probe))
	if err != nil {
		return overlapTrim{}, err
	}
	probeNN, err := sc.allocInts(len(probe))
	if err != nil {
		return overlapTrim{}, err
	}
	opts := cfg.searchOptions(cfg.MaxCorrespondenceDistance)
	if err := oracle.Nearest(ctx, probe, modelPts, opts, Neighbors{Dist: probeDist, Index: probeNN}); err != nil {
		return overlapTrim{}, fmt.Errorf("probing overlap distances: %w", err)
	}

	// Percentile cutoff
	sorted, err := sc.allocFloats(len(probeDist))
	if err != nil {
		return overlapTrim{}, err
	}
	copy(sorted, probeDist)
	sort.Float64s(sorted)
	rank := int(math.Ceil(float64(len(sorted))*(ratio+overlapMarginRatio))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	maxSearchDist := sorted[rank]
	for rank > 0 && math.IsInf(maxSearchDist, 1) {
		rank--
		maxSearchDist = sorted[rank]
	}
	if math.IsInf(maxSearchDist, 1) {
		log.Printf("Warning: no data point has a model neighbour within %.6g; overlap is empty",
			cfg.MaxCorrespondenceDistance)
		empty := &Subset{parent: data}
		return overlapTrim{view: empty, maxSearchDist: 0, achievedRatio: 0, ratio: 1}, nil
	}

	// Exact bounded distances for the whole set
	fullDist := probeDist
	if subsampled {
		fullDist, err = sc.allocFloats(n)
		if err != nil {
			return overlapTrim{}, err
		}
		fullNN, err := sc.allocInts(n)
		if err != nil {
			return overlapTrim{}, err
		}
		bound := maxSearchDist * overlapRadiusMargin
		if cfg.MaxCorrespondenceDistance > 0 {
			bound = min(bound, cfg.MaxCorrespondenceDistance)
		}
		if err := oracle.Nearest(ctx, dataPts, modelPts, cfg.searchOptions(bound), Neighbors{Dist: fullDist, Index: fullNN}); err != nil {
			return overlapTrim{}, fmt.Errorf("computing bounded overlap distances: %w", err)
		}
	}
	if distances != nil {
		copy(distances, fullDist)
	}

	builder, err := newSubsetBuilder(sc, int(math.Ceil(float64(n)*(ratio+overlapMarginRatio))))
	if err != nil {
		return overlapTrim{}, err
	}
	for i, d := range fullDist {
		if d <= maxSearchDist {
			if err := builder.add(i); err != nil {
				return overlapTrim{}, err
			}
		}
	}
	view := builder.build(data)

	trim := overlapTrim{
		view:          view,
		maxSearchDist: maxSearchDist,
		achievedRatio: float64(view.Size()) / float64(n),
		ratio:         ratio,
	}
	if view.Size() > 0 {
		trim.ratio = min(1, ratio/trim.achievedRatio)
	}
	log.Printf("Overlap trim: kept %d/%d points (%.1f%%, cutoff %.6g), working overlap %.3f",
		view.Size(), n, 100*trim.achievedRatio, maxSearchDist, trim.ratio)
	return trim, nil
}

// sampleWithoutReplacement fills out with len(out) distinct indices in
// [0,n), in increasing order. rng also serves as the math/rand/v2 source
// sampleuv draws from.
func sampleWithoutReplacement(rng *rand.Rand, n int, out []int) {
	sampleuv.WithoutReplacement(out, n, rng)
	sort.Ints(out)
}
