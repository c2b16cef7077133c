package registration

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// NotFound is the distance reported for a source point with no target point
// within the search radius. It is greater than any in-range distance.
var NotFound = math.Inf(1)

// oracleChunk is the number of source points handled between cancellation checks.
const oracleChunk = 4096

// SearchOptions bounds one nearest-neighbour pass.
type SearchOptions struct {
	MaxDistance float64 // 0 = unbounded
	Parallel    bool
	Workers     int // 0 = GOMAXPROCS
}

// Neighbors receives per-source-point results, indexed like the source.
// Index is -1 and Dist is NotFound when nothing lies within MaxDistance.
type Neighbors struct {
	Dist  []float64
	Index []int
}

// DistanceOracle computes, for every source point, the distance to its
// nearest target point. Implementations may work in parallel but must write
// each result at the source point's own index.
type DistanceOracle interface {
	Nearest(ctx context.Context, source, target []r3.Vector, opts SearchOptions, out Neighbors) error
}

// KDTreeOracle answers nearest-neighbour queries with a gonum KD-tree built
// over the target. The tree is rebuilt whenever a different target slice is
// passed; a target must not be modified while the oracle may still hold its
// tree. An oracle is safe for concurrent use.
type KDTreeOracle struct {
	mu     sync.Mutex
	tree   *kdtree.Tree
	target []r3.Vector
}

var _ DistanceOracle = (*KDTreeOracle)(nil)

// NewKDTreeOracle creates an oracle with no tree built yet.
func NewKDTreeOracle() *KDTreeOracle {
	return &KDTreeOracle{}
}

// treeFor returns the tree over target, building it if the cached one was
// built for another slice.
func (o *KDTreeOracle) treeFor(target []r3.Vector) *kdtree.Tree {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tree == nil || !sameSlice(o.target, target) {
		points := make(indexedPoints, len(target))
		for i, p := range target {
			points[i] = indexedPoint{Vector: p, index: i}
		}
		o.tree = kdtree.New(points, false)
		o.target = target
	}
	return o.tree
}

func sameSlice(a, b []r3.Vector) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

// Nearest fills out for every source point.
func (o *KDTreeOracle) Nearest(ctx context.Context, source, target []r3.Vector, opts SearchOptions, out Neighbors) error {
	if len(out.Dist) < len(source) || len(out.Index) < len(source) {
		return fmt.Errorf("result buffers hold %d/%d of %d points: %w",
			len(out.Dist), len(out.Index), len(source), ErrInvalidInput)
	}
	tree := o.treeFor(target)

	maxD2 := math.Inf(1)
	if opts.MaxDistance > 0 {
		maxD2 = opts.MaxDistance * opts.MaxDistance
	}

	query := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			keep := newNearestKeeper(maxD2)
			tree.NearestSet(keep, indexedPoint{Vector: source[i], index: -1})
			if keep.best.Comparable == nil {
				out.Dist[i] = NotFound
				out.Index[i] = -1
				continue
			}
			out.Dist[i] = math.Sqrt(keep.best.Dist)
			out.Index[i] = keep.best.Comparable.(indexedPoint).index
		}
	}

	if !opts.Parallel {
		for lo := 0; lo < len(source); lo += oracleChunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			query(lo, min(lo+oracleChunk, len(source)))
		}
		return nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < len(source); lo += oracleChunk {
		lo, hi := lo, min(lo+oracleChunk, len(source))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			query(lo, hi)
			return nil
		})
	}
	return g.Wait()
}

// indexedPoint is a kdtree.Comparable remembering its position in the target.
// Distance is squared, as kdtree expects.
type indexedPoint struct {
	r3.Vector
	index int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return coord(p.Vector, int(d)) - coord(c.(indexedPoint).Vector, int(d))
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return p.Sub(c.(indexedPoint).Vector).Norm2()
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int                { return axisPlane{points: p, axis: d}.Pivot() }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// axisPlane orders points along one axis for median pivoting.
type axisPlane struct {
	points indexedPoints
	axis   kdtree.Dim
}

func (p axisPlane) Len() int { return len(p.points) }
func (p axisPlane) Less(i, j int) bool {
	return coord(p.points[i].Vector, int(p.axis)) < coord(p.points[j].Vector, int(p.axis))
}
func (p axisPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p axisPlane) Slice(start, end int) kdtree.SortSlicer {
	return axisPlane{points: p.points[start:end], axis: p.axis}
}
func (p axisPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

// nearestKeeper is a kdtree.Keeper holding the single closest point within a
// squared radius (inclusive). Ties go to the lower target index, so results
// do not depend on tree layout. Until a point is kept, best is a sentinel
// with a nil Comparable and Dist equal to the radius, which bounds the search.
type nearestKeeper struct {
	best kdtree.ComparableDist
}

var _ kdtree.Keeper = (*nearestKeeper)(nil)

func newNearestKeeper(maxD2 float64) *nearestKeeper {
	return &nearestKeeper{best: kdtree.ComparableDist{Dist: maxD2}}
}

func (k *nearestKeeper) Keep(c kdtree.ComparableDist) {
	if c.Dist > k.best.Dist {
		return
	}
	if c.Dist == k.best.Dist && k.best.Comparable != nil &&
		k.best.Comparable.(indexedPoint).index < c.Comparable.(indexedPoint).index {
		return
	}
	k.best = c
}

func (k *nearestKeeper) Max() kdtree.ComparableDist { return k.best }

// The heap methods only serve NearestSet's final sort and sentinel pop; a
// single-slot keeper has nothing to reorder or drop.
func (k *nearestKeeper) Len() int           { return 1 }
func (k *nearestKeeper) Less(i, j int) bool { return false }
func (k *nearestKeeper) Swap(i, j int)      {}
func (k *nearestKeeper) Push(x any)         { k.Keep(x.(kdtree.ComparableDist)) }
func (k *nearestKeeper) Pop() any           { return k.best }

func coord(p r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}
