package registration

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Match is the nearest target point of one query. Index is -1 when the
// target set is empty.
type Match struct {
	Index int
	Dist2 float64 // squared distance
}

// Searcher builds nearest-neighbour indexes over a target point set.
// Implementations must return the same distances for the same inputs.
type Searcher interface {
	Index(target []r3.Vec) NeighborIndex
	Name() string
}

// NeighborIndex answers nearest-neighbour queries against a fixed target.
// out must have the same length as queries.
type NeighborIndex interface {
	Nearest(ctx context.Context, queries []r3.Vec, out []Match) error
}

// NewSearcher returns the parallel brute-force searcher when offload is
// set and the kd-tree searcher otherwise.
func NewSearcher(offload bool, workers int) Searcher {
	if offload {
		return ParallelSearcher{Workers: workers}
	}
	return KDTreeSearcher{}
}

const ctxCheckEvery = 256

func checkLen(queries []r3.Vec, out []Match) error {
	if len(out) != len(queries) {
		return fmt.Errorf("match buffer has %d entries for %d queries", len(out), len(queries))
	}
	return nil
}

// KDTreeSearcher answers queries with a gonum k-d tree.
type KDTreeSearcher struct{}

func (KDTreeSearcher) Name() string { return "kdtree" }

// Index builds a tree over a copy of target.
func (KDTreeSearcher) Index(target []r3.Vec) NeighborIndex {
	pts := make(indexedPoints, len(target))
	for i, p := range target {
		pts[i] = indexedPoint{Vec: p, idx: i}
	}
	if len(pts) == 0 {
		return &kdIndex{}
	}
	return &kdIndex{tree: kdtree.New(pts, false)}
}

type kdIndex struct {
	tree *kdtree.Tree
}

func (k *kdIndex) Nearest(ctx context.Context, queries []r3.Vec, out []Match) error {
	if err := checkLen(queries, out); err != nil {
		return err
	}
	for i, q := range queries {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if k.tree == nil {
			out[i] = Match{Index: -1, Dist2: math.Inf(1)}
			continue
		}
		out[i] = k.nearest(q)
	}
	return nil
}

// nearest breaks distance ties by the lowest target index, matching the
// parallel kernel. The tree alone returns an arbitrary member of a tie.
func (k *kdIndex) nearest(q r3.Vec) Match {
	query := indexedPoint{Vec: q, idx: -1}
	two := kdtree.NewNKeeper(2)
	k.tree.NearestSet(two, query)
	best := two.Heap[0]
	m := Match{Index: best.Comparable.(indexedPoint).idx, Dist2: best.Dist}
	if len(two.Heap) < 2 || two.Heap[1].Dist != best.Dist {
		return m
	}
	ties := kdtree.NewDistKeeper(best.Dist)
	k.tree.NearestSet(ties, query)
	for _, c := range ties.Heap {
		if c.Comparable == nil || c.Dist != best.Dist {
			continue
		}
		if idx := c.Comparable.(indexedPoint).idx; idx < m.Index {
			m.Index = idx
		}
	}
	return m
}

// neighbours returns the target indices of the n points nearest q.
func (k *kdIndex) neighbours(q r3.Vec, n int, dst []int) []int {
	if k.tree == nil {
		return dst
	}
	keep := kdtree.NewNKeeper(n)
	k.tree.NearestSet(keep, indexedPoint{Vec: q, idx: -1})
	for _, c := range keep.Heap {
		if c.Comparable != nil {
			dst = append(dst, c.Comparable.(indexedPoint).idx)
		}
	}
	return dst
}

// indexedPoint remembers its position in the target slice, which the tree
// reorders.
type indexedPoint struct {
	r3.Vec
	idx int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(indexedPoint).Vec))
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int                { return plane{indexedPoints: p, Dim: d}.Pivot() }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	kdtree.Dim
	indexedPoints
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].Compare(p.indexedPoints[j], p.Dim) < 0
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}

// ParallelSearcher computes every query-target distance with a flat kernel
// split across worker goroutines. It is the offload strategy: the target is
// laid out as separate coordinate arrays and each worker owns a contiguous
// range of queries. Ties resolve to the lowest target index.
type ParallelSearcher struct {
	Workers int // 0 means GOMAXPROCS
}

func (ParallelSearcher) Name() string { return "parallel" }

func (s ParallelSearcher) Index(target []r3.Vec) NeighborIndex {
	idx := &flatIndex{
		xs:      make([]float64, len(target)),
		ys:      make([]float64, len(target)),
		zs:      make([]float64, len(target)),
		workers: s.Workers,
	}
	if idx.workers <= 0 {
		idx.workers = runtime.GOMAXPROCS(0)
	}
	for i, p := range target {
		idx.xs[i], idx.ys[i], idx.zs[i] = p.X, p.Y, p.Z
	}
	return idx
}

type flatIndex struct {
	xs, ys, zs []float64
	workers    int
}

func (f *flatIndex) Nearest(ctx context.Context, queries []r3.Vec, out []Match) error {
	if err := checkLen(queries, out); err != nil {
		return err
	}
	if len(queries) == 0 {
		return ctx.Err()
	}
	chunk := (len(queries) + f.workers - 1) / f.workers
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(queries); start += chunk {
		start, end := start, min(start+chunk, len(queries))
		g.Go(func() error {
			return f.kernel(gctx, queries[start:end], out[start:end])
		})
	}
	return g.Wait()
}

func (f *flatIndex) kernel(ctx context.Context, queries []r3.Vec, out []Match) error {
	xs, ys, zs := f.xs, f.ys, f.zs
	for i, q := range queries {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		best, bestD := -1, math.Inf(1)
		for j := range xs {
			dx, dy, dz := xs[j]-q.X, ys[j]-q.Y, zs[j]-q.Z
			if d := dx*dx + dy*dy + dz*dz; d < bestD {
				best, bestD = j, d
			}
		}
		out[i] = Match{Index: best, Dist2: bestD}
	}
	return nil
}
