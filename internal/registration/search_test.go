package registration

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func randomCloud(rng *rand.Rand, n int, scale float64) []r3.Vec {
	pts := make([]r3.Vec, n)
	for i := range pts {
		pts[i] = r3.Vec{X: rng.Float64() * scale, Y: rng.Float64() * scale, Z: rng.Float64() * scale}
	}
	return pts
}

func bruteNearest(target []r3.Vec, q r3.Vec) Match {
	best := Match{Index: -1, Dist2: math.Inf(1)}
	for i, p := range target {
		if d := r3.Norm2(r3.Sub(q, p)); d < best.Dist2 {
			best = Match{Index: i, Dist2: d}
		}
	}
	return best
}

func TestSearchersAgree(t *testing.T) {
	searchers := []Searcher{KDTreeSearcher{}, ParallelSearcher{Workers: 3}, ParallelSearcher{}}
	for seed := int64(0); seed < 10; seed++ {
		rng := rand.New(rand.NewSource(seed))
		target := randomCloud(rng, 200+rng.Intn(800), 2)
		queries := randomCloud(rng, 100+rng.Intn(400), 2.5)

		want := make([]Match, len(queries))
		for i, q := range queries {
			want[i] = bruteNearest(target, q)
		}
		for _, s := range searchers {
			got := make([]Match, len(queries))
			require.NoError(t, s.Index(target).Nearest(context.Background(), queries, got))
			for i := range want {
				require.InDelta(t, want[i].Dist2, got[i].Dist2, 1e-9, "%s seed %d query %d", s.Name(), seed, i)
				require.Equal(t, want[i].Index, got[i].Index, "%s seed %d query %d", s.Name(), seed, i)
			}
		}
	}
}

func TestSearchersBreakTiesByLowestIndex(t *testing.T) {
	// a shuffled integer lattice holding every point twice; queries at
	// cell centres are equidistant from eight corners
	rng := rand.New(rand.NewSource(4))
	var target []r3.Vec
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 5; z++ {
				p := r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}
				target = append(target, p, p)
			}
		}
	}
	rng.Shuffle(len(target), func(i, j int) { target[i], target[j] = target[j], target[i] })

	var queries []r3.Vec
	for i := 0; i < 200; i++ {
		q := r3.Vec{X: float64(rng.Intn(4)) + 0.5, Y: float64(rng.Intn(4)) + 0.5, Z: float64(rng.Intn(4)) + 0.5}
		if i%2 == 1 {
			q = r3.Vec{X: float64(rng.Intn(5)), Y: float64(rng.Intn(5)), Z: float64(rng.Intn(5))}
		}
		queries = append(queries, q)
	}

	for _, s := range []Searcher{KDTreeSearcher{}, ParallelSearcher{Workers: 3}} {
		got := make([]Match, len(queries))
		require.NoError(t, s.Index(target).Nearest(context.Background(), queries, got))
		for i, q := range queries {
			want := bruteNearest(target, q)
			require.Equal(t, want.Index, got[i].Index, "%s query %v", s.Name(), q)
			require.InDelta(t, want.Dist2, got[i].Dist2, 1e-12)
		}
	}
}

func TestSearcherDoesNotAliasTarget(t *testing.T) {
	target := []r3.Vec{{X: 3}, {X: 1}, {X: 2}}
	orig := append([]r3.Vec(nil), target...)
	for _, s := range []Searcher{KDTreeSearcher{}, ParallelSearcher{}} {
		idx := s.Index(target)
		out := make([]Match, 1)
		require.NoError(t, idx.Nearest(context.Background(), []r3.Vec{{X: 1.1}}, out))
		assert.Equal(t, 1, out[0].Index, s.Name())
		assert.Equal(t, orig, target, s.Name())
	}
}

func TestSearcherEmptyTarget(t *testing.T) {
	for _, s := range []Searcher{KDTreeSearcher{}, ParallelSearcher{}} {
		out := make([]Match, 2)
		require.NoError(t, s.Index(nil).Nearest(context.Background(), []r3.Vec{{}, {X: 1}}, out))
		for _, m := range out {
			assert.Equal(t, -1, m.Index, s.Name())
			assert.True(t, math.IsInf(m.Dist2, 1), s.Name())
		}
	}
}

func TestSearcherErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	target := randomCloud(rng, 100, 1)
	queries := randomCloud(rng, 50, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, s := range []Searcher{KDTreeSearcher{}, ParallelSearcher{Workers: 4}} {
		idx := s.Index(target)
		assert.ErrorIs(t, idx.Nearest(ctx, queries, make([]Match, len(queries))), context.Canceled, s.Name())
		assert.Error(t, idx.Nearest(context.Background(), queries, make([]Match, 1)), s.Name())
	}
}

func TestNewSearcher(t *testing.T) {
	assert.Equal(t, "kdtree", NewSearcher(false, 0).Name())
	assert.Equal(t, "parallel", NewSearcher(true, 2).Name())
}
