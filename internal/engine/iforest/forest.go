// Package iforest implements an isolation forest for tabular float features.
//
// Trees are grown on random subsamples by picking a random non-constant
// feature and a uniform split between its observed min and max. Points that
// isolate in few splits score as anomalous. The decision threshold is the
// contamination-quantile of the training scores, so roughly a contamination
// share of the training rows ends up with a negative decision value.
package iforest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxSamples is the subsample cap used when MaxSamples is 0.
	DefaultMaxSamples = 256

	eulerGamma = 0.5772156649015329
)

var (
	ErrTooFewSamples = errors.New("isolation forest needs at least 2 samples")
	ErrNoFeatures    = errors.New("isolation forest needs at least 1 feature")
	ErrNotFitted     = errors.New("isolation forest is not fitted")
)

// Options configures Fit.
type Options struct {
	NEstimators   int     // number of trees (default 100)
	MaxSamples    int     // rows per tree, 0 = min(256, n)
	Contamination float64 // share of training rows treated as outliers, (0, 0.5]
	Seed          uint64
	Workers       int // concurrent tree builders, 0 = 1
}

// Forest is a fitted model. It serializes to JSON for inspection.
type Forest struct {
	Trees         []*Tree `json:"trees"`
	SampleSize    int     `json:"sample_size"`
	HeightLimit   int     `json:"height_limit"`
	NumFeatures   int     `json:"num_features"`
	Contamination float64 `json:"contamination"`
	Offset        float64 `json:"offset"`
}

// Tree is one isolation tree.
type Tree struct {
	Root *Node `json:"root"`
}

// Node is an internal split or a leaf holding Size training rows.
type Node struct {
	Leaf    bool    `json:"leaf,omitempty"`
	Size    int     `json:"size"`
	Feature int     `json:"feature,omitempty"`
	Split   float64 `json:"split,omitempty"`
	Left    *Node   `json:"left,omitempty"`
	Right   *Node   `json:"right,omitempty"`
}

// Fit grows the forest on X and derives the decision offset from the
// training scores. The result depends only on X and opts.
func Fit(ctx context.Context, X [][]float64, opts Options) (*Forest, error) {
	n := len(X)
	if n < 2 {
		return nil, ErrTooFewSamples
	}
	d := len(X[0])
	if d == 0 {
		return nil, ErrNoFeatures
	}
	if err := checkMatrix(X, d); err != nil {
		return nil, fmt.Errorf("Fit: %w", err)
	}
	if opts.Contamination <= 0 || opts.Contamination > 0.5 {
		return nil, fmt.Errorf("Fit: contamination must be in (0, 0.5], got %g", opts.Contamination)
	}

	nTrees := opts.NEstimators
	if nTrees <= 0 {
		nTrees = 100
	}
	psi := opts.MaxSamples
	if psi <= 0 {
		psi = min(DefaultMaxSamples, n)
	}
	if psi > n {
		psi = n
	}
	heightLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	// Per-tree seeds are drawn up front so the forest does not depend on
	// goroutine scheduling.
	master := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	seeds := make([][2]uint64, nTrees)
	for i := range seeds {
		seeds[i] = [2]uint64{master.Uint64(), master.Uint64()}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	trees := make([]*Tree, nTrees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := rand.New(rand.NewPCG(seeds[i][0], seeds[i][1]))
			idx := sampleIndices(r, n, psi)
			trees[i] = &Tree{Root: grow(X, idx, 0, heightLimit, d, r)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("Fit: %w", err)
	}

	f := &Forest{
		Trees:         trees,
		SampleSize:    psi,
		HeightLimit:   heightLimit,
		NumFeatures:   d,
		Contamination: opts.Contamination,
	}

	scores := f.scoreRows(X)
	f.Offset = Percentile(scores, 100*opts.Contamination)
	return f, nil
}

// ScoreSamples returns -2^(-E[h(x)]/c(ψ)) per row. Values lie in [-1, 0);
// lower means more anomalous.
func (f *Forest) ScoreSamples(X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkMatrix(X, f.NumFeatures); err != nil {
		return nil, fmt.Errorf("ScoreSamples: %w", err)
	}
	return f.scoreRows(X), nil
}

// DecisionFunction returns ScoreSamples shifted by the fitted offset.
// Negative values are outliers.
func (f *Forest) DecisionFunction(X [][]float64) ([]float64, error) {
	scores, err := f.ScoreSamples(X)
	if err != nil {
		return nil, err
	}
	for i := range scores {
		scores[i] -= f.Offset
	}
	return scores, nil
}

// Predict reports, per row, whether the decision value is negative.
func (f *Forest) Predict(X [][]float64) ([]bool, error) {
	decisions, err := f.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(decisions))
	for i, v := range decisions {
		out[i] = v < 0
	}
	return out, nil
}

func (f *Forest) scoreRows(X [][]float64) []float64 {
	norm := AveragePathLength(f.SampleSize)
	if norm <= 0 {
		norm = 1
	}
	out := make([]float64, len(X))
	for i, x := range X {
		var sum float64
		for _, t := range f.Trees {
			sum += t.pathLength(x)
		}
		mean := sum / float64(len(f.Trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out
}

func (t *Tree) pathLength(x []float64) float64 {
	depth := 0
	node := t.Root
	for !node.Leaf {
		if x[node.Feature] <= node.Split {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return float64(depth) + AveragePathLength(node.Size)
}

// grow partitions idx in place. idx is owned by the tree being built.
func grow(X [][]float64, idx []int, depth, heightLimit, d int, r *rand.Rand) *Node {
	if len(idx) <= 1 || depth >= heightLimit {
		return &Node{Leaf: true, Size: len(idx)}
	}

	for _, feat := range r.Perm(d) {
		lo, hi := bounds(X, idx, feat)
		if !(hi > lo) {
			continue
		}
		split := lo + r.Float64()*(hi-lo)
		if split >= hi {
			split = lo
		}
		k := partition(X, idx, feat, split)
		return &Node{
			Size:    len(idx),
			Feature: feat,
			Split:   split,
			Left:    grow(X, idx[:k], depth+1, heightLimit, d, r),
			Right:   grow(X, idx[k:], depth+1, heightLimit, d, r),
		}
	}

	// every feature is constant on this node
	return &Node{Leaf: true, Size: len(idx)}
}

func bounds(X [][]float64, idx []int, feat int) (float64, float64) {
	lo, hi := X[idx[0]][feat], X[idx[0]][feat]
	for _, i := range idx[1:] {
		v := X[i][feat]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// partition moves rows with X[.][feat] <= split to the front and returns
// their count.
func partition(X [][]float64, idx []int, feat int, split float64) int {
	k := 0
	for i := range idx {
		if X[idx[i]][feat] <= split {
			idx[i], idx[k] = idx[k], idx[i]
			k++
		}
	}
	return k
}

// sampleIndices draws m distinct row indices out of n (partial Fisher-Yates).
func sampleIndices(r *rand.Rand, n, m int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < m; i++ {
		j := i + r.IntN(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:m:m]
}

// AveragePathLength is c(n), the mean depth of an unsuccessful search in a
// binary search tree of n nodes.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// Percentile returns the p-th percentile (0..100) of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func checkMatrix(X [][]float64, d int) error {
	for i, row := range X {
		if len(row) != d {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), d)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("non-finite value at row %d feature %d", i, j)
			}
		}
	}
	return nil
}

// WriteFile stores the forest as JSON, replacing path atomically.
func (f *Forest) WriteFile(path string) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("WriteFile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("WriteFile: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("WriteFile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("WriteFile: %w", err)
	}
	return nil
}

// ReadFile loads a forest written by WriteFile.
func ReadFile(path string) (*Forest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	var f Forest
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	return &f, nil
}
