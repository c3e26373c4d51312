package engine

import (
	"errors"
	"math"
	"math/rand/v2"
)

// Diagnostics holds cluster-quality indices for the inlier/outlier split.
// They are logged and recorded, never used to gate persistence.
type Diagnostics struct {
	SampleSize    int     `json:"sample_size"`
	Silhouette    float64 `json:"silhouette"`
	DaviesBouldin float64 `json:"davies_bouldin"`
}

var errSingleLabel = errors.New("diagnostics need both inliers and outliers in the sample")

// Evaluate computes silhouette and Davies-Bouldin indices treating the
// outlier flag as a two-cluster labelling. When there are more than
// sampleCap rows a seeded random subset of sampleCap rows is used.
func Evaluate(X [][]float64, outlier []bool, sampleCap int, seed uint64) (*Diagnostics, error) {
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	if sampleCap > 0 && len(idx) > sampleCap {
		r := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
		r.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		idx = idx[:sampleCap]
	}

	var inliers, outliers int
	for _, i := range idx {
		if outlier[i] {
			outliers++
		} else {
			inliers++
		}
	}
	if inliers == 0 || outliers == 0 {
		return nil, errSingleLabel
	}

	return &Diagnostics{
		SampleSize:    len(idx),
		Silhouette:    silhouette(X, outlier, idx),
		DaviesBouldin: daviesBouldin(X, outlier, idx),
	}, nil
}

func silhouette(X [][]float64, label []bool, idx []int) float64 {
	var total float64
	for _, i := range idx {
		var sumSame, sumOther float64
		var nSame, nOther int
		for _, j := range idx {
			if i == j {
				continue
			}
			d := euclidean(X[i], X[j])
			if label[i] == label[j] {
				sumSame += d
				nSame++
			} else {
				sumOther += d
				nOther++
			}
		}
		if nSame == 0 {
			// singleton cluster scores 0
			continue
		}
		a := sumSame / float64(nSame)
		b := sumOther / float64(nOther)
		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	return total / float64(len(idx))
}

func daviesBouldin(X [][]float64, label []bool, idx []int) float64 {
	dim := len(X[idx[0]])
	centroids := [2][]float64{make([]float64, dim), make([]float64, dim)}
	var counts [2]int
	for _, i := range idx {
		c := clusterOf(label[i])
		counts[c]++
		for k, v := range X[i] {
			centroids[c][k] += v
		}
	}
	for c := range centroids {
		for k := range centroids[c] {
			centroids[c][k] /= float64(counts[c])
		}
	}

	var scatter [2]float64
	for _, i := range idx {
		c := clusterOf(label[i])
		scatter[c] += euclidean(X[i], centroids[c])
	}
	for c := range scatter {
		scatter[c] /= float64(counts[c])
	}

	sep := euclidean(centroids[0], centroids[1])
	if sep == 0 {
		return 0
	}
	// with two clusters both rows of the DB matrix hold the same ratio
	return (scatter[0] + scatter[1]) / sep
}

func clusterOf(outlier bool) int {
	if outlier {
		return 1
	}
	return 0
}

func euclidean(a, b []float64) float64 {
	var s float64
	for k := range a {
		d := a[k] - b[k]
		s += d * d
	}
	return math.Sqrt(s)
}
