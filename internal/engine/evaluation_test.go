package engine

import (
	"math/rand/v2"
	"testing"
)

func twoClusters(n, k int) ([][]float64, []bool) {
	r := rand.New(rand.NewPCG(1, 2))
	X := make([][]float64, 0, n+k)
	labels := make([]bool, 0, n+k)
	for i := 0; i < n; i++ {
		X = append(X, []float64{r.Float64(), r.Float64()})
		labels = append(labels, false)
	}
	for i := 0; i < k; i++ {
		X = append(X, []float64{50 + r.Float64(), 50 + r.Float64()})
		labels = append(labels, true)
	}
	return X, labels
}

func TestEvaluate_SeparatedClusters(t *testing.T) {
	X, labels := twoClusters(200, 20)
	d, err := Evaluate(X, labels, 10_000, 42)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.SampleSize != 220 {
		t.Errorf("SampleSize = %d, want 220", d.SampleSize)
	}
	if d.Silhouette < 0.9 {
		t.Errorf("expected silhouette near 1, got %v", d.Silhouette)
	}
	if d.DaviesBouldin > 0.1 {
		t.Errorf("expected Davies-Bouldin near 0, got %v", d.DaviesBouldin)
	}
}

func TestEvaluate_SampleCap(t *testing.T) {
	X, labels := twoClusters(900, 100)
	d, err := Evaluate(X, labels, 300, 7)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.SampleSize != 300 {
		t.Errorf("SampleSize = %d, want 300", d.SampleSize)
	}

	again, _ := Evaluate(X, labels, 300, 7)
	if again.Silhouette != d.Silhouette {
		t.Error("sampling must be deterministic for a fixed seed")
	}
}

func TestEvaluate_SingleLabel(t *testing.T) {
	X, labels := twoClusters(50, 0)
	if _, err := Evaluate(X, labels, 100, 1); err == nil {
		t.Error("expected error with one label")
	}
}
