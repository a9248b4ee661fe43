package hmmlib

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

const kmeansMaxIter = 300

// kmeans clusters the n points of dimension d stored in x (n x d, flattened)
// into k groups using Lloyd's algorithm with k-means++ seeding.  The cluster
// centres are returned as a k x d array.
func kmeans(src rand.Source, x []float64, d, k int) ([]float64, error) {

	n := len(x) / d
	if n < k {
		return nil, fmt.Errorf("hmmlib: k-means needs at least %d points, have %d", k, n)
	}

	rng := rand.New(src)
	point := func(i int) []float64 {
		return x[i*d : (i+1)*d]
	}

	// k-means++ seeding
	centers := make([]float64, k*d)
	copy(centers[0:d], point(rng.IntN(n)))
	dist := make([]float64, n)
	for c := 1; c < k; c++ {
		for i := 0; i < n; i++ {
			dist[i] = nearest(point(i), centers[:c*d], d).dist
		}
		next := rng.IntN(n)
		if tot := floats.Sum(dist); tot > 0 {
			u := rng.Float64() * tot
			var s float64
			for i, v := range dist {
				s += v
				if u < s {
					next = i
					break
				}
			}
		}
		copy(centers[c*d:(c+1)*d], point(next))
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	counts := make([]float64, k)
	sums := make([]float64, k*d)

	for iter := 0; iter < kmeansMaxIter; iter++ {

		changed := false
		for i := 0; i < n; i++ {
			c := nearest(point(i), centers, d).index
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		for i := range counts {
			counts[i] = 0
		}
		for i := range sums {
			sums[i] = 0
		}
		for i, c := range labels {
			counts[c]++
			floats.Add(sums[c*d:(c+1)*d], point(i))
		}

		// Empty clusters keep their previous centre
		for c := 0; c < k; c++ {
			if counts[c] > 0 {
				floats.ScaleTo(centers[c*d:(c+1)*d], 1/counts[c], sums[c*d:(c+1)*d])
			}
		}
	}

	return centers, nil
}

type match struct {
	index int
	dist  float64
}

// nearest returns the centre closest to p, with the squared distance.
func nearest(p, centers []float64, d int) match {

	best := match{index: -1}
	for c := 0; c < len(centers)/d; c++ {
		v := floats.Distance(p, centers[c*d:(c+1)*d], 2)
		v *= v
		if best.index < 0 || v < best.dist {
			best = match{index: c, dist: v}
		}
	}

	return best
}
