package hmmlib

import (
	"gonum.org/v1/gonum/floats"
)

// normalizeMax scales x to have a maximum of 1, returning the scale.  If
// the maximum is negligible all values are set to z.
func normalizeMax(x []float64, z float64) float64 {
	scale := floats.Max(x)
	if scale < 1e-300 {
		for j := range x {
			x[j] = z
		}
		return 0
	}
	floats.Scale(1/scale, x)
	return scale
}

// normalizeSum scales x to have a sum of 1.  If the sum is negligible all
// values are set to z.
func normalizeSum(x []float64, z float64) {
	scale := floats.Sum(x)
	if scale < 1e-300 {
		for j := range x {
			x[j] = z
		}
		return
	}
	floats.Scale(1/scale, x)
}

func argmax(x []float64) int {
	j := 0
	v := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > v {
			v = x[i]
			j = i
		}
	}

	return j
}

// fill returns a slice of length n with every element equal to v.
func fill(n int, v float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = v
	}
	return x
}
