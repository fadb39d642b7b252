// Package embedding provides the small amount of vector math the rail needs:
// cosine similarity for routing, trace recall, and absorption alignment, and
// the running mean used as the identity attractor of the absorbed group.
package embedding

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1]. Mismatched
// lengths or zero-magnitude vectors yield 0 so callers never divide by zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Mean returns the element-wise mean of the given vectors. Vectors whose
// length differs from the first are skipped. Returns nil for empty input.
func Mean(vecs [][]float64) []float64 {
	var mean []float64
	count := 0
	for _, v := range vecs {
		if len(v) == 0 {
			continue
		}
		if mean == nil {
			mean = make([]float64, len(v))
		}
		if len(v) != len(mean) {
			continue
		}
		for i, x := range v {
			mean[i] += x
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range mean {
		mean[i] /= float64(count)
	}
	return mean
}
