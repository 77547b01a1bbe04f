package utils

import "math"

// CosineDist returns 1 - cos(a, b). Degenerate inputs (empty, mismatched
// length or a zero vector) are treated as maximally distant.
func CosineDist(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1.0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(magA)*math.Sqrt(magB))
}

// Similarity is the cosine similarity of a and b clamped to [0,1].
// Opposite or orthogonal vectors and degenerate inputs score 0.
func Similarity(a, b []float32) float64 {
	s := 1.0 - CosineDist(a, b)
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
