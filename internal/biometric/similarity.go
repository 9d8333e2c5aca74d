package biometric

import "math"

// Threshold is the similarity a candidate must strictly exceed to match.
const Threshold = 0.7

// Similarity maps the Pearson correlation of a and b onto [0, 1].
// Vectors of different length, empty vectors and zero-variance inputs score 0.
func Similarity(a, b FeatureVector) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}

	var sumX, sumY, sumXX, sumYY, sumXY float64
	for i := 0; i < n; i++ {
		x, y := a[i], b[i]
		sumX += x
		sumY += y
		sumXX += x * x
		sumYY += y * y
		sumXY += x * y
	}

	fn := float64(n)
	num := sumXY - sumX*sumY/fn
	den := math.Sqrt((sumXX - sumX*sumX/fn) * (sumYY - sumY*sumY/fn))
	if den == 0 || math.IsNaN(den) {
		return 0
	}

	return clamp((num/den+1)/2, 0, 1)
}

// IsMatch reports whether score clears the acceptance threshold.
func IsMatch(score float64) bool {
	return score > Threshold
}

// Confidence expresses score as a rounded percentage.
func Confidence(score float64) int {
	return int(math.Round(score * 100))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
