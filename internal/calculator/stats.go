package calculator

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// SampleStddev divides the sum of squared deviations by N-1.
// ok is false when N < 2.
func SampleStddev(xs []float64) (float64, bool) {
	n := len(xs)
	if n < 2 {
		return 0, false
	}
	m := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1)), true
}

// Percentile is the continuous percentile of an ascending slice: rank = p*(N-1),
// interpolating linearly between the two nearest order statistics. p is in [0, 1].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Fences are the IQR bounds outside of which a value is an outlier.
type Fences struct {
	Low  float64
	High float64
}

// Outside reports whether v lies strictly beyond either fence.
func (f Fences) Outside(v float64) bool {
	return v < f.Low || v > f.High
}

// IQRFences sorts xs in place and returns Q1 - k*IQR and Q3 + k*IQR.
func IQRFences(xs []float64, k float64) Fences {
	sort.Float64s(xs)
	q1 := Percentile(xs, 0.25)
	q3 := Percentile(xs, 0.75)
	iqr := q3 - q1
	return Fences{Low: q1 - k*iqr, High: q3 + k*iqr}
}
