package measurement

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func rms(x []float64) float64 {
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

func minMax(x []float64) (lo, hi float64) {
	return floats.Min(x), floats.Max(x)
}

func mean(x []float64) float64 {
	return stat.Mean(x, nil)
}

// stdDev is the sample standard deviation.
func stdDev(x []float64) float64 {
	return stat.StdDev(x, nil)
}
