package filter

import "math"

// biquad is a direct form I second-order section with coefficients
// normalized by a0.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

// newBandReject returns the RBJ cookbook band-reject filter. bandwidth is
// in octaves between the -3 dB edges.
func newBandReject(sampleRate, frequency, bandwidth float64) *biquad {
	w0 := 2 * math.Pi * frequency / sampleRate
	sin, cos := math.Sincos(w0)
	alpha := sin * math.Sinh(math.Ln2/2*bandwidth*w0/sin)

	a0 := 1 + alpha
	return &biquad{
		b0: 1 / a0,
		b1: -2 * cos / a0,
		b2: 1 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func (q *biquad) step(x float64) float64 {
	y := q.b0*x + q.b1*q.x1 + q.b2*q.x2 - q.a1*q.y1 - q.a2*q.y2
	q.x2, q.x1 = q.x1, x
	q.y2, q.y1 = q.y1, y
	return y
}

func (q *biquad) reset() {
	q.x1, q.x2, q.y1, q.y2 = 0, 0, 0, 0
}
