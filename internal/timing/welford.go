package timing

import "math"

// running keeps count, extremes, mean and variance incrementally using
// Welford's update, so no sum of squares is ever accumulated.
type running struct {
	n    uint64
	mean float64
	m2   float64
	min  float64
	max  float64
}

func (r *running) add(x float64) {
	r.n++
	if r.n == 1 {
		r.min, r.max = x, x
	} else {
		r.min = math.Min(r.min, x)
		r.max = math.Max(r.max, x)
	}

	delta := x - r.mean
	r.mean += delta / float64(r.n)
	r.m2 += delta * (x - r.mean)
}

// variance is the population variance of the observed values.
func (r *running) variance() float64 {
	if r.n < 2 {
		return 0
	}

	return r.m2 / float64(r.n)
}

func (r *running) stddev() float64 {
	return math.Sqrt(r.variance())
}
