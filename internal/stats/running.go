// Package stats holds incremental statistics accumulators.
package stats

// RunningStatistics tracks mean and variance one observation at a time.
type RunningStatistics struct {
	mean float64
	m2   float64
	n    int
	nSet int
}

// Option configures a RunningStatistics.
type Option func(*RunningStatistics)

// WithFixedCount replaces the running count with n in the mean update, which
// turns the mean into an exponential moving average with weight 1/n.
func WithFixedCount(n int) Option {
	return func(r *RunningStatistics) { r.nSet = n }
}

// WithInitial seeds the mean and the sum of squared deviations.
func WithInitial(mean, m2 float64) Option {
	return func(r *RunningStatistics) { r.mean, r.m2 = mean, m2 }
}

// NewRunningStatistics returns an empty accumulator.
func NewRunningStatistics(opts ...Option) *RunningStatistics {
	r := &RunningStatistics{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reset clears the count and reseeds mean and m2.
func (r *RunningStatistics) Reset(mean, m2 float64) {
	r.mean, r.m2, r.n = mean, m2, 0
}

// Update folds x into the statistics.
func (r *RunningStatistics) Update(x float64) {
	r.n++
	n := r.count()
	delta := x - r.mean
	r.mean += delta / float64(n)
	r.m2 += delta * (x - r.mean)
}

// Count is the number of observations seen.
func (r *RunningStatistics) Count() int { return r.n }

// Mean is the current mean.
func (r *RunningStatistics) Mean() float64 { return r.mean }

// Variance is the sample variance, 0 until two observations are available.
func (r *RunningStatistics) Variance() float64 {
	if r.count() < 2 || r.n < 2 {
		return 0
	}
	return r.m2 / float64(r.n-1)
}

func (r *RunningStatistics) count() int {
	if r.nSet > 0 {
		return r.nSet
	}
	return r.n
}
