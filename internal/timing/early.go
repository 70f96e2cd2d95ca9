package timing

import (
	"errors"
	"fmt"
)

// ErrUnknownMethod is returned for early-stopping methods other than absolute and average.
var ErrUnknownMethod = errors.New("unknown early stopping method")

// Method selects what EarlyStopping compares against the threshold.
type Method string

const (
	// MethodAbsolute compares every raw observation.
	MethodAbsolute Method = "absolute"
	// MethodAverage compares the mean of a sliding window.
	MethodAverage Method = "average"
)

// EarlyStopping signals a stop once the objective fails to improve by delta
// for buffer consecutive observations.
type EarlyStopping struct {
	method     Method
	buffer     int
	delta      float64
	decreasing bool
	windowSize int

	window    []float64
	current   *float64
	best      *float64
	threshold float64
	lapses    int
}

// EarlyOption configures EarlyStopping.
type EarlyOption func(*EarlyStopping)

// WithMethod sets the comparison method.
func WithMethod(m Method) EarlyOption { return func(e *EarlyStopping) { e.method = m } }

// WithBuffer sets how many non-improving observations trigger a stop.
func WithBuffer(n int) EarlyOption { return func(e *EarlyStopping) { e.buffer = n } }

// WithDelta sets the minimum improvement.
func WithDelta(d float64) EarlyOption { return func(e *EarlyStopping) { e.delta = d } }

// Decreasing treats lower objectives as better.
func Decreasing() EarlyOption { return func(e *EarlyStopping) { e.decreasing = true } }

// WithWindow sets the averaging window for MethodAverage.
func WithWindow(n int) EarlyOption { return func(e *EarlyStopping) { e.windowSize = n } }

// NewEarlyStopping defaults to the average method with buffer 30, delta 1e-3 and window 15.
func NewEarlyStopping(opts ...EarlyOption) (*EarlyStopping, error) {
	e := &EarlyStopping{
		method:     MethodAverage,
		buffer:     30,
		delta:      1e-3,
		windowSize: 15,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.method != MethodAbsolute && e.method != MethodAverage {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, e.method)
	}
	if e.windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", e.windowSize)
	}
	e.Reset()
	return e, nil
}

// Observe records objective and reports whether training should stop.
func (e *EarlyStopping) Observe(objective float64) bool {
	e.recordObservation(objective)
	if e.current == nil {
		return false
	}
	current := *e.current

	if e.best == nil {
		e.setBest(current)
	}

	switch {
	case e.decreasing && current < e.threshold:
		e.setBest(current)
	case !e.decreasing && current > e.threshold:
		e.setBest(current)
	default:
		e.lapses++
	}
	return e.lapses >= e.buffer
}

// Best returns the best objective seen, if any.
func (e *EarlyStopping) Best() (float64, bool) {
	if e.best == nil {
		return 0, false
	}
	return *e.best, true
}

// Lapses is the number of consecutive non-improving observations.
func (e *EarlyStopping) Lapses() int { return e.lapses }

// Reset clears all state.
func (e *EarlyStopping) Reset() {
	e.window = e.window[:0]
	e.current = nil
	e.best = nil
	e.threshold = 0
	e.lapses = 0
}

func (e *EarlyStopping) recordObservation(objective float64) {
	if e.method == MethodAbsolute {
		e.current = &objective
		return
	}
	e.window = append(e.window, objective)
	if len(e.window) > e.windowSize {
		e.window = e.window[1:]
	}
	if len(e.window) >= e.windowSize {
		var sum float64
		for _, v := range e.window {
			sum += v
		}
		mean := sum / float64(len(e.window))
		e.current = &mean
	}
}

func (e *EarlyStopping) setBest(objective float64) {
	e.best = &objective
	if e.decreasing {
		e.threshold = objective - e.delta
	} else {
		e.threshold = objective + e.delta
	}
	e.lapses = 0
}
