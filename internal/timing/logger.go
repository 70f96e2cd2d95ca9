// Package timing provides lightweight timing and early-stopping instrumentation
// for training loops.
package timing

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Aggregation methods accepted by TimeLogger.Aggregate.
const (
	AggregateMean = "mean"
	AggregateSum  = "sum"
)

// MemSample is a heap snapshot taken when a label is logged.
type MemSample struct {
	Stored uint64 `json:"stored"`
	Peak   uint64 `json:"peak"`
}

// Summary is the aggregated view of a TimeLogger history.
type Summary struct {
	Labels []string                 `json:"labels"`
	Values map[string]time.Duration `json:"values"`
	Memory map[string]MemSample     `json:"memory,omitempty"`
	Total  time.Duration            `json:"total"`
}

// TimeLogger records the time spent between consecutive Log calls, keyed by label.
type TimeLogger struct {
	discardFirst bool
	record       bool
	verbose      bool
	memory       bool

	labels  []string
	history map[string][]time.Duration
	mem     map[string][]MemSample

	logger zerolog.Logger
	now    func() time.Time
	start  time.Time
}

// LoggerOption configures a TimeLogger.
type LoggerOption func(*TimeLogger)

// DiscardFirstSample drops each label's first measurement when aggregating.
func DiscardFirstSample() LoggerOption { return func(l *TimeLogger) { l.discardFirst = true } }

// Verbose logs every measurement as it is taken.
func Verbose() LoggerOption { return func(l *TimeLogger) { l.verbose = true } }

// NoRecord disables history; combined with no Verbose, Log becomes a no-op.
func NoRecord() LoggerOption { return func(l *TimeLogger) { l.record = false } }

// MemoryUsage also samples heap usage at every Log call.
func MemoryUsage() LoggerOption { return func(l *TimeLogger) { l.memory = true } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) LoggerOption { return func(l *TimeLogger) { l.now = now } }

// NewTimeLogger starts the clock.
func NewTimeLogger(logger zerolog.Logger, opts ...LoggerOption) *TimeLogger {
	l := &TimeLogger{
		record:  true,
		history: make(map[string][]time.Duration),
		mem:     make(map[string][]MemSample),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.now()
	return l
}

// Log attributes the time since the previous call to label and restarts the clock.
func (l *TimeLogger) Log(label string) {
	if !l.verbose && !l.record {
		return
	}
	elapsed := l.now().Sub(l.start)

	if l.record {
		if _, ok := l.history[label]; !ok {
			l.labels = append(l.labels, label)
		}
		l.history[label] = append(l.history[label], elapsed)
	}
	if l.verbose {
		l.logger.Info().Str("label", label).Dur("elapsed", elapsed).Msg("Timing")
	}
	if l.memory {
		sample := readMem()
		if l.record {
			l.mem[label] = append(l.mem[label], sample)
		}
		if l.verbose {
			l.logger.Info().
				Str("label", label).
				Uint64("stored", sample.Stored).
				Uint64("peak", sample.Peak).
				Msg("Memory")
		}
	}

	l.start = l.now()
}

// History returns the recorded durations for label.
func (l *TimeLogger) History(label string) []time.Duration {
	return append([]time.Duration(nil), l.history[label]...)
}

// Aggregate reduces each label's history with method ("mean" or "sum") and
// logs the result.
func (l *TimeLogger) Aggregate(method string) (Summary, error) {
	if method != AggregateMean && method != AggregateSum {
		return Summary{}, fmt.Errorf("unknown aggregation method %q", method)
	}
	summary := Summary{
		Labels: append([]string(nil), l.labels...),
		Values: make(map[string]time.Duration, len(l.labels)),
	}
	for _, label := range l.labels {
		samples := l.history[label]
		if l.discardFirst && len(samples) > 0 {
			samples = samples[1:]
		}
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		value := sum
		if method == AggregateMean && len(samples) > 0 {
			value = sum / time.Duration(len(samples))
		}
		summary.Values[label] = value
		summary.Total += value
		l.logger.Info().Str("label", label).Str("method", method).Dur("value", value).Msg("Timing aggregate")

		if l.memory {
			if summary.Memory == nil {
				summary.Memory = make(map[string]MemSample)
			}
			var agg MemSample
			for _, m := range l.mem[label] {
				agg.Stored += m.Stored
				if m.Peak > agg.Peak {
					agg.Peak = m.Peak
				}
			}
			summary.Memory[label] = agg
		}
	}
	l.logger.Info().Dur("total", summary.Total).Msg("Timing total")
	return summary, nil
}

// readMem reports live heap bytes and the heap reserved from the OS, the
// closest runtime analogue of a peak.
func readMem() MemSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemSample{Stored: ms.HeapAlloc, Peak: ms.HeapSys}
}
