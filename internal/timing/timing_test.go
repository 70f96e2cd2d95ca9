package timing

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTimeLogger_Aggregate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := NewTimeLogger(zerolog.New(io.Discard), WithClock(clock.now))

	clock.advance(10 * time.Millisecond)
	l.Log("sample")
	clock.advance(30 * time.Millisecond)
	l.Log("update")
	clock.advance(20 * time.Millisecond)
	l.Log("sample")

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, l.History("sample"))

	mean, err := l.Aggregate(AggregateMean)
	require.NoError(t, err)
	assert.Equal(t, []string{"sample", "update"}, mean.Labels)
	assert.Equal(t, 15*time.Millisecond, mean.Values["sample"])
	assert.Equal(t, 45*time.Millisecond, mean.Total)

	sum, err := l.Aggregate(AggregateSum)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, sum.Values["sample"])
	assert.Equal(t, 60*time.Millisecond, sum.Total)

	_, err = l.Aggregate("median")
	assert.Error(t, err)
}

func TestTimeLogger_DiscardFirstAndMemory(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := NewTimeLogger(zerolog.New(io.Discard), WithClock(clock.now), DiscardFirstSample(), MemoryUsage(), Verbose())

	clock.advance(time.Second) // warm-up outlier
	l.Log("step")
	clock.advance(2 * time.Millisecond)
	l.Log("step")

	summary, err := l.Aggregate(AggregateMean)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Millisecond, summary.Values["step"])
	require.Contains(t, summary.Memory, "step")
	assert.Greater(t, summary.Memory["step"].Stored, uint64(0))
}

func TestTimeLogger_Disabled(t *testing.T) {
	l := NewTimeLogger(zerolog.New(io.Discard), NoRecord())
	l.Log("ignored")
	assert.Empty(t, l.History("ignored"))
}

func TestEarlyStopping_UnknownMethod(t *testing.T) {
	_, err := NewEarlyStopping(WithMethod("median"))
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestEarlyStopping_Absolute(t *testing.T) {
	e, err := NewEarlyStopping(WithMethod(MethodAbsolute), WithBuffer(3), WithDelta(0.1))
	require.NoError(t, err)

	// The first observation sets the best and counts as a lapse.
	assert.False(t, e.Observe(1.0))
	assert.Equal(t, 1, e.Lapses())

	assert.False(t, e.Observe(1.5)) // improvement resets lapses
	assert.Equal(t, 0, e.Lapses())
	best, ok := e.Best()
	require.True(t, ok)
	assert.Equal(t, 1.5, best)

	assert.False(t, e.Observe(1.55)) // within delta
	assert.False(t, e.Observe(1.2))
	assert.True(t, e.Observe(1.0))

	e.Reset()
	_, ok = e.Best()
	assert.False(t, ok)
}

func TestEarlyStopping_AverageDecreasing(t *testing.T) {
	e, err := NewEarlyStopping(WithWindow(2), WithBuffer(2), WithDelta(0.01), Decreasing())
	require.NoError(t, err)

	assert.False(t, e.Observe(10)) // window not full yet
	_, ok := e.Best()
	assert.False(t, ok)

	assert.False(t, e.Observe(8)) // mean 9, first best
	assert.False(t, e.Observe(6)) // mean 7, improvement
	assert.Equal(t, 0, e.Lapses())
	assert.False(t, e.Observe(8)) // mean 7, no improvement
	assert.True(t, e.Observe(6))  // mean 7, second lapse
}
