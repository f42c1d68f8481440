package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicy_DelayWithinJitterBounds(t *testing.T) {
	t.Parallel()

	p := Default()
	for attempt := 1; attempt <= 4; attempt++ {
		lo, hi := p.Bounds(attempt)
		center := time.Second << (attempt - 1)
		require.InDelta(t, float64(center)*0.8, float64(lo), float64(time.Microsecond))
		require.InDelta(t, float64(center)*1.2, float64(hi), float64(time.Microsecond))
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			require.GreaterOrEqual(t, d, lo)
			require.LessOrEqual(t, d, hi)
		}
	}
}

func TestPolicy_DelayCapped(t *testing.T) {
	t.Parallel()

	p := Policy{Base: time.Second, Multiplier: 2, Jitter: 0.2, Max: 3 * time.Second}
	for i := 0; i < 50; i++ {
		require.LessOrEqual(t, p.Delay(10), 3*time.Second)
	}
}

func TestPolicy_ZeroBaseIsImmediate(t *testing.T) {
	t.Parallel()

	require.Zero(t, Policy{}.Delay(3))
	require.Equal(t, 10*time.Millisecond, Policy{Base: 10 * time.Millisecond}.Delay(0))
}
