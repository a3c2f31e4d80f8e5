package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

func TestDelayWithinJitterBounds(t *testing.T) {
	t.Parallel()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("delay within [0.5,1.5]*base*2^k capped at max", prop.ForAll(
		func(k int, baseMs int, j float64) bool {
			base := time.Duration(baseMs) * time.Millisecond
			p := Policy{Base: base, Max: DefaultMax, Jitter: func() float64 { return j }}
			d := p.Delay(k)
			if d > DefaultMax {
				return false
			}
			if d == DefaultMax {
				return true
			}
			exp := float64(base) * float64(int64(1)<<k)
			return float64(d) >= 0.5*exp-1 && float64(d) <= 1.5*exp+1
		},
		gen.IntRange(0, 12),
		gen.IntRange(1, 5000),
		gen.Float64Range(0, 0.999999),
	))

	properties.TestingRun(t)
}

func TestDelayDefaultJitter(t *testing.T) {
	t.Parallel()

	p := New(3, time.Second, 0)
	for k := 0; k < 4; k++ {
		exp := time.Second << k
		for i := 0; i < 50; i++ {
			d := p.Delay(k)
			assert.GreaterOrEqual(t, d, exp/2)
			assert.Less(t, d, exp+exp/2)
		}
	}
	assert.Equal(t, DefaultMax, p.Delay(20))
	assert.Equal(t, DefaultMax, p.Delay(4000))
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(3, time.Millisecond, time.Second)
	transient := &acquire.HTTPError{URL: "u", Status: 503}
	permanent := &acquire.HTTPError{URL: "u", Status: 404}

	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 3))
	assert.False(t, p.ShouldRetry(transient, 4))
	assert.False(t, p.ShouldRetry(permanent, 1))
	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(&acquire.IntegrityError{Path: "x.pdf", Extension: "pdf"}, 1))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Base: time.Hour, Max: time.Hour}
	err := p.Sleep(ctx, 0)
	require.True(t, errors.Is(err, context.Canceled))
}
