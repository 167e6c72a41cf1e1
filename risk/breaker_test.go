package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func only(cfg Config) Config {
	cfg.Timing = DefaultTiming()
	return cfg
}

func status(b *Breakers, k Kind) Status {
	for _, s := range b.States() {
		if s.Kind == k {
			return s.Status
		}
	}
	return ""
}

func TestDrawdownTriggersAndBlocksEntries(t *testing.T) {
	t.Parallel()

	var got []Transition
	b := NewBreakers(DefaultConfig(), WithListener(func(tr Transition) { got = append(got, tr) }))

	b.ObserveEquity(t0, 10000)
	assert.True(t, b.AllowEntry(t0))

	b.ObserveEquity(t0.Add(time.Hour), 7900)
	assert.Equal(t, Triggered, status(b, Drawdown))
	assert.False(t, b.AllowEntry(t0.Add(2*time.Hour)))

	require.NotEmpty(t, got)
	assert.Equal(t, Drawdown, got[0].Kind)
	assert.Equal(t, Armed, got[0].From)
	assert.Equal(t, Triggered, got[0].To)
	assert.Contains(t, got[0].Reason, "21.00%")

	blocking := b.Blocking(t0.Add(2 * time.Hour))
	require.NotEmpty(t, blocking)
	assert.Equal(t, Drawdown, blocking[0].Kind)
	assert.Equal(t, t0.Add(time.Hour), blocking[0].TriggeredAt)
}

func TestBreakerDoesNotClearMidWindow(t *testing.T) {
	t.Parallel()

	b := NewBreakers(only(Config{MaxDrawdown: 0.20}))
	b.ObserveEquity(t0, 10000)
	b.ObserveEquity(t0, 7900)
	require.Equal(t, Triggered, status(b, Drawdown))

	// equity recovers well above the old peak; the breaker stays put
	b.ObserveEquity(t0.Add(time.Hour), 12000)
	assert.Equal(t, Triggered, status(b, Drawdown))
	assert.False(t, b.AllowEntry(t0.Add(23*time.Hour)))

	// cooldown over: recovering, still blocking entries
	assert.False(t, b.AllowEntry(t0.Add(24*time.Hour)))
	assert.Equal(t, Recovering, status(b, Drawdown))
	assert.False(t, b.AllowEntry(t0.Add(47*time.Hour)))

	assert.True(t, b.AllowEntry(t0.Add(48*time.Hour)))
	assert.Equal(t, Armed, status(b, Drawdown))
}

func TestBreachWhileRecoveringRetriggers(t *testing.T) {
	t.Parallel()

	var got []Transition
	b := NewBreakers(only(Config{MaxDrawdown: 0.20}), WithListener(func(tr Transition) { got = append(got, tr) }))

	b.ObserveEquity(t0, 10000)
	b.ObserveEquity(t0, 7900)
	b.ObserveEquity(t0.Add(25*time.Hour), 7900)
	require.Equal(t, Recovering, status(b, Drawdown))

	b.ObserveEquity(t0.Add(30*time.Hour), 6000)
	assert.Equal(t, Triggered, status(b, Drawdown))

	require.Len(t, got, 3)
	assert.Equal(t, Recovering, got[1].To)
	assert.Equal(t, t0.Add(24*time.Hour), got[1].At)
	assert.Equal(t, Recovering, got[2].From)
	assert.Equal(t, Triggered, got[2].To)
}

func TestRepeatBreachExtendsCooldown(t *testing.T) {
	t.Parallel()

	b := NewBreakers(only(Config{MaxFetchLatency: 5 * time.Second}))
	b.ObserveFetch(t0, 6*time.Second, nil)
	b.ObserveFetch(t0.Add(4*time.Minute), 7*time.Second, nil)

	assert.False(t, b.AllowEntry(t0.Add(6*time.Minute)))
	assert.Equal(t, Triggered, status(b, DataLatency))
	assert.False(t, b.AllowEntry(t0.Add(9*time.Minute)))
	assert.Equal(t, Recovering, status(b, DataLatency))
	assert.True(t, b.AllowEntry(t0.Add(24*time.Minute)))
}

func TestDailyLossUsesTrailingDay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		points []equityPoint
		want   Status
	}{
		{
			name:   "within a day",
			points: []equityPoint{{t0, 10000}, {t0.Add(20 * time.Hour), 8900}},
			want:   Triggered,
		},
		{
			name:   "spread over more than a day",
			points: []equityPoint{{t0, 10000}, {t0.Add(12 * time.Hour), 9500}, {t0.Add(25 * time.Hour), 8900}},
			want:   Armed,
		},
		{
			name:   "exactly ten percent",
			points: []equityPoint{{t0, 10000}, {t0.Add(time.Hour), 9000}},
			want:   Armed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewBreakers(only(Config{MaxDailyLoss: 0.10}))
			for _, p := range tt.points {
				b.ObserveEquity(p.at, p.equity)
			}
			assert.Equal(t, tt.want, status(b, DailyLoss))
		})
	}
}

func TestConsecutiveLosses(t *testing.T) {
	t.Parallel()

	b := NewBreakers(only(Config{MaxConsecutiveLosses: 3}))
	b.ObserveTradeClosed(t0, -10)
	b.ObserveTradeClosed(t0, -10)
	b.ObserveTradeClosed(t0, 5)
	b.ObserveTradeClosed(t0, -10)
	b.ObserveTradeClosed(t0, -10)
	assert.True(t, b.AllowEntry(t0))

	b.ObserveTradeClosed(t0.Add(time.Minute), -1)
	assert.Equal(t, Triggered, status(b, ConsecutiveLosses))
	assert.False(t, b.AllowEntry(t0.Add(time.Hour)))
	assert.True(t, b.AllowEntry(t0.Add(time.Minute+8*time.Hour)))
}

func TestDataFailures(t *testing.T) {
	t.Parallel()

	fail := errors.New("timeout")

	b := NewBreakers(only(Config{MaxFetchFailures: 5}))
	for i := 0; i < 4; i++ {
		b.ObserveFetch(t0.Add(time.Duration(i)*20*time.Minute), 0, fail)
	}
	assert.True(t, b.AllowEntry(t0.Add(time.Hour)), "failures older than an hour fall out")

	for i := 0; i < 5; i++ {
		b.ObserveFetch(t0.Add(2*time.Hour+time.Duration(i)*time.Minute), 0, fail)
	}
	assert.Equal(t, Triggered, status(b, DataFailures))

	// a slow but failed fetch only counts as a failure
	b2 := NewBreakers(only(Config{MaxFetchFailures: 5, MaxFetchLatency: time.Second}))
	b2.ObserveFetch(t0, time.Minute, fail)
	assert.Equal(t, Armed, status(b2, DataLatency))
}

func TestDisabledBreakersNeverTrigger(t *testing.T) {
	t.Parallel()

	b := NewBreakers(Config{})
	b.ObserveEquity(t0, 10000)
	b.ObserveEquity(t0, 1)
	for i := 0; i < 10; i++ {
		b.ObserveTradeClosed(t0, -1)
		b.ObserveFetch(t0, time.Hour, errors.New("x"))
		b.ObserveFetch(t0, time.Hour, nil)
	}
	assert.True(t, b.AllowEntry(t0))

	states := b.States()
	require.Len(t, states, len(Kinds))
	for i, s := range states {
		assert.Equal(t, Kinds[i], s.Kind)
		assert.Equal(t, Armed, s.Status)
	}
}
