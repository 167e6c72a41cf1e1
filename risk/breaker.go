// Package risk holds the pre-trade entry checks and the circuit breakers
// that pause new entries when losses or data problems pile up.
package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	Drawdown          Kind = "DRAWDOWN"
	DailyLoss         Kind = "DAILY_LOSS"
	ConsecutiveLosses Kind = "CONSECUTIVE_LOSSES"
	DataLatency       Kind = "DATA_LATENCY"
	DataFailures      Kind = "DATA_FAILURES"
)

// Kinds lists every breaker in reporting order.
var Kinds = []Kind{Drawdown, DailyLoss, ConsecutiveLosses, DataLatency, DataFailures}

type Status string

const (
	Armed      Status = "ARMED"
	Triggered  Status = "TRIGGERED"
	Recovering Status = "RECOVERING"
)

// Timing controls how a breaker recovers. A TRIGGERED breaker moves to
// RECOVERING once Cooldown has passed since its last breach, and back to
// ARMED once it has spent Recovery in RECOVERING without a breach.
type Timing struct {
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	Recovery time.Duration `yaml:"recovery" json:"recovery"`
}

// Config sets the breach thresholds. A zero threshold disables that breaker.
type Config struct {
	MaxDrawdown          float64       // fraction below peak equity
	MaxDailyLoss         float64       // fraction lost over the trailing 24h
	MaxConsecutiveLosses int           // losing trades in a row
	MaxFetchLatency      time.Duration // slowest acceptable candle fetch
	MaxFetchFailures     int           // failed fetches within an hour

	Timing map[Kind]Timing
}

func DefaultConfig() Config {
	return Config{
		MaxDrawdown:          0.20,
		MaxDailyLoss:         0.10,
		MaxConsecutiveLosses: 3,
		MaxFetchLatency:      5 * time.Second,
		MaxFetchFailures:     5,
		Timing:               DefaultTiming(),
	}
}

func DefaultTiming() map[Kind]Timing {
	return map[Kind]Timing{
		Drawdown:          {Cooldown: 24 * time.Hour, Recovery: 24 * time.Hour},
		DailyLoss:         {Cooldown: 24 * time.Hour, Recovery: 12 * time.Hour},
		ConsecutiveLosses: {Cooldown: 4 * time.Hour, Recovery: 4 * time.Hour},
		DataLatency:       {Cooldown: 5 * time.Minute, Recovery: 15 * time.Minute},
		DataFailures:      {Cooldown: time.Hour, Recovery: time.Hour},
	}
}

const (
	dailyWindow    = 24 * time.Hour
	failuresWindow = time.Hour
)

// State is a point-in-time view of one breaker.
type State struct {
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
	Since       time.Time `json:"since,omitempty"`
}

// Transition is reported whenever a breaker changes status.
type Transition struct {
	Kind   Kind
	From   Status
	To     Status
	Reason string
	At     time.Time
}

func (t Transition) String() string {
	return fmt.Sprintf("%s %s -> %s: %s", t.Kind, t.From, t.To, t.Reason)
}

// machine is the ARMED -> TRIGGERED -> RECOVERING -> ARMED cycle of one
// breaker. It only ever clears on elapsed time.
type machine struct {
	kind   Kind
	timing Timing

	status      Status
	reason      string
	triggeredAt time.Time
	lastBreach  time.Time
	since       time.Time
}

func (m *machine) state() State {
	return State{Kind: m.kind, Status: m.status, Reason: m.reason, TriggeredAt: m.triggeredAt, Since: m.since}
}

func (m *machine) breach(now time.Time, reason string) []Transition {
	out := m.advance(now)
	m.lastBreach = now
	m.reason = reason

	if m.status == Triggered {
		return out
	}
	from := m.status
	m.status = Triggered
	m.triggeredAt = now
	m.since = now
	return append(out, Transition{Kind: m.kind, From: from, To: Triggered, Reason: reason, At: now})
}

func (m *machine) advance(now time.Time) []Transition {
	var out []Transition
	if m.status == Triggered {
		at := m.lastBreach.Add(m.timing.Cooldown)
		if now.Before(at) {
			return nil
		}
		m.status = Recovering
		m.since = at
		out = append(out, Transition{Kind: m.kind, From: Triggered, To: Recovering, Reason: "cooldown elapsed", At: at})
	}
	if m.status == Recovering {
		at := m.since.Add(m.timing.Recovery)
		if now.Before(at) {
			return out
		}
		m.status = Armed
		m.since = at
		m.reason = ""
		out = append(out, Transition{Kind: m.kind, From: Recovering, To: Armed, Reason: "recovery window passed without breach", At: at})
	}
	return out
}

type equityPoint struct {
	at     time.Time
	equity float64
}

// Breakers tracks every breaker kind for one account. It is safe for
// concurrent use. Times passed in must not go backwards.
type Breakers struct {
	mu       sync.Mutex
	cfg      Config
	machines map[Kind]*machine

	peak     float64
	recent   []equityPoint
	losses   int
	failures []time.Time

	listener func(Transition)
	log      *zap.Logger
}

type Option func(*Breakers)

// WithListener is called for every status change, outside the lock.
func WithListener(fn func(Transition)) Option { return func(b *Breakers) { b.listener = fn } }

func WithLogger(log *zap.Logger) Option { return func(b *Breakers) { b.log = log } }

func NewBreakers(cfg Config, opts ...Option) *Breakers {
	b := &Breakers{
		cfg:      cfg,
		machines: make(map[Kind]*machine, len(Kinds)),
		log:      zap.NewNop(),
	}
	defaults := DefaultTiming()
	for _, k := range Kinds {
		t, ok := cfg.Timing[k]
		if !ok {
			t = defaults[k]
		}
		b.machines[k] = &machine{kind: k, timing: t, status: Armed}
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	return b
}

// ObserveEquity feeds one equity point to the drawdown and daily loss
// breakers. After a breach the reference level is reset to the current
// equity, so a breaker re-triggers only on further losses.
func (b *Breakers) ObserveEquity(now time.Time, equity float64) {
	b.mu.Lock()
	ts := b.advanceLocked(now)

	if equity > b.peak {
		b.peak = equity
	}
	if b.cfg.MaxDrawdown > 0 && b.peak > 0 {
		dd := (b.peak - equity) / b.peak
		if dd > b.cfg.MaxDrawdown {
			reason := fmt.Sprintf("drawdown %.2f%% from peak %.2f exceeds %.2f%%",
				100*dd, b.peak, 100*b.cfg.MaxDrawdown)
			ts = append(ts, b.machines[Drawdown].breach(now, reason)...)
			b.peak = equity
		}
	}

	cutoff := now.Add(-dailyWindow)
	i := 0
	for i < len(b.recent) && b.recent[i].at.Before(cutoff) {
		i++
	}
	b.recent = append(b.recent[i:], equityPoint{at: now, equity: equity})
	if ref := b.recent[0].equity; b.cfg.MaxDailyLoss > 0 && ref > 0 {
		loss := (ref - equity) / ref
		if loss > b.cfg.MaxDailyLoss {
			reason := fmt.Sprintf("lost %.2f%% since %s, limit %.2f%%",
				100*loss, b.recent[0].at.Format(time.RFC3339), 100*b.cfg.MaxDailyLoss)
			ts = append(ts, b.machines[DailyLoss].breach(now, reason)...)
			b.recent = []equityPoint{{at: now, equity: equity}}
		}
	}
	b.mu.Unlock()
	b.notify(ts)
}

// ObserveTradeClosed counts losing trades in a row.
func (b *Breakers) ObserveTradeClosed(now time.Time, pnl float64) {
	b.mu.Lock()
	ts := b.advanceLocked(now)
	if pnl < 0 {
		b.losses++
	} else {
		b.losses = 0
	}
	if n := b.cfg.MaxConsecutiveLosses; n > 0 && b.losses >= n {
		reason := fmt.Sprintf("%d losing trades in a row", b.losses)
		ts = append(ts, b.machines[ConsecutiveLosses].breach(now, reason)...)
		b.losses = 0
	}
	b.mu.Unlock()
	b.notify(ts)
}

// ObserveFetch records one market data fetch. Failed fetches count towards
// DATA_FAILURES; successful ones are checked against the latency limit.
func (b *Breakers) ObserveFetch(now time.Time, latency time.Duration, err error) {
	b.mu.Lock()
	ts := b.advanceLocked(now)

	if err != nil {
		cutoff := now.Add(-failuresWindow)
		i := 0
		for i < len(b.failures) && !b.failures[i].After(cutoff) {
			i++
		}
		b.failures = append(b.failures[i:], now)
		if n := b.cfg.MaxFetchFailures; n > 0 && len(b.failures) >= n {
			reason := fmt.Sprintf("%d failed fetches within %s, last: %v", len(b.failures), failuresWindow, err)
			ts = append(ts, b.machines[DataFailures].breach(now, reason)...)
			b.failures = nil
		}
	} else if b.cfg.MaxFetchLatency > 0 && latency > b.cfg.MaxFetchLatency {
		reason := fmt.Sprintf("fetch took %s, limit %s", latency, b.cfg.MaxFetchLatency)
		ts = append(ts, b.machines[DataLatency].breach(now, reason)...)
	}

	b.mu.Unlock()
	b.notify(ts)
}

// AllowEntry reports whether new positions may be opened at now: only when
// every breaker is ARMED.
func (b *Breakers) AllowEntry(now time.Time) bool {
	b.mu.Lock()
	ts := b.advanceLocked(now)
	ok := true
	for _, m := range b.machines {
		if m.status != Armed {
			ok = false
			break
		}
	}
	b.mu.Unlock()
	b.notify(ts)
	return ok
}

// Blocking returns the breakers that are not ARMED at now.
func (b *Breakers) Blocking(now time.Time) []State {
	b.mu.Lock()
	ts := b.advanceLocked(now)
	var out []State
	for _, k := range Kinds {
		if m := b.machines[k]; m.status != Armed {
			out = append(out, m.state())
		}
	}
	b.mu.Unlock()
	b.notify(ts)
	return out
}

// States returns every breaker as last observed, in Kinds order.
func (b *Breakers) States() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]State, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, b.machines[k].state())
	}
	return out
}

func (b *Breakers) advanceLocked(now time.Time) []Transition {
	var out []Transition
	for _, k := range Kinds {
		out = append(out, b.machines[k].advance(now)...)
	}
	return out
}

func (b *Breakers) notify(ts []Transition) {
	for _, t := range ts {
		fields := []zap.Field{
			zap.String("breaker", string(t.Kind)),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.Time("at", t.At),
			zap.String("reason", t.Reason),
		}
		if t.To == Triggered {
			b.log.Warn("circuit breaker triggered", fields...)
		} else {
			b.log.Info("circuit breaker transition", fields...)
		}
		if b.listener != nil {
			b.listener(t)
		}
	}
}
