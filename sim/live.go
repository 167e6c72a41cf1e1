package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/schedule"
)

// Live drives an Engine from a market data source on a candle-close
// schedule, one task per timeframe.
type Live struct {
	engine *Engine
	source market.Source
	clock  schedule.Clock
	delay  time.Duration
	log    *zap.Logger

	mu    sync.Mutex
	last  map[market.Timeframe]time.Time
	tasks []*schedule.Task
}

type LiveOption func(*Live)

func WithLiveClock(c schedule.Clock) LiveOption { return func(l *Live) { l.clock = c } }

// WithFetchDelay waits d past each boundary before fetching.
func WithFetchDelay(d time.Duration) LiveOption { return func(l *Live) { l.delay = d } }

func WithLiveLogger(log *zap.Logger) LiveOption { return func(l *Live) { l.log = log } }

func NewLive(engine *Engine, source market.Source, opts ...LiveOption) *Live {
	l := &Live{
		engine: engine,
		source: source,
		clock:  schedule.SystemClock,
		log:    zap.NewNop(),
		last:   make(map[market.Timeframe]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

// Start schedules a cycle at every close of each timeframe.
func (l *Live) Start(ctx context.Context, tfs ...market.Timeframe) error {
	for _, tf := range tfs {
		if !tf.Valid() {
			return fmt.Errorf("live: unsupported timeframe %q", tf)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tf := range tfs {
		tf := tf
		task := schedule.NewTask(tf,
			func(ctx context.Context, boundary time.Time) error { return l.Cycle(ctx, tf, boundary) },
			schedule.WithClock(l.clock),
			schedule.WithDelay(l.delay),
			schedule.WithLogger(l.log))
		task.Start(ctx)
		l.tasks = append(l.tasks, task)
	}
	l.log.Info("live trading started",
		zap.String("account", l.engine.cfg.AccountID),
		zap.String("symbol", l.engine.cfg.Symbol),
		zap.Int("timeframes", len(tfs)))
	return nil
}

// Stop stops every schedule, waiting for in-flight cycles to finish.
func (l *Live) Stop() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

// Cycle fetches the candles that closed at boundary and steps the engine on
// the newest one. Fetch failures and stale data return market.ErrDataFetch
// so the schedule waits for the next boundary. A candle is only ever
// processed once per timeframe.
func (l *Live) Cycle(ctx context.Context, tf market.Timeframe, boundary time.Time) error {
	cfg := l.engine.cfg
	log := l.log.With(zap.String("timeframe", string(tf)), zap.Time("boundary", boundary))

	start := l.clock.Now()
	candles, err := l.source.Candles(ctx, cfg.Symbol, tf, cfg.Window)
	took := l.clock.Now().Sub(start)
	if err == nil {
		err = checkFresh(candles, cfg.Symbol, tf, boundary)
	}
	// The breakers run on candle time, the same clock Step feeds them.
	l.engine.breakers.ObserveFetch(boundary, took, err)
	if err != nil {
		return fmt.Errorf("live: %w", err)
	}
	closed := candles[len(candles)-1].CloseTime(tf)

	l.mu.Lock()
	prev, seen := l.last[tf]
	l.mu.Unlock()
	if seen && !closed.After(prev) {
		log.Debug("candle already processed", zap.Time("candle", closed))
		return nil
	}

	if err := l.engine.Step(ctx, tf, candles); err != nil {
		return err
	}

	l.mu.Lock()
	l.last[tf] = closed
	l.mu.Unlock()
	return nil
}

// checkFresh reports empty results and data that stops short of boundary as
// market.ErrDataFetch.
func checkFresh(candles []market.Candle, symbol string, tf market.Timeframe, boundary time.Time) error {
	if len(candles) == 0 {
		return fmt.Errorf("%w: no candles for %s %s", market.ErrDataFetch, symbol, tf)
	}
	closed := candles[len(candles)-1].CloseTime(tf)
	if closed.Before(boundary) {
		return fmt.Errorf("%w: newest %s candle closed %s, expected %s",
			market.ErrDataFetch, tf, closed.Format(time.RFC3339), boundary.Format(time.RFC3339))
	}
	return nil
}
