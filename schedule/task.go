package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/market"
)

// Func is invoked once per boundary with the close time it was scheduled for.
type Func func(ctx context.Context, boundary time.Time) error

// Clock abstracts wall time so tasks can be driven in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Task runs a Func at every candle close of one timeframe. Each wait is
// recomputed from the clock so drift does not accumulate.
type Task struct {
	tf    market.Timeframe
	fn    Func
	clock Clock
	delay time.Duration
	log   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Task)

func WithClock(c Clock) Option { return func(t *Task) { t.clock = c } }

// WithDelay runs the callback d after each boundary, giving the exchange
// time to publish the closed candle.
func WithDelay(d time.Duration) Option { return func(t *Task) { t.delay = d } }

func WithLogger(l *zap.Logger) Option { return func(t *Task) { t.log = l } }

func NewTask(tf market.Timeframe, fn Func, opts ...Option) *Task {
	t := &Task{
		tf:    tf,
		fn:    fn,
		clock: SystemClock,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	return t
}

func (t *Task) Timeframe() market.Timeframe { return t.tf }

// Start runs the task in its own goroutine. Calling Start on a running task
// is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		_ = t.Run(ctx)
	}(t.done)
}

// Stop cancels the task and waits for an in-flight callback to return.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is cancelled. A callback that is already running when
// ctx is cancelled runs to completion: it receives a context that is not
// cancelled with the schedule.
func (t *Task) Run(ctx context.Context) error {
	if !t.tf.Valid() {
		_, err := NextBoundary(t.tf, time.Time{})
		return err
	}

	log := t.log.With(zap.String("timeframe", string(t.tf)))
	log.Info("schedule started")
	defer log.Info("schedule stopped")

	for {
		next, err := NextBoundary(t.tf, t.clock.Now())
		if err != nil {
			return err
		}

		if err := t.sleepUntil(ctx, next.Add(t.delay)); err != nil {
			return nil
		}

		t.invoke(context.WithoutCancel(ctx), next, log)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (t *Task) sleepUntil(ctx context.Context, target time.Time) error {
	for {
		wait := target.Sub(t.clock.Now())
		if wait <= 0 {
			return ctx.Err()
		}
		if err := t.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (t *Task) invoke(ctx context.Context, boundary time.Time, log *zap.Logger) {
	start := t.clock.Now()
	err := t.fn(ctx, boundary)
	took := t.clock.Now().Sub(start)

	switch {
	case err == nil:
		log.Debug("cycle complete", zap.Time("boundary", boundary), zap.Duration("took", took))
	case errors.Is(err, market.ErrDataFetch):
		next, _ := NextBoundary(t.tf, boundary)
		log.Warn("data fetch failed, waiting for next boundary",
			zap.Time("boundary", boundary), zap.Time("next", next), zap.Error(err))
	default:
		log.Error("cycle failed", zap.Time("boundary", boundary), zap.Duration("took", took), zap.Error(err))
	}
}
