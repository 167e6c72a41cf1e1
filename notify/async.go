package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Async delivers events from a buffered queue on its own goroutine so a
// slow sink never holds up a trading cycle. Events are dropped, with a
// warning, when the queue is full.
type Async struct {
	next    Sink
	queue   chan Event
	timeout time.Duration
	log     *zap.Logger

	once sync.Once
	done chan struct{}
}

func NewAsync(next Sink, size int, timeout time.Duration, log *zap.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, size),
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, ev Event) error {
	select {
	case a.queue <- ev:
	default:
		a.log.Warn("notification dropped, queue full", zap.String("kind", string(ev.Kind)))
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
// Notify must not be called after Close.
func (a *Async) Close() {
	a.once.Do(func() { close(a.queue) })
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		Send(ctx, a.next, ev, a.log)
		cancel()
	}
}
