package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	return redis.NewIntResult(1, nil)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var ev = Event{
	Kind:      TradeOpened,
	Time:      time.Date(2025, 3, 14, 1, 0, 0, 0, time.UTC),
	AccountID: "acct",
	Symbol:    "BTCUSDT",
	TradeID:   "t1",
	Message:   "opened long",
	Fields:    map[string]string{"price": "100.05"},
}

func TestRedisPublishesJSON(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	require.NoError(t, NewRedis(pub, "").Notify(context.Background(), ev))

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, DefaultChannel, pub.channels[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, ev, got)
}

func TestRedisPublishError(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: errors.New("connection refused")}
	err := NewRedis(pub, "c").Notify(context.Background(), ev)
	assert.ErrorContains(t, err, "connection refused")
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b down")}
	c := &recordingSink{}

	err := Multi{a, b, nil, c}.Notify(context.Background(), ev)
	assert.ErrorContains(t, err, "b down")
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, c.len())
}

func TestSendSwallowsAndLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	Send(context.Background(), &recordingSink{err: errors.New("nope")}, ev, zap.New(core))
	Send(context.Background(), nil, ev, zap.New(core))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "notification failed", logs.All()[0].Message)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	l := NewLog(zap.New(core))

	require.NoError(t, l.Notify(context.Background(), ev))
	require.NoError(t, l.Notify(context.Background(), Event{Kind: Breaker, Message: "tripped"}))
	require.NoError(t, l.Notify(context.Background(), Event{Kind: Error, Message: "boom"}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "BTCUSDT", entries[0].ContextMap()["symbol"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
}

func TestAsyncDeliversThenCloses(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	a := NewAsync(rec, 16, time.Second, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Notify(context.Background(), ev))
	}
	a.Close()
	a.Close()
	assert.Equal(t, 10, rec.len())
}

type blockingSink struct {
	release chan struct{}
	n       int
	mu      sync.Mutex
}

func (b *blockingSink) Notify(context.Context, Event) error {
	<-b.release
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return nil
}

func TestAsyncDropsWhenFull(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	sink := &blockingSink{release: make(chan struct{})}
	a := NewAsync(sink, 1, time.Second, zap.New(core))

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Notify(context.Background(), ev))
	}
	close(sink.release)
	a.Close()

	assert.LessOrEqual(t, sink.n, 2)
	assert.GreaterOrEqual(t, logs.FilterMessage("notification dropped, queue full").Len(), 8)
}
