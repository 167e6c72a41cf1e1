// Package notify delivers fire-and-forget notifications about trades,
// circuit breakers and errors. Delivery failures are logged and never
// reach the trading path.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	TradeOpened    Kind = "TRADE_OPENED"
	TradeClosed    Kind = "TRADE_CLOSED"
	SignalRejected Kind = "SIGNAL_REJECTED"
	Breaker        Kind = "BREAKER"
	Error          Kind = "ERROR"
)

type Event struct {
	Kind      Kind              `json:"kind"`
	Time      time.Time         `json:"time"`
	AccountID string            `json:"account_id,omitempty"`
	Symbol    string            `json:"symbol,omitempty"`
	Timeframe string            `json:"timeframe,omitempty"`
	TradeID   string            `json:"trade_id,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Log writes events to a zap logger.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Time("time", ev.Time),
	}
	if ev.AccountID != "" {
		fields = append(fields, zap.String("account", ev.AccountID))
	}
	if ev.Symbol != "" {
		fields = append(fields, zap.String("symbol", ev.Symbol))
	}
	if ev.Timeframe != "" {
		fields = append(fields, zap.String("timeframe", ev.Timeframe))
	}
	if ev.TradeID != "" {
		fields = append(fields, zap.String("trade", ev.TradeID))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.String(k, v))
	}

	switch ev.Kind {
	case Error:
		l.log.Error(ev.Message, fields...)
	case Breaker, SignalRejected:
		l.log.Warn(ev.Message, fields...)
	default:
		l.log.Info(ev.Message, fields...)
	}
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers ev and logs a failure instead of returning it.
func Send(ctx context.Context, s Sink, ev Event, log *zap.Logger) {
	if s == nil {
		return
	}
	if err := s.Notify(ctx, ev); err != nil && log != nil {
		log.Warn("notification failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("account", ev.AccountID),
			zap.String("symbol", ev.Symbol),
			zap.Error(err))
	}
}
