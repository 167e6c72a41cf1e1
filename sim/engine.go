package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/internal/id"
	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/notify"
	"github.com/rustyeddy/papertrade/risk"
	"github.com/rustyeddy/papertrade/strategy"
)

// PricePlaces is the precision fill prices are rounded to.
const PricePlaces = 8

// TradeStore receives trades and equity points. When the ledger's store also
// implements TradeStore they are written in the same unit of work as the
// balance changes that produced them.
type TradeStore interface {
	SaveTrade(ctx context.Context, t Trade) error
	SaveEquity(ctx context.Context, accountID string, p EquityPoint) error
}

// Engine runs one account and one symbol through a strategy, one closed
// candle at a time. It is safe for concurrent use by several schedules.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	ledger   *ledger.Ledger
	strat    strategy.Strategy
	breakers *risk.Breakers
	sink     notify.Sink
	ids      ledger.IDSource
	log      *zap.Logger

	open   *Trade
	closed []Trade
	equity []EquityPoint
}

type engineOptions struct {
	breakers *risk.Breakers
	sink     notify.Sink
	log      *zap.Logger
	ids      ledger.IDSource
	store    ledger.Store
	open     *Trade
}

type Option func(*engineOptions)

// WithBreakers replaces the breakers built from Config.Breakers.
func WithBreakers(b *risk.Breakers) Option { return func(o *engineOptions) { o.breakers = b } }

func WithSink(s notify.Sink) Option { return func(o *engineOptions) { o.sink = s } }

func WithLogger(log *zap.Logger) Option { return func(o *engineOptions) { o.log = log } }

// WithIDs sets the trade id source. It should be the ledger's, so trades and
// transactions share one ordering.
func WithIDs(ids ledger.IDSource) Option { return func(o *engineOptions) { o.ids = ids } }

// WithStore is used by RunBacktest to persist the run as it goes.
func WithStore(s ledger.Store) Option { return func(o *engineOptions) { o.store = s } }

// WithOpenTrade resumes an engine with a trade that was open when the
// process last stopped.
func WithOpenTrade(t Trade) Option { return func(o *engineOptions) { o.open = &t } }

func NewEngine(l *ledger.Ledger, strat strategy.Strategy, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil || strat == nil {
		return nil, errors.New("new engine: ledger and strategy are required")
	}
	acct, err := l.Snapshot(cfg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	if acct.Quote != cfg.Quote {
		return nil, fmt.Errorf("new engine: account %s quotes %s, config %s: %w",
			acct.ID, acct.Quote, cfg.Quote, money.ErrCurrencyMismatch)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = notify.Nop{}
	}
	if o.ids == nil {
		o.ids = id.NewGenerator(cfg.Seed)
	}

	log := o.log.With(zap.String("account", cfg.AccountID), zap.String("symbol", cfg.Symbol))
	if o.breakers == nil {
		o.breakers = risk.NewBreakers(cfg.Breakers,
			risk.WithLogger(log),
			risk.WithListener(BreakerListener(o.sink, cfg.AccountID, cfg.Symbol, log)))
	}

	e := &Engine{
		cfg:      cfg,
		ledger:   l,
		strat:    strat,
		breakers: o.breakers,
		sink:     o.sink,
		ids:      o.ids,
		log:      log,
	}
	if o.open != nil {
		if !o.open.IsOpen() {
			return nil, fmt.Errorf("new engine: trade %s is already closed", o.open.ID)
		}
		t := *o.open
		e.open = &t
	}
	return e, nil
}

// BreakerListener turns breaker transitions into notifications.
func BreakerListener(sink notify.Sink, accountID, symbol string, log *zap.Logger) func(risk.Transition) {
	return func(tr risk.Transition) {
		notify.Send(context.Background(), sink, notify.Event{
			Kind:      notify.Breaker,
			Time:      tr.At,
			AccountID: accountID,
			Symbol:    symbol,
			Message:   tr.String(),
			Fields: map[string]string{
				"breaker": string(tr.Kind),
				"from":    string(tr.From),
				"to":      string(tr.To),
			},
		}, log)
	}
}

func (e *Engine) Config() Config            { return e.cfg }
func (e *Engine) Breakers() *risk.Breakers { return e.breakers }

// Trades returns the closed trades in exit order.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trade(nil), e.closed...)
}

func (e *Engine) OpenTrade() (Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open == nil {
		return Trade{}, false
	}
	return *e.open, true
}

// Equity returns one point per processed candle.
func (e *Engine) Equity() []EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EquityPoint(nil), e.equity...)
}

// plan is what the engine decided to do for one candle before touching the
// ledger.
type plan struct {
	sig        *strategy.Signal
	allowEntry bool
	skipExits  bool
	sellReason ExitReason
}

// outcome is what one candle did, reported after the ledger commits.
type outcome struct {
	closed   *Trade
	opened   *Trade
	rejected string
	point    EquityPoint
}

// Step processes the candle that just closed. window is the history the
// strategy sees, oldest first, ending with that candle.
//
// Exits are checked against the candle's range before the strategy is
// consulted. Everything the candle does to the account is committed in one
// ledger update; if that fails nothing changes and the error is returned.
func (e *Engine) Step(ctx context.Context, tf market.Timeframe, window []market.Candle) error {
	if len(window) == 0 {
		return errors.New("step: empty window")
	}
	c := window[len(window)-1]
	if err := c.Validate(); err != nil {
		return fmt.Errorf("step: %w", err)
	}
	at := c.CloseTime(tf)
	log := e.log.With(zap.String("timeframe", string(tf)), zap.Time("candle", at))

	p := e.decide(ctx, tf, window, c, at, log)
	return e.apply(ctx, tf, c, at, p, log)
}

// CloseOpen exits the open trade, if any, at c's close. Exit levels are not
// checked against c.
func (e *Engine) CloseOpen(ctx context.Context, tf market.Timeframe, c market.Candle, reason ExitReason) error {
	if _, ok := e.OpenTrade(); !ok {
		return nil
	}
	at := c.CloseTime(tf)
	log := e.log.With(zap.String("timeframe", string(tf)), zap.Time("candle", at))
	sell := strategy.Signal{Action: strategy.Sell, Reasoning: string(reason)}
	return e.apply(ctx, tf, c, at, plan{sig: &sell, skipExits: true, sellReason: reason}, log)
}

// decide runs the strategy outside the engine lock. A strategy that fails
// or returns a malformed signal is treated as HOLD.
func (e *Engine) decide(ctx context.Context, tf market.Timeframe, window []market.Candle, c market.Candle, at time.Time, log *zap.Logger) plan {
	p := plan{sellReason: ExitSignal}

	e.mu.Lock()
	open := e.open != nil
	_, _, exiting := checkExit(e.open, c)
	e.mu.Unlock()

	if exiting {
		return p
	}

	p.allowEntry = e.breakers.AllowEntry(at)
	if !open && !p.allowEntry {
		log.Info("entries paused by circuit breaker", zap.Strings("breakers", blockingKinds(e.breakers, at)))
		return p
	}

	if n := e.cfg.Window; len(window) > n {
		window = window[len(window)-n:]
	}

	sig, err := e.strat.Evaluate(ctx, window)
	if err == nil {
		err = sig.Validate()
	}
	if err != nil {
		if !errors.Is(err, strategy.ErrInvalidSignal) {
			err = fmt.Errorf("%w: %w", strategy.ErrInvalidSignal, err)
		}
		log.Warn("strategy output rejected, holding", zap.Error(err))
		e.notify(ctx, notify.Event{Kind: notify.Error, Time: at, Timeframe: string(tf), Message: err.Error()})
		return p
	}

	log.Debug("signal",
		zap.String("action", string(sig.Action)),
		zap.Float64("confidence", sig.Confidence),
		zap.String("reasoning", sig.Reasoning))
	p.sig = &sig
	return p
}

func (e *Engine) apply(ctx context.Context, tf market.Timeframe, c market.Candle, at time.Time, p plan, log *zap.Logger) error {
	e.mu.Lock()

	out := &outcome{}
	err := e.ledger.Update(ctx, e.cfg.AccountID, func(b *ledger.Book) error {
		*out = outcome{}
		return e.cycleLocked(b, c, at, p, out, log)
	})
	if err != nil {
		e.mu.Unlock()
		log.Error("cycle aborted, account unchanged", zap.Error(err))
		e.notify(ctx, notify.Event{Kind: notify.Error, Time: at, Timeframe: string(tf), Message: err.Error()})
		return fmt.Errorf("step %s %s at %s: %w", e.cfg.Symbol, tf, at.Format(time.RFC3339), err)
	}

	if out.closed != nil {
		e.closed = append(e.closed, *out.closed)
		e.open = nil
	}
	if out.opened != nil {
		t := *out.opened
		e.open = &t
	}
	if n := len(e.equity); n > 0 && e.equity[n-1].Time.Equal(out.point.Time) {
		e.equity[n-1] = out.point
	} else {
		e.equity = append(e.equity, out.point)
	}
	e.mu.Unlock()

	if t := out.closed; t != nil {
		e.breakers.ObserveTradeClosed(at, t.PnL.Float64())
		log.Info("trade closed",
			zap.String("trade", t.ID),
			zap.String("reason", string(t.ExitReason)),
			zap.String("price", t.ExitPrice.String()),
			zap.String("pnl", t.PnL.String()))
		e.notify(ctx, notify.Event{
			Kind:      notify.TradeClosed,
			Time:      at,
			Timeframe: string(tf),
			TradeID:   t.ID,
			Message:   fmt.Sprintf("closed %s %s @ %s (%s) pnl %s", t.Quantity, e.cfg.Symbol, t.ExitPrice, t.ExitReason, t.PnL),
			Fields:    map[string]string{"reason": string(t.ExitReason), "pnl": t.PnL.String()},
		})
	}
	if t := out.opened; t != nil {
		log.Info("trade opened",
			zap.String("trade", t.ID),
			zap.String("price", t.EntryPrice.String()),
			zap.String("quantity", t.Quantity.String()),
			zap.Float64("confidence", t.Confidence))
		e.notify(ctx, notify.Event{
			Kind:      notify.TradeOpened,
			Time:      at,
			Timeframe: string(tf),
			TradeID:   t.ID,
			Message:   fmt.Sprintf("bought %s %s @ %s", t.Quantity, e.cfg.Symbol, t.EntryPrice),
			Fields:    map[string]string{"margin": t.Margin.String(), "fee": t.Fees.String()},
		})
	}
	if out.rejected != "" {
		e.notify(ctx, notify.Event{Kind: notify.SignalRejected, Time: at, Timeframe: string(tf), Message: out.rejected})
	}
	e.breakers.ObserveEquity(at, out.point.Equity.Float64())
	return nil
}

// cycleLocked stages everything c does to the account. Rejected entries are
// reported through out; only errors that must abort the cycle are returned.
func (e *Engine) cycleLocked(b *ledger.Book, c market.Candle, at time.Time, p plan, out *outcome, log *zap.Logger) error {
	var cur *Trade
	if e.open != nil {
		t := *e.open
		cur = &t
	}

	reason, level, hit := checkExit(cur, c)
	if p.skipExits {
		hit = false
	}

	switch {
	case hit:
		closed, err := e.closeTrade(b, cur, decimal.NewFromFloat(level), at, reason, log)
		if err != nil {
			return err
		}
		out.closed, cur = closed, nil

	case p.sig == nil:

	case p.sig.Action == strategy.Buy && cur == nil:
		opened, rejected, err := e.openTrade(b, c, at, *p.sig, p.allowEntry, log)
		if err != nil {
			return err
		}
		out.opened, out.rejected, cur = opened, rejected, opened

	case p.sig.Action == strategy.Sell && cur != nil:
		price := e.fillPrice(c.Close, false)
		closed, err := e.closeTrade(b, cur, price, at, p.sellReason, log)
		if err != nil {
			return err
		}
		out.closed, cur = closed, nil

	case p.sig.Action != strategy.Hold:
		log.Debug("signal does not apply to current position",
			zap.String("action", string(p.sig.Action)), zap.Bool("open", cur != nil))
	}

	out.point = e.equityPoint(b, cur, c, at)

	b.OnCommit(func(ctx context.Context, s ledger.Store) error {
		ts, ok := s.(TradeStore)
		if !ok {
			return nil
		}
		for _, t := range []*Trade{out.closed, out.opened} {
			if t == nil {
				continue
			}
			if err := ts.SaveTrade(ctx, *t); err != nil {
				return fmt.Errorf("save trade %s: %w", t.ID, err)
			}
		}
		if err := ts.SaveEquity(ctx, e.cfg.AccountID, out.point); err != nil {
			return fmt.Errorf("save equity: %w", err)
		}
		return nil
	})
	return nil
}

// fillPrice applies slippage against the order: buys pay more, sells
// receive less.
func (e *Engine) fillPrice(close float64, buy bool) decimal.Decimal {
	one := decimal.NewFromInt(1)
	slip := e.cfg.slippage()
	if buy {
		return decimal.NewFromFloat(close).Mul(one.Add(slip)).Round(PricePlaces)
	}
	return decimal.NewFromFloat(close).Mul(one.Sub(slip)).Round(PricePlaces)
}

// openTrade sizes and opens a long at c's close. It returns a non-empty
// rejection instead of a trade when the entry is refused.
func (e *Engine) openTrade(b *ledger.Book, c market.Candle, at time.Time, sig strategy.Signal, allowEntry bool, log *zap.Logger) (*Trade, string, error) {
	if !allowEntry {
		log.Info("entry refused, circuit breaker active")
		return nil, "entries paused by circuit breaker", nil
	}

	q := e.cfg.Quote
	fill := e.fillPrice(c.Close, true)
	fillF := fill.InexactFloat64()

	if err := sig.CheckEntry(fillF); err != nil {
		log.Warn("signal levels inconsistent with fill, holding", zap.Error(err))
		return nil, "", nil
	}

	one := decimal.NewFromInt(1)
	lev := b.Account().Leverage
	equity := b.Available(q).Amount().Add(b.Reserved(q).Amount())

	// Leave room for the fee on the full notional.
	value := b.BuyingPower().Amount().
		Mul(e.cfg.PositionFraction).
		Div(one.Add(e.cfg.FeeRate.Mul(lev)))
	qty := value.Div(fill).Truncate(QuantityPlaces)

	if e.cfg.RiskPerTrade > 0 && sig.StopLoss != nil {
		rq := risk.RiskSizedQuantity(equity.InexactFloat64(), e.cfg.RiskPerTrade, fillF, *sig.StopLoss)
		if capped := decimal.NewFromFloat(rq).Truncate(QuantityPlaces); capped.LessThan(qty) {
			qty = capped
		}
	}

	decision := risk.EvaluateEntry(e.cfg.Entry, risk.Intent{
		Confidence: sig.Confidence,
		Quantity:   qty.InexactFloat64(),
		Entry:      fillF,
		Stop:       sig.StopLoss,
		TakeProfit: sig.TakeProfit(),
		Equity:     equity.InexactFloat64(),
	})
	if !decision.Allowed {
		log.Info("entry rejected",
			zap.Strings("violations", decision.Codes()),
			zap.Float64("confidence", sig.Confidence))
		return nil, decision.Summary(), nil
	}

	notional := qty.Mul(fill)
	margin := notional.Div(lev)
	fee := notional.Mul(e.cfg.FeeRate)

	t := &Trade{
		ID:          e.ids.New(at),
		AccountID:   e.cfg.AccountID,
		Symbol:      e.cfg.Symbol,
		Side:        Long,
		EntryTime:   at,
		EntryPrice:  fill,
		Quantity:    qty,
		Margin:      money.New(margin, q),
		StopLoss:    sig.StopLoss,
		TakeProfit1: sig.TakeProfit1,
		TakeProfit2: sig.TakeProfit2,
		Confidence:  sig.Confidence,
		Fees:        money.New(fee, q),
		PnL:         money.Zero(q),
	}

	err := b.ApplyTrade(ledger.Fill{
		TradeID: t.ID,
		Legs:    []ledger.Leg{{Type: ledger.TxBuy, Amount: money.New(margin.Neg(), q), Reserved: money.New(margin, q)}},
		Fee:     money.New(fee, q),
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		log.Warn("entry rejected", zap.Error(err))
		return nil, err.Error(), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("open trade: %w", err)
	}
	return t, "", nil
}

// closeTrade exits t at price. A loss larger than the account can cover is
// clamped so that available never goes negative.
func (e *Engine) closeTrade(b *ledger.Book, t *Trade, price decimal.Decimal, at time.Time, reason ExitReason, log *zap.Logger) (*Trade, error) {
	q := e.cfg.Quote
	margin := t.Margin.Amount()
	gross := t.Unrealized(price)
	fee := price.Mul(t.Quantity).Mul(e.cfg.FeeRate)

	avail := b.Available(q).Amount()
	if after := avail.Add(margin).Add(gross).Sub(fee); after.IsNegative() {
		clamped := fee.Sub(avail).Sub(margin)
		log.Warn("loss exceeds account funds, clamping",
			zap.String("trade", t.ID),
			zap.String("loss", gross.String()),
			zap.String("clamped", clamped.String()))
		gross = clamped
	}

	err := b.ApplyTrade(ledger.Fill{
		TradeID: t.ID,
		Legs:    []ledger.Leg{{Type: ledger.TxSell, Amount: money.New(margin.Add(gross), q), Reserved: money.New(margin.Neg(), q)}},
		Fee:     money.New(fee, q),
	})
	if err != nil {
		return nil, fmt.Errorf("close trade %s: %w", t.ID, err)
	}

	closed := *t
	closed.ExitTime = at
	closed.ExitPrice = price
	closed.ExitReason = reason
	closed.Fees = money.New(t.Fees.Amount().Add(fee), q)
	closed.PnL = money.New(gross.Sub(closed.Fees.Amount()), q)
	return &closed, nil
}

// equityPoint marks the staged account to c's close.
func (e *Engine) equityPoint(b *ledger.Book, cur *Trade, c market.Candle, at time.Time) EquityPoint {
	q := e.cfg.Quote
	eq := b.Available(q).Amount().Add(b.Reserved(q).Amount())
	if cur != nil {
		eq = eq.Add(cur.Unrealized(decimal.NewFromFloat(c.Close)))
	}
	return EquityPoint{Time: at, Equity: money.New(eq, q)}
}

func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	ev.AccountID = e.cfg.AccountID
	ev.Symbol = e.cfg.Symbol
	notify.Send(ctx, e.sink, ev, e.log)
}

func blockingKinds(b *risk.Breakers, now time.Time) []string {
	var out []string
	for _, s := range b.Blocking(now) {
		out = append(out, string(s.Kind))
	}
	return out
}
