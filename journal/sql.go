package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/sim"
)

// Supported drivers.
const (
	SQLite   = "sqlite3"
	Postgres = "postgres"
)

// SQL is a Gateway over sqlite3 or postgres. Amounts are stored as decimal
// text so nothing is lost to floating point.
type SQL struct {
	db  *sqlx.DB
	log *zap.Logger
	q   queries
}

var _ Gateway = (*SQL)(nil)

// OpenSQL connects, pings and creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string, log *zap.Logger) (*SQL, error) {
	if driver != SQLite && driver != Postgres {
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if driver == SQLite {
		// one writer; a second connection would see "database is locked"
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: ping %s: %w", driver, err)
	}

	s := &SQL{db: db, log: log.With(zap.String("driver", driver))}
	s.q = queries{ext: db}
	if err := s.migrate(ctx, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("journal opened")
	return s, nil
}

func (s *SQL) migrate(ctx context.Context, driver string) error {
	ts := "DATETIME"
	if driver == Postgres {
		ts = "TIMESTAMPTZ"
	}
	for _, stmt := range strings.Split(strings.ReplaceAll(schema, "{{ts}}", ts), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	quote      TEXT NOT NULL,
	leverage   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
	account_id TEXT NOT NULL,
	currency   TEXT NOT NULL,
	available  TEXT NOT NULL,
	reserved   TEXT NOT NULL,
	PRIMARY KEY (account_id, currency)
);

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	currency   TEXT NOT NULL,
	amount     TEXT NOT NULL,
	trade_id   TEXT NOT NULL,
	at         {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, at);

CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	currency      TEXT NOT NULL,
	entry_time    {{ts}} NOT NULL,
	entry_price   TEXT NOT NULL,
	quantity      TEXT NOT NULL,
	margin        TEXT NOT NULL,
	stop_loss     DOUBLE PRECISION,
	take_profit_1 DOUBLE PRECISION,
	take_profit_2 DOUBLE PRECISION,
	confidence    DOUBLE PRECISION NOT NULL,
	exit_time     {{ts}},
	exit_price    TEXT,
	exit_reason   TEXT NOT NULL,
	fees          TEXT NOT NULL,
	pnl           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, entry_time);

CREATE TABLE IF NOT EXISTS equity (
	account_id TEXT NOT NULL,
	at         {{ts}} NOT NULL,
	currency   TEXT NOT NULL,
	equity     TEXT NOT NULL,
	PRIMARY KEY (account_id, at)
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	timeframe  TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	dataset    TEXT NOT NULL,
	start_time {{ts}} NOT NULL,
	end_time   {{ts}} NOT NULL,
	candles    INTEGER NOT NULL,
	report     TEXT NOT NULL,
	created_at {{ts}} NOT NULL
)
`

type accountRow struct {
	ID        string          `db:"id"`
	Name      string          `db:"name"`
	Quote     string          `db:"quote"`
	Leverage  decimal.Decimal `db:"leverage"`
	Status    string          `db:"status"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

type balanceRow struct {
	AccountID string          `db:"account_id"`
	Currency  string          `db:"currency"`
	Available decimal.Decimal `db:"available"`
	Reserved  decimal.Decimal `db:"reserved"`
}

type txRow struct {
	ID        string          `db:"id"`
	AccountID string          `db:"account_id"`
	Type      string          `db:"type"`
	Currency  string          `db:"currency"`
	Amount    decimal.Decimal `db:"amount"`
	TradeID   string          `db:"trade_id"`
	At        time.Time       `db:"at"`
}

type tradeRow struct {
	ID          string              `db:"id"`
	AccountID   string              `db:"account_id"`
	Symbol      string              `db:"symbol"`
	Side        string              `db:"side"`
	Currency    string              `db:"currency"`
	EntryTime   time.Time           `db:"entry_time"`
	EntryPrice  decimal.Decimal     `db:"entry_price"`
	Quantity    decimal.Decimal     `db:"quantity"`
	Margin      decimal.Decimal     `db:"margin"`
	StopLoss    *float64            `db:"stop_loss"`
	TakeProfit1 *float64            `db:"take_profit_1"`
	TakeProfit2 *float64            `db:"take_profit_2"`
	Confidence  float64             `db:"confidence"`
	ExitTime    sql.NullTime        `db:"exit_time"`
	ExitPrice   decimal.NullDecimal `db:"exit_price"`
	ExitReason  string              `db:"exit_reason"`
	Fees        decimal.Decimal     `db:"fees"`
	PnL         decimal.Decimal     `db:"pnl"`
}

type equityRow struct {
	AccountID string          `db:"account_id"`
	At        time.Time       `db:"at"`
	Currency  string          `db:"currency"`
	Equity    decimal.Decimal `db:"equity"`
}

type runRow struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Symbol    string    `db:"symbol"`
	Timeframe string    `db:"timeframe"`
	Strategy  string    `db:"strategy"`
	Dataset   string    `db:"dataset"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
	Candles   int       `db:"candles"`
	Report    string    `db:"report"`
	CreatedAt time.Time `db:"created_at"`
}

// queries runs every statement against either the pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
}

func (q queries) exec(ctx context.Context, query string, args ...any) error {
	_, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	return err
}

func (q queries) SaveAccount(ctx context.Context, a ledger.Account) error {
	err := q.exec(ctx, `
		INSERT INTO accounts (id, name, quote, leverage, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, leverage = excluded.leverage,
			status = excluded.status, updated_at = excluded.updated_at`,
		a.ID, a.Name, string(a.Quote), a.Leverage, string(a.Status), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}

	for _, c := range a.Balance.Currencies() {
		b := a.Balance.Get(c)
		err := q.exec(ctx, `
			INSERT INTO balances (account_id, currency, available, reserved)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (account_id, currency) DO UPDATE SET
				available = excluded.available, reserved = excluded.reserved`,
			a.ID, string(c), b.Available.Amount(), b.Reserved.Amount())
		if err != nil {
			return fmt.Errorf("save balance %s/%s: %w", a.ID, c, err)
		}
	}
	return nil
}

func (q queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	err := q.exec(ctx, `
		INSERT INTO transactions (id, account_id, type, currency, amount, trade_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID, string(tx.Type), string(tx.Amount.Currency()), tx.Amount.Amount(), tx.TradeID, tx.Time.UTC())
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (q queries) SaveTrade(ctx context.Context, t sim.Trade) error {
	var exitTime sql.NullTime
	var exitPrice decimal.NullDecimal
	if !t.IsOpen() {
		exitTime = sql.NullTime{Time: t.ExitTime.UTC(), Valid: true}
		exitPrice = decimal.NullDecimal{Decimal: t.ExitPrice, Valid: true}
	}
	err := q.exec(ctx, `
		INSERT INTO trades (id, account_id, symbol, side, currency, entry_time, entry_price, quantity, margin,
			stop_loss, take_profit_1, take_profit_2, confidence, exit_time, exit_price, exit_reason, fees, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			exit_time = excluded.exit_time, exit_price = excluded.exit_price,
			exit_reason = excluded.exit_reason, fees = excluded.fees, pnl = excluded.pnl`,
		t.ID, t.AccountID, t.Symbol, string(t.Side), string(t.Margin.Currency()), t.EntryTime.UTC(),
		t.EntryPrice, t.Quantity, t.Margin.Amount(),
		t.StopLoss, t.TakeProfit1, t.TakeProfit2, t.Confidence,
		exitTime, exitPrice, string(t.ExitReason), t.Fees.Amount(), t.PnL.Amount())
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

func (q queries) SaveEquity(ctx context.Context, accountID string, p sim.EquityPoint) error {
	err := q.exec(ctx, `
		INSERT INTO equity (account_id, at, currency, equity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, at) DO UPDATE SET equity = excluded.equity`,
		accountID, p.Time.UTC(), string(p.Equity.Currency()), p.Equity.Amount())
	if err != nil {
		return fmt.Errorf("save equity %s@%s: %w", accountID, p.Time.Format(time.RFC3339), err)
	}
	return nil
}

// Atomic runs fn inside one database transaction.
func (s *SQL) Atomic(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(queries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQL) SaveAccount(ctx context.Context, a ledger.Account) error {
	return s.Atomic(ctx, func(st ledger.Store) error { return st.SaveAccount(ctx, a) })
}

func (s *SQL) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.q.AppendTransaction(ctx, tx)
}

func (s *SQL) SaveTrade(ctx context.Context, t sim.Trade) error {
	return s.q.SaveTrade(ctx, t)
}

func (s *SQL) SaveEquity(ctx context.Context, accountID string, p sim.EquityPoint) error {
	return s.q.SaveEquity(ctx, accountID, p)
}

func (s *SQL) FindAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT id, name, quote, leverage, status, created_at, updated_at
		FROM accounts WHERE id = ?`), accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("find account %s: %w", accountID, err)
	}

	var bals []balanceRow
	err = sqlx.SelectContext(ctx, s.db, &bals, s.db.Rebind(`
		SELECT account_id, currency, available, reserved
		FROM balances WHERE account_id = ? ORDER BY currency`), accountID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("find account %s: balances: %w", accountID, err)
	}

	acct := ledger.Account{
		ID:        row.ID,
		Name:      row.Name,
		Quote:     money.Currency(row.Quote),
		Leverage:  row.Leverage,
		Status:    ledger.Status(row.Status),
		Balance:   ledger.Balance{},
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	for _, b := range bals {
		c := money.Currency(b.Currency)
		acct.Balance[c] = ledger.Bucket{
			Available: money.New(b.Available, c),
			Reserved:  money.New(b.Reserved, c),
		}
	}
	return acct, nil
}

func (s *SQL) QueryBalance(ctx context.Context, accountID string, c money.Currency) (ledger.Bucket, error) {
	acct, err := s.FindAccount(ctx, accountID)
	if err != nil {
		return ledger.Bucket{}, err
	}
	return acct.Balance.Get(c), nil
}

func (s *SQL) ListTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	var rows []txRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT id, account_id, type, currency, amount, trade_id, at
		FROM transactions WHERE account_id = ? ORDER BY at, id`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", accountID, err)
	}
	out := make([]ledger.Transaction, len(rows))
	for i, r := range rows {
		out[i] = ledger.Transaction{
			ID:        r.ID,
			AccountID: r.AccountID,
			Type:      ledger.TxType(r.Type),
			Amount:    money.New(r.Amount, money.Currency(r.Currency)),
			TradeID:   r.TradeID,
			Time:      r.At.UTC(),
		}
	}
	return out, nil
}

const tradeColumns = `id, account_id, symbol, side, currency, entry_time, entry_price, quantity, margin,
	stop_loss, take_profit_1, take_profit_2, confidence, exit_time, exit_price, exit_reason, fees, pnl`

func (s *SQL) ListTrades(ctx context.Context, accountID string) ([]sim.Trade, error) {
	var rows []tradeRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT `+tradeColumns+`
		FROM trades WHERE account_id = ? ORDER BY entry_time, id`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", accountID, err)
	}
	out := make([]sim.Trade, len(rows))
	for i, r := range rows {
		out[i] = r.trade()
	}
	return out, nil
}

func (s *SQL) OpenTrade(ctx context.Context, accountID, symbol string) (sim.Trade, error) {
	var row tradeRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT `+tradeColumns+`
		FROM trades WHERE account_id = ? AND symbol = ? AND exit_reason = ''
		ORDER BY entry_time DESC LIMIT 1`), accountID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return sim.Trade{}, fmt.Errorf("open %s trade for %s: %w", symbol, accountID, ErrNotFound)
	}
	if err != nil {
		return sim.Trade{}, fmt.Errorf("open trade %s/%s: %w", accountID, symbol, err)
	}
	return row.trade(), nil
}

func (r tradeRow) trade() sim.Trade {
	c := money.Currency(r.Currency)
	t := sim.Trade{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Symbol:      r.Symbol,
		Side:        sim.Side(r.Side),
		EntryTime:   r.EntryTime.UTC(),
		EntryPrice:  r.EntryPrice,
		Quantity:    r.Quantity,
		Margin:      money.New(r.Margin, c),
		StopLoss:    r.StopLoss,
		TakeProfit1: r.TakeProfit1,
		TakeProfit2: r.TakeProfit2,
		Confidence:  r.Confidence,
		ExitReason:  sim.ExitReason(r.ExitReason),
		Fees:        money.New(r.Fees, c),
		PnL:         money.New(r.PnL, c),
	}
	if r.ExitTime.Valid {
		t.ExitTime = r.ExitTime.Time.UTC()
	}
	if r.ExitPrice.Valid {
		t.ExitPrice = r.ExitPrice.Decimal
	}
	return t
}

func (s *SQL) ListEquity(ctx context.Context, accountID string) ([]sim.EquityPoint, error) {
	var rows []equityRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT account_id, at, currency, equity
		FROM equity WHERE account_id = ? ORDER BY at`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list equity %s: %w", accountID, err)
	}
	out := make([]sim.EquityPoint, len(rows))
	for i, r := range rows {
		out[i] = sim.EquityPoint{Time: r.At.UTC(), Equity: money.New(r.Equity, money.Currency(r.Currency))}
	}
	return out, nil
}

func (s *SQL) SaveRun(ctx context.Context, r Run) error {
	report, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("%w: save run %s: %w", ErrPersistence, r.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, account_id, symbol, timeframe, strategy, dataset, start_time, end_time, candles, report, created_at)
		VALUES (:id, :account_id, :symbol, :timeframe, :strategy, :dataset, :start_time, :end_time, :candles, :report, :created_at)`,
		runRow{
			ID:        r.ID,
			AccountID: r.AccountID,
			Symbol:    r.Symbol,
			Timeframe: r.Timeframe,
			Strategy:  r.Strategy,
			Dataset:   r.Dataset,
			StartTime: r.Start.UTC(),
			EndTime:   r.End.UTC(),
			Candles:   r.Candles,
			Report:    string(report),
			CreatedAt: r.Created.UTC(),
		})
	if err != nil {
		return fmt.Errorf("%w: save run %s: %w", ErrPersistence, r.ID, err)
	}
	return nil
}

func (s *SQL) FindRun(ctx context.Context, runID string) (Run, error) {
	var row runRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT id, account_id, symbol, timeframe, strategy, dataset, start_time, end_time, candles, report, created_at
		FROM runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run %s: %w", runID, err)
	}

	r := Run{
		ID:        row.ID,
		AccountID: row.AccountID,
		Symbol:    row.Symbol,
		Timeframe: row.Timeframe,
		Strategy:  row.Strategy,
		Dataset:   row.Dataset,
		Start:     row.StartTime.UTC(),
		End:       row.EndTime.UTC(),
		Candles:   row.Candles,
		Created:   row.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.Report), &r.Metrics); err != nil {
		return Run{}, fmt.Errorf("find run %s: report: %w", runID, err)
	}
	return r, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
