package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/config"
	"github.com/rustyeddy/papertrade/internal/id"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/ledger"
	"github.com/rustyeddy/papertrade/money"
	"github.com/rustyeddy/papertrade/sim"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Paper trade on live candles",
	Long: `Live runs the execution engine at every candle close of the configured
timeframes. The account, its history and any open trade are restored from
the journal, so a restarted process carries on where it stopped.

Stop with Ctrl-C; in-flight cycles finish first.

Example:
  papertrade live -c papertrade.yaml`,
	Args: cobra.NoArgs,
	RunE: runLive,
}

func init() {
	rootCmd.AddCommand(liveCmd)
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := cfg.Sim()
	if err != nil {
		return err
	}
	tfs, err := cfg.Timeframes()
	if err != nil {
		return err
	}
	log = log.With(logFields(sc)...)

	g, err := openGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer g.Close()

	l := ledger.New(ledger.WithStore(g), ledger.WithLogger(log))
	if err := restoreAccount(ctx, g, l, sc, log); err != nil {
		return err
	}

	sink, closeSink, err := buildSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSink()

	strat, stratName, err := buildStrategy(cfg, sc.Symbol, sc.Timeframe)
	if err != nil {
		return err
	}

	opts := []sim.Option{
		sim.WithSink(sink),
		sim.WithLogger(log),
		sim.WithIDs(id.NewGenerator(0)),
	}
	open, err := g.OpenTrade(ctx, sc.AccountID, sc.Symbol)
	switch {
	case err == nil:
		log.Info("resuming open trade", zap.String("trade", open.ID), zap.String("entry", open.EntryPrice.String()))
		opts = append(opts, sim.WithOpenTrade(open))
	case !errors.Is(err, journal.ErrNotFound):
		return fmt.Errorf("load open trade: %w", err)
	}

	eng, err := sim.NewEngine(l, strat, sc, opts...)
	if err != nil {
		return err
	}

	runner := sim.NewLive(eng, buildSource(cfg),
		sim.WithFetchDelay(config.Duration(cfg.Schedule.FetchDelay)),
		sim.WithLiveLogger(log))
	if err := runner.Start(ctx, tfs...); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Paper trading %s with %s on %v (account %s). Ctrl-C to stop.\n",
		sc.Symbol, stratName, tfs, sc.AccountID)
	<-ctx.Done()

	log.Info("shutting down")
	runner.Stop()

	acct, err := l.Snapshot(sc.AccountID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopped. Available %s, reserved %s, %d closed trades this session.\n",
		acct.Available(sc.Quote), acct.Reserved(sc.Quote), len(eng.Trades()))
	return nil
}

// restoreAccount adopts the journaled account, or opens and funds a new one
// the first time the account id is seen.
func restoreAccount(ctx context.Context, g journal.Gateway, l *ledger.Ledger, sc sim.Config, log *zap.Logger) error {
	acct, err := journal.Restore(ctx, g, l, sc.AccountID)
	if err == nil {
		log.Info("account restored", zap.String("available", acct.Available(sc.Quote).String()))
		return nil
	}
	if !errors.Is(err, journal.ErrNotFound) {
		return err
	}

	if _, err := l.Open(ctx, sc.AccountID, sc.AccountName, sc.Quote, sc.Leverage); err != nil {
		return err
	}
	return l.Deposit(ctx, sc.AccountID, money.New(sc.InitialCapital, sc.Quote))
}
