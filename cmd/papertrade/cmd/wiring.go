package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/config"
	"github.com/rustyeddy/papertrade/journal"
	"github.com/rustyeddy/papertrade/market"
	"github.com/rustyeddy/papertrade/notify"
	"github.com/rustyeddy/papertrade/strategy"
)

func openGateway(ctx context.Context, cfg *config.Config, log *zap.Logger) (journal.Gateway, error) {
	switch cfg.Journal.Driver {
	case "memory":
		return journal.NewMemory(), nil
	default:
		g, err := journal.OpenSQL(ctx, cfg.Journal.Driver, cfg.Journal.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return g, nil
	}
}

func buildSource(cfg *config.Config) market.Source {
	if cfg.Market.Source == "csv" {
		return market.NewCSVSource(cfg.Market.CSVPath)
	}
	return market.NewBinanceSource(cfg.Market.BinanceURL, config.Duration(cfg.Market.Timeout))
}

func buildStrategy(cfg *config.Config, symbol string, tf market.Timeframe) (strategy.Strategy, string, error) {
	switch cfg.Strategy.Name {
	case "http":
		return strategy.NewHTTPClient(cfg.Strategy.URL, symbol, tf, config.Duration(cfg.Strategy.Timeout)), "HTTP(" + cfg.Strategy.URL + ")", nil
	default:
		s, err := strategy.NewEMACross(cfg.EMACross())
		if err != nil {
			return nil, "", fmt.Errorf("strategy: %w", err)
		}
		return s, s.Name(), nil
	}
}

// buildSink fans events out to the log and, when configured, Redis. The
// returned close func drains the queue and drops the connection.
func buildSink(ctx context.Context, cfg *config.Config, log *zap.Logger) (notify.Sink, func(), error) {
	var sinks notify.Multi
	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLog(log.Named("notify")))
	}

	closeRedis := func() {}
	if cfg.Notify.RedisAddr != "" {
		client, err := notify.DialRedis(ctx, notify.RedisOptions{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, notify.NewRedis(client, cfg.Notify.RedisChannel))
		closeRedis = func() { _ = client.Close() }
	}
	if len(sinks) == 0 {
		return notify.Nop{}, closeRedis, nil
	}

	async := notify.NewAsync(sinks, cfg.Notify.Buffer, 5*time.Second, log)
	return async, func() {
		async.Close()
		closeRedis()
	}, nil
}
