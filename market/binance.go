package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// BinanceURL is the public spot REST endpoint.
const BinanceURL = "https://api.binance.com"

const binanceMaxLimit = 1000

// BinanceSource reads klines from the Binance spot REST API. It needs no
// credentials.
type BinanceSource struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewBinanceSource(baseURL string, timeout time.Duration) *BinanceSource {
	if baseURL == "" {
		baseURL = BinanceURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BinanceSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Candles returns up to limit closed klines. The kline that is still
// forming is dropped.
func (b *BinanceSource) Candles(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	if !tf.Valid() {
		return nil, fetchErr(symbol, tf, "unsupported timeframe")
	}
	if limit <= 0 || limit >= binanceMaxLimit {
		limit = binanceMaxLimit - 1
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(tf))
	q.Set("limit", strconv.Itoa(limit+1))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fetchErr(symbol, tf, "build request: %v", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fetchErr(symbol, tf, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fetchErr(symbol, tf, "status %d", resp.StatusCode)
	}

	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fetchErr(symbol, tf, "decode: %v", err)
	}

	now := b.now().UTC()
	out := make([]Candle, 0, len(raw))
	for i, k := range raw {
		c, closeAt, err := parseKline(k)
		if err != nil {
			return nil, fetchErr(symbol, tf, "kline %d: %v", i, err)
		}
		if !closeAt.Before(now) {
			continue
		}
		out = append(out, c)
	}

	if len(out) == 0 {
		return nil, fetchErr(symbol, tf, "no closed klines")
	}
	if err := ValidateSeries(out); err != nil {
		return nil, fetchErr(symbol, tf, "%v", err)
	}
	return lastN(out, limit), nil
}

func parseKline(k []any) (Candle, time.Time, error) {
	if len(k) < 7 {
		return Candle{}, time.Time{}, fmt.Errorf("short kline (%d fields)", len(k))
	}
	openMs, err := toInt64(k[0])
	if err != nil {
		return Candle{}, time.Time{}, err
	}
	closeMs, err := toInt64(k[6])
	if err != nil {
		return Candle{}, time.Time{}, err
	}

	var vals [5]float64
	for i := range vals {
		v, err := toFloat(k[i+1])
		if err != nil {
			return Candle{}, time.Time{}, err
		}
		vals[i] = v
	}

	return Candle{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, time.UnixMilli(closeMs).UTC(), nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
