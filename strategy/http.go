package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rustyeddy/papertrade/market"
)

// HTTPClient asks an external inference service for a signal. The window
// is POSTed as JSON and the response body is decoded as a Signal.
type HTTPClient struct {
	url        string
	symbol     string
	timeframe  market.Timeframe
	httpClient *http.Client
}

func NewHTTPClient(url, symbol string, tf market.Timeframe, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:        url,
		symbol:     symbol,
		timeframe:  tf,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type evaluateRequest struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Candles   []candleJSON `json:"candles"`
}

type candleJSON struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

func (c *HTTPClient) Evaluate(ctx context.Context, window []market.Candle) (Signal, error) {
	req := evaluateRequest{
		Symbol:    c.symbol,
		Timeframe: string(c.timeframe),
		Candles:   make([]candleJSON, len(window)),
	}
	for i, k := range window {
		req.Candles[i] = candleJSON{k.OpenTime.UTC(), k.Open, k.High, k.Low, k.Close, k.Volume}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Signal{}, fmt.Errorf("evaluate: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Signal{}, fmt.Errorf("evaluate: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Signal{}, fmt.Errorf("evaluate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Signal{}, fmt.Errorf("evaluate: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var sig Signal
	if err := json.NewDecoder(resp.Body).Decode(&sig); err != nil {
		return Signal{}, fmt.Errorf("evaluate: %w: decode response: %v", ErrInvalidSignal, err)
	}
	return sig, nil
}
