// Package bitunix implements the live market data provider for the
// Bitunix perpetual futures venue. It is data-plane only: klines,
// ticker, funding, and instrument info. Order placement goes through
// the paper broker.
package bitunix

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"live_agent/internal/config"
	"live_agent/internal/core"
	httpclient "live_agent/pkg/http"
	"live_agent/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://fapi.bitunix.com"
	defaultWSURL   = "wss://fapi.bitunix.com/public/"

	klinePath       = "/api/v1/futures/market/kline"
	fundingRatePath = "/api/v1/futures/market/funding_rate"
	tradingPairPath = "/api/v1/futures/market/trading_pairs"

	restTimeout  = 10 * time.Second
	eventBufSize = 256
)

// Provider streams one symbol's market data. REST calls run through the
// resilient client (retry, breaker, limiter); the stream rides the
// reconnecting WebSocket client.
type Provider struct {
	symbol   string
	interval string
	rest     *httpclient.Client
	wsURL    string
	logger   core.ILogger
}

// New builds the provider from the provider config block.
func New(cfg config.ProviderConfig, symbol, interval string, logger core.ILogger) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}

	var signer httpclient.Signer
	if cfg.APIKey != "" && cfg.SecretKey != "" {
		signer = NewSigner(cfg.APIKey, cfg.SecretKey)
	}

	return &Provider{
		symbol:   symbol,
		interval: interval,
		rest:     httpclient.NewClient(baseURL, restTimeout, signer),
		wsURL:    wsURL,
		logger:   logger.WithField("component", "bitunix_provider"),
	}
}

// apiResponse is the venue's REST envelope.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (p *Provider) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	raw, err := p.rest.Get(ctx, path, params)
	if err != nil {
		return err
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	if resp.Code != 0 {
		return fmt.Errorf("venue error from %s: code=%d msg=%s", path, resp.Code, resp.Msg)
	}
	return json.Unmarshal(resp.Data, out)
}

// klineRow is one bar as the venue returns it.
type klineRow struct {
	Time    int64           `json:"time"`
	Open    decimal.Decimal `json:"open"`
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	Close   decimal.Decimal `json:"close"`
	BaseVol decimal.Decimal `json:"baseVol"`
}

func (r klineRow) candle() core.Candle {
	return core.Candle{
		TS:     time.UnixMilli(r.Time).UTC().Format(time.RFC3339),
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.BaseVol,
	}
}

// History fetches the most recent n closed candles.
func (p *Provider) History(ctx context.Context, n int) ([]core.Candle, error) {
	var rows []klineRow
	err := p.get(ctx, klinePath, map[string]string{
		"symbol":   p.symbol,
		"interval": p.interval,
		"limit":    strconv.Itoa(n),
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("kline fetch failed: %w", err)
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, row.candle())
	}
	return candles, nil
}

// FundingRate fetches the current funding rate for the symbol.
func (p *Provider) FundingRate(ctx context.Context) (decimal.Decimal, error) {
	var data struct {
		FundingRate decimal.Decimal `json:"fundingRate"`
	}
	if err := p.get(ctx, fundingRatePath, map[string]string{"symbol": p.symbol}, &data); err != nil {
		return decimal.Zero, fmt.Errorf("funding rate fetch failed: %w", err)
	}
	return data.FundingRate, nil
}

// FetchInstrumentInfo fetches the contract constraints for a symbol.
func (p *Provider) FetchInstrumentInfo(ctx context.Context, symbol string) (*core.InstrumentInfo, error) {
	var pairs []struct {
		Symbol      string          `json:"symbol"`
		TickSize    decimal.Decimal `json:"tickSize"`
		LotSize     decimal.Decimal `json:"lotSize"`
		MinQty      decimal.Decimal `json:"minQty"`
		MaxQty      decimal.Decimal `json:"maxQty"`
		MinNotional decimal.Decimal `json:"minNotional"`
	}
	if err := p.get(ctx, tradingPairPath, map[string]string{"symbols": symbol}, &pairs); err != nil {
		return nil, fmt.Errorf("trading pair fetch failed: %w", err)
	}

	for _, pair := range pairs {
		if pair.Symbol == symbol {
			return &core.InstrumentInfo{
				TickSize:    pair.TickSize,
				LotSize:     pair.LotSize,
				MinQty:      pair.MinQty,
				MaxQty:      pair.MaxQty,
				MinNotional: pair.MinNotional,
			}, nil
		}
	}
	return nil, fmt.Errorf("symbol %s not found in trading pairs", symbol)
}

// wsMessage is the envelope of every stream push.
type wsMessage struct {
	Ch     string          `json:"ch"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

// Listen subscribes to the kline and ticker channels and serializes the
// stream into MarketEvents. The channel closes when ctx is cancelled.
func (p *Provider) Listen(ctx context.Context) (<-chan core.MarketEvent, error) {
	events := make(chan core.MarketEvent, eventBufSize)

	ws := websocket.NewClient(p.wsURL, func(message []byte) {
		p.handleMessage(events, message)
	}, p.logger)

	ws.SetOnConnected(func() {
		sub := map[string]interface{}{
			"op": "subscribe",
			"args": []map[string]string{
				{"symbol": p.symbol, "ch": "kline_" + p.interval},
				{"symbol": p.symbol, "ch": "ticker"},
			},
		}
		if err := ws.Send(sub); err != nil {
			p.logger.Error("Failed to subscribe", "error", err)
		}
	})
	ws.Start()

	go func() {
		<-ctx.Done()
		ws.Stop()
		close(events)
	}()

	return events, nil
}

// handleMessage decodes one stream push. A full event buffer drops the
// message; ticks are superseded by the next one and candles re-seed from
// history on restart.
func (p *Provider) handleMessage(events chan<- core.MarketEvent, message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		p.logger.Debug("Unparseable stream message", "error", err)
		return
	}

	var ev core.MarketEvent
	switch {
	case msg.Ch == "kline_"+p.interval:
		var row klineRow
		if err := json.Unmarshal(msg.Data, &row); err != nil {
			p.logger.Warn("Malformed kline payload", "error", err)
			return
		}
		candle := row.candle()
		ev.Candle = &candle

	case msg.Ch == "ticker":
		var data struct {
			Last decimal.Decimal `json:"la"`
			Bid  decimal.Decimal `json:"bd"`
			Ask  decimal.Decimal `json:"ak"`
			TS   int64           `json:"ts"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			p.logger.Warn("Malformed ticker payload", "error", err)
			return
		}
		ev.Tick = &core.Tick{
			Symbol: p.symbol,
			Bid:    data.Bid,
			Ask:    data.Ask,
			Last:   data.Last,
			TS:     time.UnixMilli(data.TS).UTC().Format(time.RFC3339),
		}

	default:
		return
	}

	select {
	case events <- ev:
	default:
		p.logger.Warn("Event buffer full, dropping message", "channel", msg.Ch)
	}
}
