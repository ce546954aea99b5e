package bitunix

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"live_agent/internal/config"
	"live_agent/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.ProviderConfig{BaseURL: srv.URL}, "BTCUSDT", "1m", nopLogger{})
}

func TestHistoryParsesKlines(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, klinePath, r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"code":0,"data":[
			{"time":1750000000000,"open":"100","high":"101","low":"99","close":"100.5","baseVol":"12.5"},
			{"time":1750000060000,"open":"100.5","high":"102","low":"100","close":"101","baseVol":"9"}
		]}`))
	})

	candles, err := p.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, "100.5", candles[0].Close.String())
	assert.Equal(t, "12.5", candles[0].Volume.String())
	assert.Equal(t, "101", candles[1].Close.String())
}

func TestVenueErrorCodeSurfaces(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":10003,"msg":"signature error"}`))
	})

	_, err := p.History(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code=10003")
}

func TestFundingRate(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fundingRatePath, r.URL.Path)
		w.Write([]byte(`{"code":0,"data":{"fundingRate":"0.0001"}}`))
	})

	rate, err := p.FundingRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.0001", rate.String())
}

func TestFetchInstrumentInfo(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":[
			{"symbol":"ETHUSDT","tickSize":"0.01","lotSize":"0.001"},
			{"symbol":"BTCUSDT","tickSize":"0.1","lotSize":"0.0001","minQty":"0.0001","maxQty":"100","minNotional":"5"}
		]}`))
	})

	info, err := p.FetchInstrumentInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "0.1", info.TickSize.String())
	assert.Equal(t, "5", info.MinNotional.String())

	_, err = p.FetchInstrumentInfo(context.Background(), "XRPUSDT")
	assert.Error(t, err)
}

func TestHandleMessageKline(t *testing.T) {
	p := New(config.ProviderConfig{}, "BTCUSDT", "1m", nopLogger{})
	events := make(chan core.MarketEvent, 1)

	p.handleMessage(events, []byte(`{"ch":"kline_1m","symbol":"BTCUSDT",
		"data":{"time":1750000000000,"open":"100","high":"101","low":"99","close":"100.5","baseVol":"3"}}`))

	ev := <-events
	require.NotNil(t, ev.Candle)
	assert.Nil(t, ev.Tick)
	assert.Equal(t, "100.5", ev.Candle.Close.String())
}

func TestHandleMessageTicker(t *testing.T) {
	p := New(config.ProviderConfig{}, "BTCUSDT", "1m", nopLogger{})
	events := make(chan core.MarketEvent, 1)

	p.handleMessage(events, []byte(`{"ch":"ticker","symbol":"BTCUSDT",
		"data":{"la":"100.2","bd":"100.1","ak":"100.3","ts":1750000000000}}`))

	ev := <-events
	require.NotNil(t, ev.Tick)
	assert.Equal(t, "100.2", ev.Tick.Last.String())
	assert.Equal(t, "100.1", ev.Tick.Bid.String())
	assert.Equal(t, "100.3", ev.Tick.Ask.String())
}

func TestHandleMessageIgnoresUnknownChannels(t *testing.T) {
	p := New(config.ProviderConfig{}, "BTCUSDT", "1m", nopLogger{})
	events := make(chan core.MarketEvent, 1)

	p.handleMessage(events, []byte(`{"ch":"depth_book","data":{}}`))
	p.handleMessage(events, []byte(`not json`))
	assert.Empty(t, events)
}

func TestHandleMessageDropsWhenBufferFull(t *testing.T) {
	p := New(config.ProviderConfig{}, "BTCUSDT", "1m", nopLogger{})
	events := make(chan core.MarketEvent, 1)

	msg := []byte(`{"ch":"ticker","data":{"la":"1","bd":"1","ak":"1","ts":1}}`)
	p.handleMessage(events, msg)
	p.handleMessage(events, msg) // buffer full: dropped, not blocked
	assert.Len(t, events, 1)
}

func TestSignerHeaders(t *testing.T) {
	s := NewSigner("my-key", "my-secret")
	req, err := http.NewRequest(http.MethodGet, "https://example.test/api/v1/futures/market/kline?symbol=BTCUSDT&interval=1m", nil)
	require.NoError(t, err)

	require.NoError(t, s.SignRequest(req))
	assert.Equal(t, "my-key", req.Header.Get("api-key"))
	assert.Len(t, req.Header.Get("nonce"), 32)
	assert.NotEmpty(t, req.Header.Get("timestamp"))
	assert.Len(t, req.Header.Get("sign"), 64)

	// Signing is deterministic given the same nonce/timestamp inputs,
	// different nonces give different signatures
	req2, _ := http.NewRequest(http.MethodGet, "https://example.test/api/v1/futures/market/kline?symbol=BTCUSDT&interval=1m", nil)
	require.NoError(t, s.SignRequest(req2))
	assert.NotEqual(t, req.Header.Get("sign"), req2.Header.Get("sign"))
}

func TestSignerBodyIncluded(t *testing.T) {
	body := bytes.NewReader([]byte(`{"symbol":"BTCUSDT"}`))
	req, err := http.NewRequest(http.MethodPost, "https://example.test/api/v1/futures/trade/place_order", body)
	require.NoError(t, err)

	s := NewSigner("k", "s")
	require.NoError(t, s.SignRequest(req))
	assert.Len(t, req.Header.Get("sign"), 64)
}
