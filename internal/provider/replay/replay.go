// Package replay provides a scripted market data provider for dry runs
// and tests.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"live_agent/internal/core"
	"live_agent/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// Provider emits a fixed sequence of market events with an optional
// inter-event delay. History and funding are canned values.
type Provider struct {
	Events  []core.MarketEvent
	Candles []core.Candle // history seed
	Funding decimal.Decimal
	Info    core.InstrumentInfo
	Delay   time.Duration

	// HistoryFailures makes the first N History calls fail, to exercise
	// the seed retry path.
	HistoryFailures int
	historyCalls    int
}

// New creates a replay provider over the given event script.
func New(history []core.Candle, events []core.MarketEvent, delay time.Duration) *Provider {
	return &Provider{
		Events:  events,
		Candles: history,
		Delay:   delay,
	}
}

// LoadScript builds a provider from a JSONL file of market events, one
// {"candle":{...}} or {"tick":{...}} object per line. Blank lines and
// lines starting with # are skipped.
func LoadScript(path string, delay time.Duration) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay script: %w", err)
	}
	defer f.Close()

	var events []core.MarketEvent
	var history []core.Candle
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var ev core.MarketEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("replay script line %d: %w", line, err)
		}
		if ev.Candle == nil && ev.Tick == nil {
			return nil, fmt.Errorf("replay script line %d: neither candle nor tick", line)
		}
		events = append(events, ev)
		if ev.Candle != nil {
			history = append(history, *ev.Candle)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay script: %w", err)
	}

	return &Provider{Events: events, Candles: history, Delay: delay}, nil
}

// Listen streams the scripted events and closes the channel at the end.
func (p *Provider) Listen(ctx context.Context) (<-chan core.MarketEvent, error) {
	ch := make(chan core.MarketEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.Events {
			if p.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.Delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

// History returns the last n canned candles.
func (p *Provider) History(ctx context.Context, n int) ([]core.Candle, error) {
	p.historyCalls++
	if p.historyCalls <= p.HistoryFailures {
		return nil, apperrors.ErrNetwork
	}
	if n >= len(p.Candles) {
		return p.Candles, nil
	}
	return p.Candles[len(p.Candles)-n:], nil
}

// FundingRate returns the canned funding rate.
func (p *Provider) FundingRate(ctx context.Context) (decimal.Decimal, error) {
	return p.Funding, nil
}

// FetchInstrumentInfo returns the canned instrument constraints.
func (p *Provider) FetchInstrumentInfo(ctx context.Context, symbol string) (*core.InstrumentInfo, error) {
	info := p.Info
	return &info, nil
}
