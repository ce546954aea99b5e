package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricFillsTotal         = "live_agent_fills_total"
	MetricExitsTotal         = "live_agent_exits_total"
	MetricRejectsTotal       = "live_agent_order_rejects_total"
	MetricTaskErrorsTotal    = "live_agent_task_errors_total"
	MetricPnLRealizedTotal   = "live_agent_pnl_realized_total"
	MetricEquity             = "live_agent_equity"
	MetricPnLUnrealized      = "live_agent_pnl_unrealized"
	MetricPositionSize       = "live_agent_position_size"
	MetricQueueDepth         = "live_agent_execution_queue_depth"
	MetricCircuitBreakerOpen = "live_agent_circuit_breaker_open"
	MetricHeartbeatAge       = "live_agent_heartbeat_age_seconds"
	MetricExecLatency        = "live_agent_execution_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	FillsTotal         metric.Int64Counter
	ExitsTotal         metric.Int64Counter
	RejectsTotal       metric.Int64Counter
	TaskErrorsTotal    metric.Int64Counter
	PnLRealizedTotal   metric.Float64Counter
	Equity             metric.Float64ObservableGauge
	PnLUnrealized      metric.Float64ObservableGauge
	PositionSize       metric.Float64ObservableGauge
	QueueDepth         metric.Int64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	HeartbeatAge       metric.Float64ObservableGauge
	ExecLatency        metric.Float64Histogram

	// State for observable gauges
	mu            sync.RWMutex
	equityMap     map[string]float64
	unrealizedMap map[string]float64
	posSizeMap    map[string]float64
	queueDepthMap map[string]int64
	cbOpenMap     map[string]int64
	hbAgeMap      map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equityMap:     make(map[string]float64),
			unrealizedMap: make(map[string]float64),
			posSizeMap:    make(map[string]float64),
			queueDepthMap: make(map[string]int64),
			cbOpenMap:     make(map[string]int64),
			hbAgeMap:      make(map[string]float64),
		}
		// Noop instruments until InitMetrics installs the real meter,
		// so callers never hit a nil instrument
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("live_agent"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Total fills executed by the broker"))
	if err != nil {
		return err
	}

	m.ExitsTotal, err = meter.Int64Counter(MetricExitsTotal, metric.WithDescription("Total position exits"))
	if err != nil {
		return err
	}

	m.RejectsTotal, err = meter.Int64Counter(MetricRejectsTotal, metric.WithDescription("Total orders rejected by safety gates"))
	if err != nil {
		return err
	}

	m.TaskErrorsTotal, err = meter.Int64Counter(MetricTaskErrorsTotal, metric.WithDescription("Total session task errors"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.ExecLatency, err = meter.Float64Histogram(MetricExecLatency, metric.WithDescription("Simulated execution latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Current session equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.posSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Orders waiting in the execution queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("breaker", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.HeartbeatAge, err = meter.Float64ObservableGauge(MetricHeartbeatAge, metric.WithDescription("Age of the cooperative heartbeat"), metric.WithUnit("s"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.hbAgeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetEquity records the current equity for a symbol
func (m *MetricsHolder) SetEquity(symbol string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[symbol] = v
}

// SetUnrealizedPnL records the current unrealized PnL for a symbol
func (m *MetricsHolder) SetUnrealizedPnL(symbol string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedMap[symbol] = v
}

// SetPositionSize records the current position size for a symbol
func (m *MetricsHolder) SetPositionSize(symbol string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posSizeMap[symbol] = v
}

// SetQueueDepth records the execution queue depth for a symbol
func (m *MetricsHolder) SetQueueDepth(symbol string, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[symbol] = v
}

// SetCircuitBreakerOpen records the open/closed state of a breaker
func (m *MetricsHolder) SetCircuitBreakerOpen(name string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open {
		m.cbOpenMap[name] = 1
	} else {
		m.cbOpenMap[name] = 0
	}
}

// SetHeartbeatAge records the heartbeat age for a symbol
func (m *MetricsHolder) SetHeartbeatAge(symbol string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hbAgeMap[symbol] = seconds
}
