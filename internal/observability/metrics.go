package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Metric names emitted by the engine.
const (
	MetricQuotesDropped      = "strikewatch_quotes_dropped_total"
	MetricQuotesRouted       = "strikewatch_quotes_routed_total"
	MetricSubscribeFlushes   = "strikewatch_subscribe_flushes_total"
	MetricUnsubscribeFlushes = "strikewatch_unsubscribe_flushes_total"
	MetricAlarmsReached      = "strikewatch_alarms_reached_total"
	MetricAlarmsLeft         = "strikewatch_alarms_left_total"
	MetricDebounceExecutions = "strikewatch_debounce_executions_total"
	MetricActiveSubscription = "strikewatch_active_subscriptions"
)

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the engine.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// EngineMetricsSnapshot captures engine-focused runtime counters.
type EngineMetricsSnapshot struct {
	DroppedQuotes map[string]int `json:"dropped_quotes"`
	RoutedQuotes  map[string]int `json:"routed_quotes"`
	AlarmsReached int            `json:"alarms_reached"`
	AlarmsLeft    int            `json:"alarms_left"`
}

// RuntimeMetrics accumulates engine metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu       sync.Mutex
	snapshot EngineMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.snapshot = EngineMetricsSnapshot{
		DroppedQuotes: make(map[string]int),
		RoutedQuotes:  make(map[string]int),
		AlarmsReached: 0,
		AlarmsLeft:    0,
	}
	return metrics
}

// RecordDroppedQuote increments the stale-quote counter for a ticker.
func (m *RuntimeMetrics) RecordDroppedQuote(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DroppedQuotes[ticker]++
}

// RecordRoutedQuote increments the delivered-quote counter for a ticker.
func (m *RuntimeMetrics) RecordRoutedQuote(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.RoutedQuotes[ticker]++
}

// RecordAlarm tracks a Reached or Left transition.
func (m *RuntimeMetrics) RecordAlarm(reached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reached {
		m.snapshot.AlarmsReached++
		return
	}
	m.snapshot.AlarmsLeft++
}

// Snapshot copies the current engine metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() EngineMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := EngineMetricsSnapshot{
		DroppedQuotes: make(map[string]int, len(m.snapshot.DroppedQuotes)),
		RoutedQuotes:  make(map[string]int, len(m.snapshot.RoutedQuotes)),
		AlarmsReached: m.snapshot.AlarmsReached,
		AlarmsLeft:    m.snapshot.AlarmsLeft,
	}
	for k, v := range m.snapshot.DroppedQuotes {
		out.DroppedQuotes[k] = v
	}
	for k, v := range m.snapshot.RoutedQuotes {
		out.RoutedQuotes[k] = v
	}
	return out
}
