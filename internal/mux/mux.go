// Package mux multiplexes many strategy legs onto a minimal set of
// market-data subscriptions and routes incoming quotes back to every
// interested leg.
package mux

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/feed"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/observability"
	"github.com/coachpo/strikewatch/internal/schema"
	"github.com/coachpo/strikewatch/lib/async"
)

// QuoteSink receives each routed quote once per interested leg.
type QuoteSink func(legID string, ticker instrument.Ticker, quote schema.Quote)

// StatusSink receives subscription status transitions surfaced by the session.
type StatusSink func(ticker instrument.Ticker, up bool, reason string)

// Options wires the multiplexer's collaborators.
type Options struct {
	Session feed.Session
	Quotes  QuoteSink
	Status  StatusSink
	// FlushPool decouples batch flushes from the registering caller. With a
	// nil pool nothing flushes automatically and the caller drives Flush,
	// which tests rely on for determinism.
	FlushPool *async.Pool
	// Limiter throttles control messages to the session. Optional.
	Limiter *rate.Limiter
	Metrics *observability.RuntimeMetrics
}

// Multiplexer owns the interest map between leg identities and canonical
// tickers. The map and the pending batches share one mutex: quote delivery
// from the session's goroutines and registration changes from the edit path
// must never observe a half-updated interest set for the same ticker.
type Multiplexer struct {
	session feed.Session
	quotes  QuoteSink
	status  StatusSink
	pool    *async.Pool
	limiter *rate.Limiter
	runtime *observability.RuntimeMetrics

	mu            sync.Mutex
	interest      map[instrument.Ticker]map[string]struct{}
	pendingAdd    map[instrument.Ticker]struct{}
	pendingRemove map[instrument.Ticker]struct{}
	closed        bool

	// flushMu serializes whole flush cycles. Two workers interleaving
	// between drain and issue could deliver a later-staged unsubscribe to
	// the session before an earlier-staged subscribe for the same ticker,
	// leaving the external subscription out of step with the interest map.
	flushMu sync.Mutex
}

// New constructs a multiplexer over the provided session.
func New(opts Options) *Multiplexer {
	m := new(Multiplexer)
	m.session = opts.Session
	m.quotes = opts.Quotes
	m.status = opts.Status
	m.pool = opts.FlushPool
	m.limiter = opts.Limiter
	m.runtime = opts.Metrics
	m.interest = make(map[instrument.Ticker]map[string]struct{})
	m.pendingAdd = make(map[instrument.Ticker]struct{})
	m.pendingRemove = make(map[instrument.Ticker]struct{})
	return m
}

// Register adds legID to the ticker's interest set. The first interested leg
// stages an external subscribe. Re-registering the same pair is a no-op.
func (m *Multiplexer) Register(legID string, ticker instrument.Ticker) error {
	if legID == "" || ticker == "" {
		return errs.New("mux/register", errs.CodeInvalid, errs.WithMessage("leg id and ticker required"))
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New("mux/register", errs.CodeUnavailable, errs.WithMessage("multiplexer closed"))
	}
	set, ok := m.interest[ticker]
	if !ok {
		set = make(map[string]struct{}, 1)
		m.interest[ticker] = set
	}
	if _, dup := set[legID]; dup {
		m.mu.Unlock()
		return nil
	}
	set[legID] = struct{}{}
	if len(set) == 1 {
		// First consumer. A pending remove means the external subscription
		// is still live, so the two cancel out.
		if _, pending := m.pendingRemove[ticker]; pending {
			delete(m.pendingRemove, ticker)
		} else {
			m.pendingAdd[ticker] = struct{}{}
		}
	}
	m.mu.Unlock()
	m.scheduleFlush()
	return nil
}

// Unregister removes legID from the ticker's interest set. When the set
// becomes empty an external unsubscribe is staged. Unknown pairs are no-ops:
// they legitimately occur from ordering between edits and in-flight callbacks.
func (m *Multiplexer) Unregister(legID string, ticker instrument.Ticker) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	set, ok := m.interest[ticker]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, member := set[legID]; !member {
		m.mu.Unlock()
		return
	}
	delete(set, legID)
	if len(set) == 0 {
		delete(m.interest, ticker)
		if _, pending := m.pendingAdd[ticker]; pending {
			// Never reached the session; cancel instead of unsubscribing.
			delete(m.pendingAdd, ticker)
		} else {
			m.pendingRemove[ticker] = struct{}{}
		}
	}
	m.mu.Unlock()
	m.scheduleFlush()
}

// Refcount returns the current interest-set size for a ticker.
func (m *Multiplexer) Refcount(ticker instrument.Ticker) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.interest[ticker])
}

// Flush issues at most one subscribe list and one unsubscribe list for all
// staged work. Safe to call redundantly; a flush with no pending work is a
// no-op. Tickers staged for both directions cancelled out at staging time.
// Concurrent flushes run one at a time so control calls reach the session
// in staging order.
func (m *Multiplexer) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	adds := drainTickers(m.pendingAdd)
	removes := drainTickers(m.pendingRemove)
	m.mu.Unlock()

	if len(adds) == 0 && len(removes) == 0 {
		return nil
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			m.restorePending(adds, removes)
			return errs.New("mux/flush", errs.CodeUnavailable, errs.WithMessage("control throttle interrupted"), errs.WithCause(err))
		}
	}

	var flushErrs []error
	if len(adds) > 0 {
		if err := m.session.Subscribe(ctx, adds); err != nil {
			flushErrs = append(flushErrs, err)
		}
		observability.Telemetry().IncCounter(observability.MetricSubscribeFlushes, 1, nil)
	}
	if len(removes) > 0 {
		if err := m.session.Unsubscribe(ctx, removes); err != nil {
			flushErrs = append(flushErrs, err)
		}
		observability.Telemetry().IncCounter(observability.MetricUnsubscribeFlushes, 1, nil)
	}
	m.publishActiveGauge()
	if len(flushErrs) == 0 {
		return nil
	}
	return observability.AggregateErrors("subscription flush", flushErrs,
		observability.Field{Key: "subscribes", Value: len(adds)},
		observability.Field{Key: "unsubscribes", Value: len(removes)},
	)
}

// OnQuote routes a quote to every leg interested in the canonical ticker.
// Quotes for tickers with zero interest are counted and dropped; in-flight
// delivery can outlive the last unregister.
func (m *Multiplexer) OnQuote(ticker instrument.Ticker, quote schema.Quote) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	set, ok := m.interest[ticker]
	if !ok || len(set) == 0 {
		m.mu.Unlock()
		if m.runtime != nil {
			m.runtime.RecordDroppedQuote(string(ticker))
		}
		observability.Telemetry().IncCounter(observability.MetricQuotesDropped, 1, map[string]string{"ticker": string(ticker)})
		observability.Log().Debug("quote for ticker without interest", observability.Field{Key: "ticker", Value: string(ticker)})
		return
	}
	legs := make([]string, 0, len(set))
	for legID := range set {
		legs = append(legs, legID)
	}
	m.mu.Unlock()

	sort.Strings(legs)
	for _, legID := range legs {
		m.quotes(legID, ticker, quote)
	}
	if m.runtime != nil {
		m.runtime.RecordRoutedQuote(string(ticker))
	}
	observability.Telemetry().IncCounter(observability.MetricQuotesRouted, float64(len(legs)), map[string]string{"ticker": string(ticker)})
}

// OnSubscriptionStarted surfaces a feed status transition. The interest map
// is not touched.
func (m *Multiplexer) OnSubscriptionStarted(ticker instrument.Ticker) {
	if m.status != nil {
		m.status(ticker, true, "")
	}
}

// OnSubscriptionFailed surfaces a feed failure for one ticker. Other tickers
// are unaffected; the legs stay price-incomplete until a later subscription
// succeeds.
func (m *Multiplexer) OnSubscriptionFailed(ticker instrument.Ticker, reason string) {
	observability.Log().Error("subscription failed",
		observability.Field{Key: "ticker", Value: string(ticker)},
		observability.Field{Key: "reason", Value: reason},
	)
	if m.status != nil {
		m.status(ticker, false, reason)
	}
}

// Close stops quote acceptance, discards staged batches, and releases the
// session handle. Pending subscribes are never issued after close.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pendingAdd = make(map[instrument.Ticker]struct{})
	m.pendingRemove = make(map[instrument.Ticker]struct{})
	m.interest = make(map[instrument.Ticker]map[string]struct{})
	m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	if err := m.session.Close(); err != nil {
		return errs.New("mux/close", errs.CodeFeed, errs.WithMessage("release session"), errs.WithCause(err))
	}
	return nil
}

func (m *Multiplexer) scheduleFlush() {
	if m.pool == nil {
		return
	}
	// A saturated pool already has flushes queued that will cover this work.
	_ = m.pool.Submit(context.Background(), func(ctx context.Context) error {
		return m.Flush(ctx)
	})
}

func (m *Multiplexer) restorePending(adds, removes []instrument.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, ticker := range adds {
		if len(m.interest[ticker]) > 0 {
			m.pendingAdd[ticker] = struct{}{}
		}
	}
	for _, ticker := range removes {
		if len(m.interest[ticker]) == 0 {
			m.pendingRemove[ticker] = struct{}{}
		}
	}
}

func (m *Multiplexer) publishActiveGauge() {
	m.mu.Lock()
	active := len(m.interest)
	m.mu.Unlock()
	observability.Telemetry().SetGauge(observability.MetricActiveSubscription, float64(active), nil)
}

func drainTickers(set map[instrument.Ticker]struct{}) []instrument.Ticker {
	if len(set) == 0 {
		return nil
	}
	out := make([]instrument.Ticker, 0, len(set))
	for ticker := range set {
		out = append(out, ticker)
		delete(set, ticker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
