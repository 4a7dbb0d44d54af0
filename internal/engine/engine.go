// Package engine wires the strategy book, subscription multiplexer, alarm
// machine, debouncer, and event bus into one pricing engine.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/strikewatch/config"
	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/alarm"
	"github.com/coachpo/strikewatch/internal/bus/eventbus"
	"github.com/coachpo/strikewatch/internal/debounce"
	"github.com/coachpo/strikewatch/internal/feed"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/mux"
	"github.com/coachpo/strikewatch/internal/observability"
	"github.com/coachpo/strikewatch/internal/parse"
	"github.com/coachpo/strikewatch/internal/schema"
	"github.com/coachpo/strikewatch/internal/strategy"
	"github.com/coachpo/strikewatch/lib/async"
)

// SessionFactory opens the external market-data session. The engine passes
// itself as the callback handler before any subscription is issued.
type SessionFactory func(handler feed.Handler) (feed.Session, error)

// Options configures engine construction beyond the settings file.
type Options struct {
	// TimerFactory overrides the debouncer clock. Tests drive it manually.
	TimerFactory debounce.TimerFactory
	Runtime      *observability.RuntimeMetrics
}

// Engine is the single-process pricing engine. All public operations are safe
// for concurrent use.
type Engine struct {
	cfg       config.Settings
	store     *strategy.Store
	mux       *mux.Multiplexer
	alarms    *alarm.Machine
	debouncer *debounce.Debouncer
	bus       eventbus.Bus
	pool      *async.Pool
	runtime   *observability.RuntimeMetrics
	closed    atomic.Bool
}

// New builds the engine, opens the session through dial, and starts the flush
// pool. The bus is borrowed: the engine publishes to it and closes it last.
func New(cfg config.Settings, bus eventbus.Bus, dial SessionFactory, opts Options) (*Engine, error) {
	pool, err := async.NewPool(cfg.Mux.FlushWorkers, cfg.Mux.FlushQueue)
	if err != nil {
		return nil, err
	}
	runtime := opts.Runtime
	if runtime == nil {
		runtime = observability.NewRuntimeMetrics()
	}

	e := new(Engine)
	e.cfg = cfg
	e.store = strategy.NewStore()
	e.alarms = alarm.NewMachine(runtime)
	e.debouncer = debounce.New(cfg.Debounce.Window, opts.TimerFactory)
	e.bus = bus
	e.pool = pool
	e.runtime = runtime

	session, err := dial(e)
	if err != nil {
		pool.Close()
		return nil, errs.New("engine/new", errs.CodeFeed, errs.WithMessage("open market-data session"), errs.WithCause(err))
	}
	e.mux = mux.New(mux.Options{
		Session:   session,
		Quotes:    e.applyQuote,
		Status:    e.publishSubscriptionStatus,
		FlushPool: pool,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.Mux.ControlRate), cfg.Mux.ControlBurst),
		Metrics:   runtime,
	})
	return e, nil
}

// Metrics exposes the engine's runtime counters.
func (e *Engine) Metrics() observability.EngineMetricsSnapshot { return e.runtime.Snapshot() }

// CreateStrategy inserts an empty active strategy.
func (e *Engine) CreateStrategy(name string) (*strategy.Strategy, error) {
	if err := e.guard("engine/create"); err != nil {
		return nil, err
	}
	st, err := strategy.New(name, nil)
	if err != nil {
		return nil, err
	}
	snapshot := st.Clone()
	if err := e.store.Add(st); err != nil {
		return nil, err
	}
	e.markChanged(st.ID)
	return snapshot, nil
}

// AddParsed builds a whole strategy from a free-text description line.
func (e *Engine) AddParsed(text string) (*strategy.Strategy, error) {
	if err := e.guard("engine/add-parsed"); err != nil {
		return nil, err
	}
	parsed, err := parse.Parse(text)
	if err != nil {
		return nil, err
	}
	legs := make([]*strategy.Leg, 0, len(parsed.Legs))
	for _, pl := range parsed.Legs {
		leg, err := strategy.NewLeg(pl.Ticker, pl.Side, decimal.NewFromInt(int64(pl.Quantity)))
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	st, err := strategy.New(parsed.Name, legs)
	if err != nil {
		return nil, err
	}
	// Clone before the legs become routable; quote delivery writes them
	// under the store lock.
	snapshot := st.Clone()
	if err := e.store.Add(st); err != nil {
		return nil, err
	}
	var regErrs []error
	for _, leg := range legs {
		if err := e.mux.Register(leg.ID, leg.Ticker); err != nil {
			regErrs = append(regErrs, err)
		}
	}
	if len(regErrs) > 0 {
		return nil, observability.AggregateErrors("register parsed legs", regErrs)
	}
	e.markChanged(st.ID)
	return snapshot, nil
}

// RemoveStrategy deletes a strategy and releases every leg's feed interest.
func (e *Engine) RemoveStrategy(strategyID string) error {
	if err := e.guard("engine/remove"); err != nil {
		return err
	}
	removed, err := e.store.Remove(strategyID)
	if err != nil {
		return err
	}
	for _, leg := range removed.Legs {
		e.mux.Unregister(leg.ID, leg.Ticker)
	}
	e.alarms.Reset(strategyID)
	e.debouncer.Cancel(strategyID)
	return nil
}

// UpdateTarget replaces the alarm target and condition. The alarm state
// restarts so the edit cannot fire a transition against the old target.
func (e *Engine) UpdateTarget(strategyID string, target decimal.NullDecimal, condition strategy.Condition) error {
	if err := e.guard("engine/target"); err != nil {
		return err
	}
	if err := e.store.SetTarget(strategyID, target, condition); err != nil {
		return err
	}
	e.alarms.Reset(strategyID)
	e.evaluateAlarm(strategyID)
	e.markChanged(strategyID)
	return nil
}

// UpdateStatus moves the strategy lifecycle. Leaving Active while the alarm is
// armed emits one final TargetLeft.
func (e *Engine) UpdateStatus(strategyID string, status strategy.Status) error {
	if err := e.guard("engine/status"); err != nil {
		return err
	}
	if err := e.store.SetStatus(strategyID, status); err != nil {
		return err
	}
	e.evaluateAlarm(strategyID)
	e.markChanged(strategyID)
	return nil
}

// RenameStrategy changes the display name.
func (e *Engine) RenameStrategy(strategyID, name string) error {
	if err := e.guard("engine/rename"); err != nil {
		return err
	}
	if err := e.store.Rename(strategyID, name); err != nil {
		return err
	}
	e.markChanged(strategyID)
	return nil
}

// Rearm clears the strategy's alarm so the next qualifying price fires again.
func (e *Engine) Rearm(strategyID string) error {
	if err := e.guard("engine/rearm"); err != nil {
		return err
	}
	if _, err := e.store.Get(strategyID); err != nil {
		return err
	}
	e.alarms.Rearm(strategyID)
	return nil
}

// CreateLeg attaches a new leg and registers its feed interest. The raw
// ticker is canonicalized here; every layer below sees one spelling.
func (e *Engine) CreateLeg(strategyID, rawTicker string, side strategy.Side, quantity decimal.Decimal) (*strategy.Leg, error) {
	if err := e.guard("engine/leg"); err != nil {
		return nil, err
	}
	ticker, err := instrument.Canonical(rawTicker)
	if err != nil {
		return nil, err
	}
	leg, err := strategy.NewLeg(ticker, side, quantity)
	if err != nil {
		return nil, err
	}
	if err := e.store.AttachLeg(strategyID, leg); err != nil {
		return nil, err
	}
	// Snapshot before Register: once the leg is routable the session's
	// goroutines mutate it under the store lock.
	copied := *leg
	if err := e.mux.Register(leg.ID, ticker); err != nil {
		return nil, err
	}
	e.evaluateAlarm(strategyID)
	e.markChanged(strategyID)
	return &copied, nil
}

// UpdateLegTicker repoints a leg at a different instrument. The old interest
// is released, the new one registered, and the strategy reprices from
// incomplete until the new instrument ticks.
func (e *Engine) UpdateLegTicker(legID, rawTicker string) error {
	if err := e.guard("engine/leg"); err != nil {
		return err
	}
	ticker, err := instrument.Canonical(rawTicker)
	if err != nil {
		return err
	}
	old, err := e.store.RetargetLeg(legID, ticker)
	if err != nil {
		return err
	}
	if old == ticker {
		return nil
	}
	e.mux.Unregister(legID, old)
	if err := e.mux.Register(legID, ticker); err != nil {
		return err
	}
	strategyID, _ := e.store.Owner(legID)
	e.evaluateAlarm(strategyID)
	e.markChanged(strategyID)
	return nil
}

// RemoveLeg detaches a leg and releases its feed interest.
func (e *Engine) RemoveLeg(legID string) error {
	if err := e.guard("engine/leg"); err != nil {
		return err
	}
	strategyID, _ := e.store.Owner(legID)
	leg, err := e.store.DetachLeg(legID)
	if err != nil {
		return err
	}
	e.mux.Unregister(legID, leg.Ticker)
	e.evaluateAlarm(strategyID)
	e.markChanged(strategyID)
	return nil
}

// Get returns a copy of one strategy.
func (e *Engine) Get(strategyID string) (*strategy.Strategy, error) {
	return e.store.Get(strategyID)
}

// List returns copies of every strategy.
func (e *Engine) List() []*strategy.Strategy {
	return e.store.List()
}

// OnQuote implements feed.Handler by routing through the multiplexer.
func (e *Engine) OnQuote(ticker instrument.Ticker, quote schema.Quote) {
	if e.mux == nil || e.closed.Load() {
		return
	}
	e.mux.OnQuote(ticker, quote)
}

// OnSubscriptionStarted implements feed.Handler.
func (e *Engine) OnSubscriptionStarted(ticker instrument.Ticker) {
	if e.mux == nil {
		return
	}
	e.mux.OnSubscriptionStarted(ticker)
}

// OnSubscriptionFailed implements feed.Handler.
func (e *Engine) OnSubscriptionFailed(ticker instrument.Ticker, reason string) {
	if e.mux == nil {
		return
	}
	e.mux.OnSubscriptionFailed(ticker, reason)
}

// OnSessionTerminated implements feed.Handler. Prices freeze at their last
// values; alarms hold their state until quotes resume.
func (e *Engine) OnSessionTerminated() {
	observability.Log().Error("market-data session terminated")
	e.publish(&schema.Event{
		Type:   schema.EventSubscriptionDown,
		Reason: "session terminated",
		EmitTS: time.Now().UTC(),
	})
}

// Close shuts the engine down: stop quote routing and discard staged
// subscription work, then the debouncer, the flush pool, and finally the
// session handle held by the multiplexer. The bus outlives the engine so
// subscribers drain; the owner closes it.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.debouncer.Close()
	var closeErrs []error
	if err := e.pool.Shutdown(ctx); err != nil {
		closeErrs = append(closeErrs, err)
	}
	if err := e.mux.Close(); err != nil {
		closeErrs = append(closeErrs, err)
	}
	return observability.AggregateErrors("engine close", closeErrs)
}

func (e *Engine) guard(scope string) error {
	if e.closed.Load() {
		return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("engine closed"))
	}
	return nil
}

// applyQuote is the per-leg quote sink: merge, recompute, evaluate, publish.
func (e *Engine) applyQuote(legID string, ticker instrument.Ticker, quote schema.Quote) {
	res, err := e.store.ApplyQuote(legID, quote)
	if err != nil {
		// The leg left the book while the quote was in flight.
		observability.Log().Debug("quote for unindexed leg",
			observability.Field{Key: "leg", Value: legID},
			observability.Field{Key: "ticker", Value: string(ticker)},
		)
		return
	}
	e.publish(&schema.Event{
		Type:       schema.EventPriceChanged,
		StrategyID: res.StrategyID,
		Price:      res.Price,
		Complete:   res.Complete,
		EmitTS:     time.Now().UTC(),
	})
	e.evaluateAlarm(res.StrategyID)
}

// evaluateAlarm folds the strategy's current snapshot into the alarm machine
// and publishes any transition.
func (e *Engine) evaluateAlarm(strategyID string) {
	if strategyID == "" {
		return
	}
	st, err := e.store.Get(strategyID)
	if err != nil {
		return
	}
	res, err := e.store.Result(strategyID)
	if err != nil {
		return
	}
	transition := e.alarms.Evaluate(alarm.Input{
		StrategyID: strategyID,
		Status:     st.Status,
		Target:     st.Target,
		Condition:  st.Condition,
		Price:      res.Price,
		Complete:   res.Complete,
	})
	switch transition {
	case alarm.Reached:
		e.publishAlarm(schema.EventTargetReached, st, res)
	case alarm.Left:
		e.publishAlarm(schema.EventTargetLeft, st, res)
	}
}

func (e *Engine) publishAlarm(typ schema.EventType, st *strategy.Strategy, res strategy.AggregateResult) {
	observability.Log().Info("alarm transition",
		observability.Field{Key: "strategy", Value: st.ID},
		observability.Field{Key: "name", Value: st.Name},
		observability.Field{Key: "type", Value: string(typ)},
	)
	e.publish(&schema.Event{
		Type:       typ,
		StrategyID: st.ID,
		Price:      res.Price,
		Target:     st.Target,
		Complete:   res.Complete,
		EmitTS:     time.Now().UTC(),
	})
}

func (e *Engine) publishSubscriptionStatus(ticker instrument.Ticker, up bool, reason string) {
	typ := schema.EventSubscriptionUp
	if !up {
		typ = schema.EventSubscriptionDown
	}
	e.publish(&schema.Event{
		Type:   typ,
		Ticker: ticker,
		Reason: reason,
		EmitTS: time.Now().UTC(),
	})
}

// markChanged schedules one debounced StrategyChanged for the sync layer. A
// burst of edits within the quiet window collapses to a single event.
func (e *Engine) markChanged(strategyID string) {
	e.debouncer.Schedule(strategyID, func() {
		e.publish(&schema.Event{
			Type:       schema.EventStrategyChanged,
			StrategyID: strategyID,
			EmitTS:     time.Now().UTC(),
		})
	})
}

func (e *Engine) publish(evt *schema.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), evt); err != nil {
		observability.Log().Debug("bus publish dropped",
			observability.Field{Key: "type", Value: string(evt.Type)},
		)
	}
}
