package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/config"
	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/bus/eventbus"
	"github.com/coachpo/strikewatch/internal/debounce"
	"github.com/coachpo/strikewatch/internal/feed"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/schema"
	"github.com/coachpo/strikewatch/internal/strategy"
)

type fakeSession struct {
	mu           sync.Mutex
	subscribed   map[instrument.Ticker]bool
	unsubscribed map[instrument.Ticker]bool
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		subscribed:   make(map[instrument.Ticker]bool),
		unsubscribed: make(map[instrument.Ticker]bool),
	}
}

func (s *fakeSession) Subscribe(_ context.Context, tickers []instrument.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		s.subscribed[t] = true
	}
	return nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, tickers []instrument.Ticker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		s.unsubscribed[t] = true
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) sawSubscribe(t instrument.Ticker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[t]
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type manualTimers struct {
	mu    sync.Mutex
	fires []func()
}

type inertTimer struct{}

func (inertTimer) Stop() bool { return true }

func (m *manualTimers) factory(_ time.Duration, fn func()) debounce.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fires = append(m.fires, fn)
	return inertTimer{}
}

func (m *manualTimers) fireAll() {
	m.mu.Lock()
	fires := m.fires
	m.fires = nil
	m.mu.Unlock()
	for _, fn := range fires {
		fn()
	}
}

type harness struct {
	engine  *Engine
	session *fakeSession
	bus     *eventbus.MemoryBus
	timers  *manualTimers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	session := newFakeSession()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 128})
	timers := new(manualTimers)
	cfg := config.Default()

	e, err := New(cfg, bus, func(feed.Handler) (feed.Session, error) {
		return session, nil
	}, Options{TimerFactory: timers.factory})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close(context.Background())
		bus.Close()
	})
	return &harness{engine: e, session: session, bus: bus, timers: timers}
}

func (h *harness) watch(t *testing.T, typ schema.EventType) <-chan *schema.Event {
	t.Helper()
	_, ch, err := h.bus.Subscribe(context.Background(), typ)
	if err != nil {
		t.Fatalf("subscribe %s: %v", typ, err)
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan *schema.Event) *schema.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived")
		return nil
	}
}

func expectSilence(t *testing.T, ch <-chan *schema.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func quoteAt(mid float64) schema.Quote {
	return schema.Quote{
		Bid: decimal.NewNullDecimal(decimal.NewFromFloat(mid - 0.01)),
		Ask: decimal.NewNullDecimal(decimal.NewFromFloat(mid + 0.01)),
	}
}

// buildSpread creates a two-leg call spread and returns its strategy and
// canonical leg tickers.
func buildSpread(t *testing.T, h *harness) (*strategy.Strategy, *strategy.Leg, *strategy.Leg) {
	t.Helper()
	st, err := h.engine.CreateStrategy("SFR spread")
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	long, err := h.engine.CreateLeg(st.ID, "SFRF6C 96.5 comdty", strategy.SideLong, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("create long leg: %v", err)
	}
	short, err := h.engine.CreateLeg(st.ID, "SFRF6C 96.75 comdty", strategy.SideShort, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("create short leg: %v", err)
	}
	return st, long, short
}

func TestQuotePathPublishesPriceChanges(t *testing.T) {
	h := newHarness(t)
	prices := h.watch(t, schema.EventPriceChanged)
	st, long, short := buildSpread(t, h)

	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	evt := waitEvent(t, prices)
	if evt.StrategyID != st.ID {
		t.Fatalf("event for %q, want %q", evt.StrategyID, st.ID)
	}
	if evt.Complete || evt.Price.Valid {
		t.Fatalf("one leg of two priced but event complete: %+v", evt)
	}

	h.engine.OnQuote(short.Ticker, quoteAt(0.80))
	evt = waitEvent(t, prices)
	if !evt.Complete || !evt.Price.Valid {
		t.Fatalf("all legs priced but event incomplete: %+v", evt)
	}
	if want := decimal.NewFromFloat(0.20); !evt.Price.Decimal.Equal(want) {
		t.Fatalf("price = %s, want %s", evt.Price.Decimal, want)
	}
}

func TestAlarmEventsFireOncePerCrossing(t *testing.T) {
	h := newHarness(t)
	reached := h.watch(t, schema.EventTargetReached)
	left := h.watch(t, schema.EventTargetLeft)
	st, long, short := buildSpread(t, h)

	target := decimal.NewNullDecimal(decimal.NewFromFloat(0.10))
	if err := h.engine.UpdateTarget(st.ID, target, strategy.ConditionBelow); err != nil {
		t.Fatalf("update target: %v", err)
	}

	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	h.engine.OnQuote(short.Ticker, quoteAt(0.80)) // price 0.20, outside
	expectSilence(t, reached)

	h.engine.OnQuote(short.Ticker, quoteAt(0.95)) // price 0.05, inside
	evt := waitEvent(t, reached)
	if evt.StrategyID != st.ID || !evt.Target.Valid {
		t.Fatalf("reached event malformed: %+v", evt)
	}

	h.engine.OnQuote(short.Ticker, quoteAt(0.94)) // still inside, silent
	expectSilence(t, reached)

	h.engine.OnQuote(short.Ticker, quoteAt(0.70)) // price 0.30, outside
	if evt := waitEvent(t, left); evt.StrategyID != st.ID {
		t.Fatalf("left event malformed: %+v", evt)
	}
}

func TestRearmRefiresWithoutNewCrossing(t *testing.T) {
	h := newHarness(t)
	reached := h.watch(t, schema.EventTargetReached)
	st, long, short := buildSpread(t, h)

	target := decimal.NewNullDecimal(decimal.NewFromFloat(0.10))
	if err := h.engine.UpdateTarget(st.ID, target, strategy.ConditionBelow); err != nil {
		t.Fatalf("update target: %v", err)
	}
	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	h.engine.OnQuote(short.Ticker, quoteAt(0.95))
	waitEvent(t, reached)

	if err := h.engine.Rearm(st.ID); err != nil {
		t.Fatalf("rearm: %v", err)
	}
	h.engine.OnQuote(short.Ticker, quoteAt(0.95))
	if evt := waitEvent(t, reached); evt.StrategyID != st.ID {
		t.Fatalf("rearmed alarm did not refire: %+v", evt)
	}
}

func TestStatusLeavingActiveEmitsLeft(t *testing.T) {
	h := newHarness(t)
	reached := h.watch(t, schema.EventTargetReached)
	left := h.watch(t, schema.EventTargetLeft)
	st, long, short := buildSpread(t, h)

	target := decimal.NewNullDecimal(decimal.NewFromFloat(0.10))
	if err := h.engine.UpdateTarget(st.ID, target, strategy.ConditionBelow); err != nil {
		t.Fatalf("update target: %v", err)
	}
	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	h.engine.OnQuote(short.Ticker, quoteAt(0.95))
	waitEvent(t, reached)

	if err := h.engine.UpdateStatus(st.ID, strategy.StatusDone); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if evt := waitEvent(t, left); evt.StrategyID != st.ID {
		t.Fatalf("left event malformed: %+v", evt)
	}
}

func TestLegRetargetRepricesFromScratch(t *testing.T) {
	h := newHarness(t)
	prices := h.watch(t, schema.EventPriceChanged)
	st, long, short := buildSpread(t, h)

	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	h.engine.OnQuote(short.Ticker, quoteAt(0.80))
	waitEvent(t, prices)
	waitEvent(t, prices)

	if err := h.engine.UpdateLegTicker(short.ID, "SFRF6C 97 comdty"); err != nil {
		t.Fatalf("retarget: %v", err)
	}
	got, err := h.engine.Get(st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price := got.Price(); price.Valid {
		t.Fatalf("retargeted strategy still priced at %s", price.Decimal)
	}

	// Ticks on the surviving leg cannot revive the price alone; the new
	// instrument has not quoted yet.
	h.engine.OnQuote(long.Ticker, quoteAt(1.10))
	waitEvent(t, prices)
	got, _ = h.engine.Get(st.ID)
	if price := got.Price(); price.Valid {
		t.Fatalf("old-ticker quote revived the price: %s", price.Decimal)
	}
}

func TestRetargetToSameTickerKeepsPrice(t *testing.T) {
	h := newHarness(t)
	prices := h.watch(t, schema.EventPriceChanged)
	st, long, short := buildSpread(t, h)

	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	h.engine.OnQuote(short.Ticker, quoteAt(0.80))
	waitEvent(t, prices)
	waitEvent(t, prices)

	// Same instrument under a different raw spelling: no reprice, no
	// subscription churn.
	if err := h.engine.UpdateLegTicker(short.ID, "sfrf6c 96.75 COMDTY"); err != nil {
		t.Fatalf("retarget: %v", err)
	}
	got, err := h.engine.Get(st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price := got.Price(); !price.Valid {
		t.Fatalf("same-ticker retarget wiped the price")
	}

	h.engine.OnQuote(short.Ticker, quoteAt(0.85))
	if evt := waitEvent(t, prices); evt.StrategyID != st.ID {
		t.Fatalf("quote no longer routed after same-ticker retarget: %+v", evt)
	}
}

func TestCreateLegReturnsPreQuoteSnapshot(t *testing.T) {
	h := newHarness(t)
	st, long, _ := buildSpread(t, h)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.engine.OnQuote(long.Ticker, quoteAt(1.00))
			}
		}
	}()

	// New legs on an already-ticking instrument: the returned copy is taken
	// before the leg becomes routable, so it never carries a quote.
	for i := 0; i < 50; i++ {
		leg, err := h.engine.CreateLeg(st.ID, string(long.Ticker), strategy.SideLong, decimal.NewFromInt(1))
		if err != nil {
			t.Fatalf("create leg %d: %v", i, err)
		}
		if _, ok := leg.Quote.Price(); ok {
			t.Fatalf("returned leg %d already carried a quote", i)
		}
	}
	close(stop)
	wg.Wait()
}

func TestAddParsedRegistersAllLegs(t *testing.T) {
	h := newHarness(t)
	st, err := h.engine.AddParsed("Avi    SFRF6 96.50/96.625/96.75 Call Fly    buy to open")
	if err != nil {
		t.Fatalf("add parsed: %v", err)
	}
	if len(st.Legs) != 3 {
		t.Fatalf("parsed strategy has %d legs", len(st.Legs))
	}

	// The engine routes quotes for parsed tickers like any other leg.
	prices := h.watch(t, schema.EventPriceChanged)
	h.engine.OnQuote(st.Legs[0].Ticker, quoteAt(0.30))
	if evt := waitEvent(t, prices); evt.StrategyID != st.ID {
		t.Fatalf("parsed legs not wired into quote path: %+v", evt)
	}

	if _, err := h.engine.AddParsed("garbage"); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("unparseable text accepted: %v", err)
	}
}

func TestDebouncedStrategyChanged(t *testing.T) {
	h := newHarness(t)
	changed := h.watch(t, schema.EventStrategyChanged)
	st, _, _ := buildSpread(t, h)

	// Three rapid edits, one debounced notification.
	if err := h.engine.RenameStrategy(st.ID, "renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := h.engine.UpdateTarget(st.ID, decimal.NewNullDecimal(decimal.NewFromFloat(0.10)), strategy.ConditionBelow); err != nil {
		t.Fatalf("target: %v", err)
	}
	expectSilence(t, changed)

	h.timers.fireAll()
	if evt := waitEvent(t, changed); evt.StrategyID != st.ID {
		t.Fatalf("changed event malformed: %+v", evt)
	}
	expectSilence(t, changed)
}

func TestRemoveStrategyReleasesInterest(t *testing.T) {
	h := newHarness(t)
	st, long, _ := buildSpread(t, h)
	prices := h.watch(t, schema.EventPriceChanged)

	if err := h.engine.RemoveStrategy(st.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.engine.OnQuote(long.Ticker, quoteAt(1.00))
	expectSilence(t, prices)

	if err := h.engine.RemoveStrategy(st.ID); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("double remove: %v", err)
	}
}

func TestSubscriptionStatusEvents(t *testing.T) {
	h := newHarness(t)
	down := h.watch(t, schema.EventSubscriptionDown)

	h.engine.OnSubscriptionFailed("SFRF6C 96.5 Comdty", "unknown security")
	evt := waitEvent(t, down)
	if evt.Ticker != "SFRF6C 96.5 Comdty" || evt.Reason != "unknown security" {
		t.Fatalf("down event malformed: %+v", evt)
	}
}

func TestUseAfterClose(t *testing.T) {
	h := newHarness(t)
	st, _, _ := buildSpread(t, h)

	if err := h.engine.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !h.session.isClosed() {
		t.Fatalf("session not released on close")
	}

	if _, err := h.engine.CreateStrategy("late"); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("create after close: %v", err)
	}
	if err := h.engine.UpdateStatus(st.ID, strategy.StatusDone); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("update after close: %v", err)
	}
	if err := h.engine.Close(context.Background()); err != nil {
		t.Fatalf("double close: %v", err)
	}
}

func TestLegSubscriptionEventuallyIssued(t *testing.T) {
	h := newHarness(t)
	_, long, _ := buildSpread(t, h)

	deadline := time.After(2 * time.Second)
	for !h.session.sawSubscribe(long.Ticker) {
		select {
		case <-deadline:
			t.Fatalf("flush never subscribed %s", long.Ticker)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
