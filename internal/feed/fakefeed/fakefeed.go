// Package fakefeed provides a synthetic market-data session for testing and development.
package fakefeed

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/feed"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/schema"
)

// Options configures the fake session runtime.
type Options struct {
	TickInterval time.Duration
	Clock        func() time.Time
}

// Session emits synthetic random-walk quotes for every subscribed ticker,
// each on its own goroutine, so callbacks arrive from a context foreign to
// the caller the way a real session's would.
type Session struct {
	interval time.Duration
	clock    func() time.Time
	handler  feed.Handler

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu     sync.Mutex
	routes map[instrument.Ticker]*routeHandle

	seqMu sync.Mutex
	seq   map[instrument.Ticker]uint64
}

type routeHandle struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New constructs a fake session delivering callbacks to handler.
func New(opts Options, handler feed.Handler) *Session {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Session)
	s.interval = interval
	s.clock = clock
	s.handler = handler
	s.ctx = ctx
	s.cancel = cancel
	s.routes = make(map[instrument.Ticker]*routeHandle)
	s.seq = make(map[instrument.Ticker]uint64)
	return s
}

// Subscribe starts a synthetic quote stream per ticker. Tickers whose body
// contains "FAIL" report a subscription failure instead, so error paths can
// be exercised without a real feed.
func (s *Session) Subscribe(ctx context.Context, tickers []instrument.Ticker) error {
	if s.closed.Load() {
		return errs.New("fakefeed", errs.CodeUnavailable, errs.WithMessage("session closed"))
	}
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck // context errors pass through unchanged
	}
	for _, ticker := range tickers {
		if strings.Contains(string(ticker), "FAIL") {
			s.handler.OnSubscriptionFailed(ticker, "synthetic subscription failure")
			continue
		}
		s.mu.Lock()
		if _, exists := s.routes[ticker]; exists {
			s.mu.Unlock()
			continue
		}
		handle := s.startRouteLocked(ticker)
		s.routes[ticker] = handle
		s.mu.Unlock()
		s.handler.OnSubscriptionStarted(ticker)
	}
	return nil
}

// Unsubscribe stops the stream for each ticker; unknown tickers are ignored.
func (s *Session) Unsubscribe(ctx context.Context, tickers []instrument.Ticker) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck // context errors pass through unchanged
	}
	for _, ticker := range tickers {
		s.mu.Lock()
		handle, ok := s.routes[ticker]
		if ok {
			delete(s.routes, ticker)
		}
		s.mu.Unlock()
		if ok && handle != nil {
			handle.cancel()
			handle.wg.Wait()
		}
	}
	return nil
}

// Close stops all streams and reports session termination once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	handles := make([]*routeHandle, 0, len(s.routes))
	for ticker, handle := range s.routes {
		handles = append(handles, handle)
		delete(s.routes, ticker)
	}
	s.mu.Unlock()
	for _, handle := range handles {
		handle.cancel()
		handle.wg.Wait()
	}
	s.handler.OnSessionTerminated()
	return nil
}

func (s *Session) startRouteLocked(ticker instrument.Ticker) *routeHandle {
	routeCtx, cancel := context.WithCancel(s.ctx)
	handle := &routeHandle{cancel: cancel} //nolint:exhaustruct // zero value for wg is intentional
	handle.wg.Go(func() {
		s.streamQuotes(routeCtx, ticker)
	})
	return handle
}

func (s *Session) streamQuotes(ctx context.Context, ticker instrument.Ticker) {
	interval := time.NewTicker(s.interval)
	defer interval.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-interval.C:
			s.emitQuote(ticker)
		}
	}
}

func (s *Session) emitQuote(ticker instrument.Ticker) {
	seq := s.nextSeq(ticker)
	price := s.syntheticPrice(ticker, seq)
	spread := 0.01 + 0.005*float64(seq%3)
	quote := schema.Quote{
		Last:       schema.PriceField(price, true),
		Bid:        schema.PriceField(price-spread, true),
		Ask:        schema.PriceField(price+spread, true),
		ReceivedAt: s.clock().UTC(),
	}
	s.handler.OnQuote(ticker, quote)
}

func (s *Session) nextSeq(ticker instrument.Ticker) uint64 {
	s.seqMu.Lock()
	seq := s.seq[ticker] + 1
	s.seq[ticker] = seq
	s.seqMu.Unlock()
	return seq
}

func (s *Session) syntheticPrice(ticker instrument.Ticker, seq uint64) float64 {
	base := basePrice(ticker)
	amplitude := 0.25 * base * 0.01 * math.Sin(float64(seq%13))
	price := base + amplitude
	if price <= 0 {
		price = base
	}
	return price
}

// basePrice derives a stable per-ticker level from the canonical string so
// distinct instruments do not all hover at the same value.
func basePrice(ticker instrument.Ticker) float64 {
	var sum uint64
	for _, r := range string(ticker) {
		sum = sum*31 + uint64(r)
	}
	return 50 + float64(sum%150)
}
