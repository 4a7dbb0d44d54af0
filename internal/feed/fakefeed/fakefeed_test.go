package fakefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/schema"
)

type recordingHandler struct {
	mu         sync.Mutex
	quotes     map[instrument.Ticker]int
	started    []instrument.Ticker
	failed     []instrument.Ticker
	terminated bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{quotes: make(map[instrument.Ticker]int)}
}

func (h *recordingHandler) OnQuote(ticker instrument.Ticker, quote schema.Quote) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := quote.Price(); !ok {
		return
	}
	h.quotes[ticker]++
}

func (h *recordingHandler) OnSubscriptionStarted(ticker instrument.Ticker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, ticker)
}

func (h *recordingHandler) OnSubscriptionFailed(ticker instrument.Ticker, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, ticker)
}

func (h *recordingHandler) OnSessionTerminated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
}

func (h *recordingHandler) quoteCount(ticker instrument.Ticker) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quotes[ticker]
}

func TestSubscribeDeliversQuotes(t *testing.T) {
	handler := newRecordingHandler()
	session := New(Options{TickInterval: 5 * time.Millisecond}, handler)
	defer func() { _ = session.Close() }()

	ticker := instrument.MustCanonical("SFRH6C 98.00 Comdty")
	if err := session.Subscribe(context.Background(), []instrument.Ticker{ticker}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.quoteCount(ticker) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected quotes for %s, got %d", ticker, handler.quoteCount(ticker))
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	started := len(handler.started)
	handler.mu.Unlock()
	if started != 1 {
		t.Fatalf("expected one started callback, got %d", started)
	}
}

func TestUnsubscribeStopsStream(t *testing.T) {
	handler := newRecordingHandler()
	session := New(Options{TickInterval: 5 * time.Millisecond}, handler)
	defer func() { _ = session.Close() }()

	ticker := instrument.MustCanonical("SFRM6P 95.50 Comdty")
	if err := session.Subscribe(context.Background(), []instrument.Ticker{ticker}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := session.Unsubscribe(context.Background(), []instrument.Ticker{ticker}); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	settled := handler.quoteCount(ticker)
	time.Sleep(50 * time.Millisecond)
	if got := handler.quoteCount(ticker); got != settled {
		t.Fatalf("quotes continued after unsubscribe: %d -> %d", settled, got)
	}
}

func TestFailingTickerReportsFailure(t *testing.T) {
	handler := newRecordingHandler()
	session := New(Options{TickInterval: time.Millisecond}, handler)
	defer func() { _ = session.Close() }()

	ticker := instrument.Ticker("FAILH6C 1.00 Comdty")
	if err := session.Subscribe(context.Background(), []instrument.Ticker{ticker}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	handler.mu.Lock()
	failed := len(handler.failed)
	handler.mu.Unlock()
	if failed != 1 {
		t.Fatalf("expected one failure callback, got %d", failed)
	}
	if handler.quoteCount(ticker) != 0 {
		t.Fatal("failed subscription must not deliver quotes")
	}
}

func TestCloseTerminatesOnce(t *testing.T) {
	handler := newRecordingHandler()
	session := New(Options{TickInterval: time.Millisecond}, handler)

	ticker := instrument.MustCanonical("ERM6C 97.00 Comdty")
	if err := session.Subscribe(context.Background(), []instrument.Ticker{ticker}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	handler.mu.Lock()
	terminated := handler.terminated
	handler.mu.Unlock()
	if !terminated {
		t.Fatal("expected terminated callback")
	}

	if err := session.Subscribe(context.Background(), []instrument.Ticker{ticker}); err == nil {
		t.Fatal("expected subscribe after close to fail")
	}
}
