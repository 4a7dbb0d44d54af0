// Package feed defines the boundary with the external market-data session.
package feed

import (
	"context"

	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/schema"
)

// Handler receives asynchronous session callbacks. Implementations must be
// safe to call from the session's own delivery goroutines; no ordering is
// guaranteed between OnSubscriptionStarted and the first OnQuote.
type Handler interface {
	OnQuote(ticker instrument.Ticker, quote schema.Quote)
	OnSubscriptionStarted(ticker instrument.Ticker)
	OnSubscriptionFailed(ticker instrument.Ticker, reason string)
	OnSessionTerminated()
}

// Session is the engine's contract with the external market-data connection.
// Subscribe and Unsubscribe accept batches so callers can coalesce requests.
type Session interface {
	Subscribe(ctx context.Context, tickers []instrument.Ticker) error
	Unsubscribe(ctx context.Context, tickers []instrument.Ticker) error
	Close() error
}
