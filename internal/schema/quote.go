// Package schema defines quote snapshots and engine event types.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest market-data snapshot for one instrument. Absent fields
// are invalid NullDecimals; zero is a valid traded price and is never used as
// a sentinel.
type Quote struct {
	Last       decimal.NullDecimal
	Bid        decimal.NullDecimal
	Ask        decimal.NullDecimal
	ReceivedAt time.Time
}

// PriceField converts a wire-level float into a quote field. Negative values
// are the feed's "no value" sentinel and map to absent.
func PriceField(v float64, present bool) decimal.NullDecimal {
	if !present || v < 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

// Mid returns (bid+ask)/2 when both sides are present.
func (q Quote) Mid() (decimal.Decimal, bool) {
	if !q.Bid.Valid || !q.Ask.Valid {
		return decimal.Decimal{}, false
	}
	return q.Bid.Decimal.Add(q.Ask.Decimal).Div(decimal.NewFromInt(2)), true
}

// Price returns the pricing value for the quote: mid when both bid and ask
// are present, otherwise last. The second return reports availability.
func (q Quote) Price() (decimal.Decimal, bool) {
	if mid, ok := q.Mid(); ok {
		return mid, true
	}
	if q.Last.Valid {
		return q.Last.Decimal, true
	}
	return decimal.Decimal{}, false
}

// Merge overlays the present fields of update onto q, keeping previously seen
// values for fields the update omits.
func (q Quote) Merge(update Quote) Quote {
	out := q
	if update.Last.Valid {
		out.Last = update.Last
	}
	if update.Bid.Valid {
		out.Bid = update.Bid
	}
	if update.Ask.Valid {
		out.Ask = update.Ask
	}
	if !update.ReceivedAt.IsZero() {
		out.ReceivedAt = update.ReceivedAt
	}
	return out
}
