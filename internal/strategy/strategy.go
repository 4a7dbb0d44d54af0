// Package strategy holds the leg and strategy model plus the in-memory store
// that prices multi-leg structures from streaming quotes.
package strategy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/schema"
)

// Side is the direction of a leg within a strategy.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Condition selects which side of the target the alarm watches.
type Condition string

const (
	ConditionBelow Condition = "BELOW"
	ConditionAbove Condition = "ABOVE"
)

// Status is the lifecycle state of a strategy.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusDone      Status = "DONE"
	StatusCancelled Status = "CANCELLED"
)

// Leg is one instrument position inside a strategy. Quantity is always
// positive; Side carries the sign.
type Leg struct {
	ID        string
	Ticker    instrument.Ticker
	Side      Side
	Quantity  decimal.Decimal
	Quote     schema.Quote
	UpdatedAt time.Time
}

// NewLeg allocates a leg with a fresh identity and an empty quote.
func NewLeg(ticker instrument.Ticker, side Side, quantity decimal.Decimal) (*Leg, error) {
	if ticker == "" {
		return nil, errs.New("strategy/leg", errs.CodeInvalid, errs.WithMessage("ticker required"))
	}
	if side != SideLong && side != SideShort {
		return nil, errs.New("strategy/leg", errs.CodeInvalid, errs.WithMessage("side must be LONG or SHORT"), errs.WithTicker(string(ticker)))
	}
	if quantity.Sign() <= 0 {
		return nil, errs.New("strategy/leg", errs.CodeInvalid, errs.WithMessage("quantity must be positive"), errs.WithTicker(string(ticker)))
	}
	leg := new(Leg)
	leg.ID = uuid.NewString()
	leg.Ticker = ticker
	leg.Side = side
	leg.Quantity = quantity
	return leg, nil
}

// Contribution is the leg's signed share of the strategy price. Absent when
// the leg has no usable price: a missing quote contributes nothing, never
// zero.
func (l *Leg) Contribution() decimal.NullDecimal {
	price, ok := l.Quote.Price()
	if !ok {
		return decimal.NullDecimal{}
	}
	value := price.Mul(l.Quantity)
	if l.Side == SideShort {
		value = value.Neg()
	}
	return decimal.NewNullDecimal(value)
}

// Strategy is an ordered collection of legs with an optional alarm target.
type Strategy struct {
	ID        string
	Name      string
	Legs      []*Leg
	Target    decimal.NullDecimal
	Condition Condition
	Status    Status
	CreatedAt time.Time
}

// New allocates an active strategy with a fresh identity.
func New(name string, legs []*Leg) (*Strategy, error) {
	if name == "" {
		return nil, errs.New("strategy/new", errs.CodeInvalid, errs.WithMessage("name required"))
	}
	s := new(Strategy)
	s.ID = uuid.NewString()
	s.Name = name
	s.Legs = legs
	s.Status = StatusActive
	s.CreatedAt = time.Now().UTC()
	return s, nil
}

// Price recomputes the strategy value over all legs. The price is absent
// until every leg has a usable quote; a partial sum is never exposed.
func (s *Strategy) Price() decimal.NullDecimal {
	if len(s.Legs) == 0 {
		return decimal.NullDecimal{}
	}
	total := decimal.Zero
	for _, leg := range s.Legs {
		contribution := leg.Contribution()
		if !contribution.Valid {
			return decimal.NullDecimal{}
		}
		total = total.Add(contribution.Decimal)
	}
	return decimal.NewNullDecimal(total)
}

// TargetMet reports whether the current price satisfies the alarm condition.
// False when either price or target is absent.
func (s *Strategy) TargetMet() bool {
	price := s.Price()
	if !price.Valid || !s.Target.Valid {
		return false
	}
	if s.Condition == ConditionAbove {
		return price.Decimal.GreaterThanOrEqual(s.Target.Decimal)
	}
	return price.Decimal.LessThanOrEqual(s.Target.Decimal)
}

// Clone copies the strategy and its legs for lock-free reads by callers.
func (s *Strategy) Clone() *Strategy {
	out := new(Strategy)
	*out = *s
	out.Legs = make([]*Leg, len(s.Legs))
	for i, leg := range s.Legs {
		copied := *leg
		out.Legs[i] = &copied
	}
	return out
}
