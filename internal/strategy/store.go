package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/schema"
)

// AggregateResult is the outcome of a full recompute after a quote update.
type AggregateResult struct {
	StrategyID string
	Name       string
	Price      decimal.NullDecimal
	Complete   bool
	Status     Status
}

// Store is the in-memory strategy book. A secondary leg index resolves the
// owning strategy for each routed quote without scanning the book.
type Store struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
	legIndex   map[string]string
}

// NewStore allocates an empty strategy book.
func NewStore() *Store {
	s := new(Store)
	s.strategies = make(map[string]*Strategy)
	s.legIndex = make(map[string]string)
	return s
}

// Add inserts a strategy and indexes its legs. Duplicate identities conflict.
func (s *Store) Add(st *Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.strategies[st.ID]; exists {
		return errs.New("store/add", errs.CodeConflict, errs.WithMessage("strategy already exists: "+st.ID))
	}
	for _, leg := range st.Legs {
		if owner, taken := s.legIndex[leg.ID]; taken {
			return errs.New("store/add", errs.CodeConflict, errs.WithMessage("leg "+leg.ID+" already owned by strategy "+owner))
		}
	}
	s.strategies[st.ID] = st
	for _, leg := range st.Legs {
		s.legIndex[leg.ID] = st.ID
	}
	return nil
}

// Remove deletes a strategy and de-indexes its legs, returning the removed
// strategy so the caller can unwind subscriptions.
func (s *Store) Remove(strategyID string) (*Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return nil, errs.New("store/remove", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	delete(s.strategies, strategyID)
	for _, leg := range st.Legs {
		delete(s.legIndex, leg.ID)
	}
	return st, nil
}

// Get returns a copy of the strategy for lock-free inspection.
func (s *Store) Get(strategyID string) (*Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return nil, errs.New("store/get", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	return st.Clone(), nil
}

// List returns copies of every strategy ordered by creation time, then ID for
// stability when timestamps collide.
func (s *Store) List() []*Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Owner resolves the strategy owning a leg.
func (s *Store) Owner(legID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.legIndex[legID]
	return id, ok
}

// ApplyQuote merges a quote into the identified leg and recomputes the owning
// strategy from scratch over all legs.
func (s *Store) ApplyQuote(legID string, quote schema.Quote) (AggregateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strategyID, ok := s.legIndex[legID]
	if !ok {
		return AggregateResult{}, errs.New("store/quote", errs.CodeNotFound, errs.WithMessage("leg not indexed: "+legID))
	}
	st := s.strategies[strategyID]
	for _, leg := range st.Legs {
		if leg.ID != legID {
			continue
		}
		leg.Quote = leg.Quote.Merge(quote)
		leg.UpdatedAt = time.Now().UTC()
		break
	}
	return s.resultLocked(st), nil
}

// AttachLeg appends a leg to an existing strategy.
func (s *Store) AttachLeg(strategyID string, leg *Leg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return errs.New("store/leg", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	if owner, taken := s.legIndex[leg.ID]; taken {
		return errs.New("store/leg", errs.CodeConflict, errs.WithMessage("leg "+leg.ID+" already owned by strategy "+owner))
	}
	st.Legs = append(st.Legs, leg)
	s.legIndex[leg.ID] = strategyID
	return nil
}

// DetachLeg removes a leg from its strategy, returning the removed leg so the
// caller can release its subscription interest.
func (s *Store) DetachLeg(legID string) (*Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strategyID, ok := s.legIndex[legID]
	if !ok {
		return nil, errs.New("store/leg", errs.CodeNotFound, errs.WithMessage("leg not indexed: "+legID))
	}
	st := s.strategies[strategyID]
	for i, leg := range st.Legs {
		if leg.ID != legID {
			continue
		}
		st.Legs = append(st.Legs[:i], st.Legs[i+1:]...)
		delete(s.legIndex, legID)
		return leg, nil
	}
	return nil, errs.New("store/leg", errs.CodeNotFound, errs.WithMessage("leg not attached: "+legID))
}

// RetargetLeg points a leg at a new ticker and clears its stale quote so the
// strategy reverts to price-incomplete until the new instrument ticks.
// Retargeting to the leg's current ticker changes nothing.
func (s *Store) RetargetLeg(legID string, ticker instrument.Ticker) (old instrument.Ticker, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strategyID, ok := s.legIndex[legID]
	if !ok {
		return "", errs.New("store/leg", errs.CodeNotFound, errs.WithMessage("leg not indexed: "+legID))
	}
	st := s.strategies[strategyID]
	for _, leg := range st.Legs {
		if leg.ID != legID {
			continue
		}
		old = leg.Ticker
		if old == ticker {
			return old, nil
		}
		leg.Ticker = ticker
		leg.Quote = schema.Quote{}
		leg.UpdatedAt = time.Now().UTC()
		return old, nil
	}
	return "", errs.New("store/leg", errs.CodeNotFound, errs.WithMessage("leg not attached: "+legID))
}

// SetTarget replaces the strategy's alarm target. An invalid NullDecimal
// clears it.
func (s *Store) SetTarget(strategyID string, target decimal.NullDecimal, condition Condition) error {
	if condition != "" && condition != ConditionBelow && condition != ConditionAbove {
		return errs.New("store/target", errs.CodeInvalid, errs.WithMessage("unknown condition: "+string(condition)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return errs.New("store/target", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	st.Target = target
	if condition != "" {
		st.Condition = condition
	}
	return nil
}

// SetStatus moves the strategy through its lifecycle.
func (s *Store) SetStatus(strategyID string, status Status) error {
	if status != StatusActive && status != StatusDone && status != StatusCancelled {
		return errs.New("store/status", errs.CodeInvalid, errs.WithMessage("unknown status: "+string(status)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return errs.New("store/status", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	st.Status = status
	return nil
}

// Rename changes the strategy's display name.
func (s *Store) Rename(strategyID, name string) error {
	if name == "" {
		return errs.New("store/rename", errs.CodeInvalid, errs.WithMessage("name required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return errs.New("store/rename", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	st.Name = name
	return nil
}

// Result recomputes the aggregate for one strategy on demand.
func (s *Store) Result(strategyID string) (AggregateResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return AggregateResult{}, errs.New("store/result", errs.CodeNotFound, errs.WithMessage("strategy not found: "+strategyID))
	}
	return s.resultLocked(st), nil
}

func (s *Store) resultLocked(st *Strategy) AggregateResult {
	price := st.Price()
	return AggregateResult{
		StrategyID: st.ID,
		Name:       st.Name,
		Price:      price,
		Complete:   price.Valid,
		Status:     st.Status,
	}
}
