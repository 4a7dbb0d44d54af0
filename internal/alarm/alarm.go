// Package alarm tracks, per strategy, whether the priced value currently
// satisfies its target and emits edge-triggered transitions: one Reached when
// the price enters the target zone, one Left when it exits. Repeated ticks
// inside or outside the zone are silent.
package alarm

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/internal/observability"
	"github.com/coachpo/strikewatch/internal/strategy"
)

// Transition is the machine's output for one evaluation.
type Transition int

const (
	None Transition = iota
	Reached
	Left
)

func (t Transition) String() string {
	switch t {
	case Reached:
		return "reached"
	case Left:
		return "left"
	default:
		return "none"
	}
}

// Input is the snapshot the machine evaluates. Price is meaningful only when
// Complete is true.
type Input struct {
	StrategyID string
	Status     strategy.Status
	Target     decimal.NullDecimal
	Condition  strategy.Condition
	Price      decimal.NullDecimal
	Complete   bool
}

// Machine owns the armed flag for every tracked strategy. Armed means the
// alarm has fired and the price has not yet exited the zone.
type Machine struct {
	mu      sync.Mutex
	armed   map[string]bool
	runtime *observability.RuntimeMetrics
}

// NewMachine allocates an empty machine.
func NewMachine(runtime *observability.RuntimeMetrics) *Machine {
	m := new(Machine)
	m.armed = make(map[string]bool)
	m.runtime = runtime
	return m
}

// Evaluate folds one priced snapshot into the strategy's alarm state and
// returns the transition to publish, if any.
func (m *Machine) Evaluate(in Input) Transition {
	met := conditionMet(in)

	m.mu.Lock()
	defer m.mu.Unlock()
	armed := m.armed[in.StrategyID]

	// A strategy that is no longer Active, lost its target, or cannot be
	// priced holds no alarm. Leaving the zone this way still signals once.
	if in.Status != strategy.StatusActive || !in.Target.Valid || !in.Complete {
		if armed {
			m.armed[in.StrategyID] = false
			m.record(Left)
			return Left
		}
		return None
	}

	switch {
	case met && !armed:
		m.armed[in.StrategyID] = true
		m.record(Reached)
		return Reached
	case !met && armed:
		m.armed[in.StrategyID] = false
		m.record(Left)
		return Left
	default:
		return None
	}
}

// Rearm clears the armed flag so the next qualifying price fires Reached
// again. This backs the operator's "continue watching" action.
func (m *Machine) Rearm(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[strategyID] = false
}

// Reset silently drops the strategy's state. Used when the target or
// condition is edited: the next evaluation starts from NotArmed without a
// spurious Left.
func (m *Machine) Reset(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, strategyID)
}

// Armed reports the current flag, for inspection and tests.
func (m *Machine) Armed(strategyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed[strategyID]
}

func (m *Machine) record(t Transition) {
	if m.runtime != nil {
		m.runtime.RecordAlarm(t == Reached)
	}
	switch t {
	case Reached:
		observability.Telemetry().IncCounter(observability.MetricAlarmsReached, 1, nil)
	case Left:
		observability.Telemetry().IncCounter(observability.MetricAlarmsLeft, 1, nil)
	}
}

func conditionMet(in Input) bool {
	if !in.Complete || !in.Price.Valid || !in.Target.Valid {
		return false
	}
	if in.Condition == strategy.ConditionAbove {
		return in.Price.Decimal.GreaterThanOrEqual(in.Target.Decimal)
	}
	return in.Price.Decimal.LessThanOrEqual(in.Target.Decimal)
}
