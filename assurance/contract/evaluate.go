package contract

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-assurance/assurance"
)

// Strategy picks the tally convention for threshold evaluation. The source
// data does not fix one, so it is a configuration choice, never a silent
// guess.
type Strategy string

const (
	// StrategyWeightSum tallies the sum of link weights of satisfied
	// obligations. Default.
	StrategyWeightSum Strategy = "weight_sum"
	// StrategySatisfiedCount tallies each satisfied obligation as 1
	// regardless of weight.
	StrategySatisfiedCount Strategy = "satisfied_count"
)

// ParseStrategy validates a raw evaluation strategy, defaulting empty input
// to StrategyWeightSum.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case "":
		return StrategyWeightSum, nil
	case StrategyWeightSum, StrategySatisfiedCount:
		return Strategy(raw), nil
	default:
		return "", assurance.NewValidationError("milestone", "strategy", fmt.Sprintf("unknown evaluation strategy %q", raw))
	}
}

// Evaluation is the outcome of scoring one milestone against current
// obligation states.
type Evaluation struct {
	Ready           bool
	SatisfiedCount  int
	SatisfiedWeight decimal.Decimal
}

// EvaluateMilestone scores a milestone purely from the current status of its
// linked obligations; no cached history is consulted, so re-running with no
// intervening obligation change always returns the same outcome.
//
// Gate semantics per mode:
//   - all: every required link must be satisfied; waived obligations are
//     excused from the gate; an empty gate is satisfied.
//   - any: at least one required link satisfied.
//   - threshold: the tally of satisfied obligations across all links
//     (required or not), per the strategy convention, must reach
//     MinSatisfiedCount.
//
// A breached obligation never counts toward readiness under any mode.
func EvaluateMilestone(m *Milestone, links []*Link, obligations map[uuid.UUID]*Obligation, strategy Strategy) (Evaluation, error) {
	if m.Status.IsTerminal() {
		return Evaluation{}, assurance.NewInvalidStateError("milestone", fmt.Sprintf("cannot evaluate %s milestone", m.Status))
	}

	if strategy == "" {
		strategy = StrategyWeightSum
	}

	eval := Evaluation{SatisfiedWeight: decimal.Zero}

	allRequiredSatisfied := true
	anyRequiredSatisfied := false

	for _, link := range links {
		obligation, ok := obligations[link.ObligationID]
		if !ok {
			return Evaluation{}, assurance.NewInvariantViolationError("link", fmt.Sprintf("link %s references unknown obligation %s", link.ID, link.ObligationID))
		}

		satisfied := obligation.Status == ObligationSatisfied
		if satisfied {
			eval.SatisfiedCount++
			eval.SatisfiedWeight = eval.SatisfiedWeight.Add(link.Weight)
		}

		if !link.IsRequired {
			continue
		}

		if satisfied {
			anyRequiredSatisfied = true

			continue
		}

		// Waived obligations are excused from the gate; every other
		// non-satisfied state blocks "all".
		if obligation.Status != ObligationWaived {
			allRequiredSatisfied = false
		}
	}

	switch m.EvaluationMode {
	case EvaluateAll:
		eval.Ready = allRequiredSatisfied
	case EvaluateAny:
		eval.Ready = anyRequiredSatisfied
	case EvaluateThreshold:
		minimum := decimal.NewFromInt(int64(m.MinSatisfiedCount))
		if strategy == StrategySatisfiedCount {
			eval.Ready = eval.SatisfiedCount >= m.MinSatisfiedCount
		} else {
			eval.Ready = eval.SatisfiedWeight.GreaterThanOrEqual(minimum)
		}
	default:
		return Evaluation{}, assurance.NewInvariantViolationError("milestone", fmt.Sprintf("milestone %s has unknown evaluation mode %q", m.ID, m.EvaluationMode))
	}

	return eval, nil
}
