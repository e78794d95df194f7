//go:build unit

package contract

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-assurance/assurance"
)

// gate bundles a milestone with its links and obligations for evaluation
// scenarios.
type gate struct {
	contract    *Contract
	milestone   *Milestone
	links       []*Link
	obligations map[uuid.UUID]*Obligation
}

func newGate(t *testing.T, mode string, minCount int) *gate {
	t.Helper()

	c := newActiveContract(t)

	return &gate{
		contract:    c,
		milestone:   newTestMilestone(t, c, mode, minCount),
		obligations: make(map[uuid.UUID]*Obligation),
	}
}

func (g *gate) addLink(t *testing.T, weight int64, required bool) *Obligation {
	t.Helper()

	now := time.Now().UTC()

	o, err := NewObligation(g.contract, ObligationInput{ObligationType: "delivery"}, now)
	require.NoError(t, err)

	link, err := NewLink(g.milestone, o, LinkInput{Weight: decimal.NewFromInt(weight), IsRequired: required}, now)
	require.NoError(t, err)

	g.links = append(g.links, link)
	g.obligations[o.ID] = o

	return o
}

func (g *gate) evaluate(t *testing.T, strategy Strategy) Evaluation {
	t.Helper()

	eval, err := EvaluateMilestone(g.milestone, g.links, g.obligations, strategy)
	require.NoError(t, err)

	return eval
}

func TestEvaluateAll(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("ready only when every required link satisfied", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)
		first := g.addLink(t, 1, true)
		second := g.addLink(t, 1, true)

		assert.False(t, g.evaluate(t, "").Ready)

		require.NoError(t, first.Satisfy(now))
		assert.False(t, g.evaluate(t, "").Ready)

		require.NoError(t, second.Satisfy(now))
		assert.True(t, g.evaluate(t, "").Ready)
	})

	t.Run("advisory links do not gate", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)
		required := g.addLink(t, 1, true)
		g.addLink(t, 1, false)

		require.NoError(t, required.Satisfy(now))
		assert.True(t, g.evaluate(t, "").Ready)
	})

	t.Run("waived required link is excused", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)
		satisfied := g.addLink(t, 1, true)
		waived := g.addLink(t, 1, true)

		require.NoError(t, satisfied.Satisfy(now))
		require.NoError(t, waived.Waive(now))

		assert.True(t, g.evaluate(t, "").Ready)
	})

	t.Run("breached required link blocks", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)
		satisfied := g.addLink(t, 1, true)
		breached := g.addLink(t, 1, true)

		require.NoError(t, satisfied.Satisfy(now))
		require.NoError(t, breached.MarkBreached(now))

		assert.False(t, g.evaluate(t, "").Ready)
	})

	t.Run("empty gate is satisfied", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)

		assert.True(t, g.evaluate(t, "").Ready)
	})
}

func TestEvaluateAny(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("one satisfied required link suffices", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "any", 0)
		first := g.addLink(t, 1, true)
		g.addLink(t, 1, true)

		assert.False(t, g.evaluate(t, "").Ready)

		require.NoError(t, first.Satisfy(now))
		assert.True(t, g.evaluate(t, "").Ready)
	})

	t.Run("satisfied advisory link does not count", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "any", 0)
		g.addLink(t, 1, true)
		advisory := g.addLink(t, 1, false)

		require.NoError(t, advisory.Satisfy(now))
		assert.False(t, g.evaluate(t, "").Ready)
	})

	t.Run("no required links never ready", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "any", 0)
		g.addLink(t, 1, false)

		assert.False(t, g.evaluate(t, "").Ready)
	})
}

func TestEvaluateThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("ready exactly at the second satisfaction", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "threshold", 2)
		first := g.addLink(t, 1, true)
		second := g.addLink(t, 1, true)
		g.addLink(t, 1, true)

		assert.False(t, g.evaluate(t, "").Ready)

		require.NoError(t, first.Satisfy(now))
		assert.False(t, g.evaluate(t, "").Ready)

		require.NoError(t, second.Satisfy(now))
		assert.True(t, g.evaluate(t, "").Ready, "third obligation must not be required")
	})

	t.Run("weight sum counts multipliers", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "threshold", 2)
		heavy := g.addLink(t, 2, true)
		g.addLink(t, 1, true)

		require.NoError(t, heavy.Satisfy(now))
		assert.True(t, g.evaluate(t, StrategyWeightSum).Ready)
	})

	t.Run("satisfied count ignores weights", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "threshold", 2)
		heavy := g.addLink(t, 5, true)
		g.addLink(t, 1, true)

		require.NoError(t, heavy.Satisfy(now))

		eval := g.evaluate(t, StrategySatisfiedCount)
		assert.False(t, eval.Ready)
		assert.Equal(t, 1, eval.SatisfiedCount)
	})

	t.Run("advisory links count toward the tally", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "threshold", 2)
		required := g.addLink(t, 1, true)
		advisory := g.addLink(t, 1, false)

		require.NoError(t, required.Satisfy(now))
		require.NoError(t, advisory.Satisfy(now))

		assert.True(t, g.evaluate(t, "").Ready)
	})

	t.Run("breached never counts", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "threshold", 1)
		breached := g.addLink(t, 3, true)

		require.NoError(t, breached.MarkBreached(now))

		eval := g.evaluate(t, "")
		assert.False(t, eval.Ready)
		assert.True(t, eval.SatisfiedWeight.IsZero())
	})
}

func TestEvaluateIsPure(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	g := newGate(t, "all", 0)
	o := g.addLink(t, 1, true)
	require.NoError(t, o.Satisfy(now))

	first := g.evaluate(t, "")
	second := g.evaluate(t, "")
	third := g.evaluate(t, "")

	assert.Equal(t, first, second)
	assert.Equal(t, second, third)
}

func TestEvaluateGuards(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("settled milestone rejected", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)
		require.NoError(t, g.milestone.Cancel(now))

		_, err := EvaluateMilestone(g.milestone, g.links, g.obligations, "")
		require.Error(t, err)
		assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))
	})

	t.Run("dangling link rejected", func(t *testing.T) {
		t.Parallel()

		g := newGate(t, "all", 0)
		g.addLink(t, 1, true)

		_, err := EvaluateMilestone(g.milestone, g.links, map[uuid.UUID]*Obligation{}, "")
		require.Error(t, err)
		assert.True(t, assurance.IsCode(err, assurance.ErrorInvariantViolation))
	})
}
