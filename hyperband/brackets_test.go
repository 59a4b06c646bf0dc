package hyperband

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSMax(t *testing.T) {
	assert.Equal(t, 0, SMax(1, 3))
	assert.Equal(t, 0, SMax(2, 3))
	assert.Equal(t, 1, SMax(3, 3))
	assert.Equal(t, 4, SMax(81, 3))
	assert.Equal(t, 3, SMax(60, 3))
	assert.Equal(t, 6, SMax(64, 2))
}

func TestGenerateR81Eta3(t *testing.T) {
	plans := Generate(81, 3)
	type nr struct {
		n int
		r float64
	}
	want := map[int]nr{4: {81, 1}, 3: {34, 3}, 2: {15, 9}, 1: {8, 27}, 0: {5, 81}}
	assert.Len(t, plans, 5)
	for i, p := range plans {
		assert.Equal(t, 4-i, p.S)
		assert.Len(t, p.Rungs, p.S+1)
		assert.Equal(t, want[p.S].n, p.Rungs[0].N, "n_0 for s=%d", p.S)
		assert.Equal(t, want[p.S].r, p.Rungs[0].Budget, "r_0 for s=%d", p.S)
	}
	// s=4: 81, 27, 9, 3, 1 configurations at budgets 1, 3, 9, 27, 81
	assert.Equal(t, []RungPlan{{81, 1}, {27, 3}, {9, 9}, {3, 27}, {1, 81}}, plans[0].Rungs)
	// s=3 starts from ceil(5/4 * 27) = 34
	assert.Equal(t, []RungPlan{{34, 3}, {11, 9}, {3, 27}, {1, 81}}, plans[1].Rungs)
}

func TestTotalTrialsR9Eta3(t *testing.T) {
	assert.Equal(t, 22, TotalTrials(Generate(9, 3), 3))
}

func TestGenerateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("s_max+1 buckets in descending s", prop.ForAll(
		func(R, eta int) bool {
			plans := Generate(R, eta)
			if len(plans) != SMax(R, eta)+1 {
				return false
			}
			for i, p := range plans {
				if p.S != len(plans)-1-i || len(p.Rungs) != p.S+1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(2, 9),
	))

	properties.Property("rung budgets stay within R and strictly increase", prop.ForAll(
		func(R, eta int) bool {
			for _, p := range Generate(R, eta) {
				for i, r := range p.Rungs {
					if r.Budget > float64(R)+1e-9 || r.Budget <= 0 {
						return false
					}
					if i > 0 && r.Budget <= p.Rungs[i-1].Budget {
						return false
					}
				}
				if last := p.Rungs[len(p.Rungs)-1].Budget; last != float64(R) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(2, 9),
	))

	properties.Property("n_i follows floor(n_0 / eta^i)", prop.ForAll(
		func(R, eta int) bool {
			for _, p := range Generate(R, eta) {
				n0 := p.Rungs[0].N
				if n0 < 1 {
					return false
				}
				for i, r := range p.Rungs {
					if r.N != n0/ipow(eta, i) {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(2, 9),
	))

	properties.TestingRun(t)
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(map[string]interface{}{"R": "81", "eta": 3, "exec_mode": "serial"})
	assert.NoError(t, err)
	assert.Equal(t, 81, cfg.R)
	assert.Equal(t, Serial, cfg.ExecMode)
	assert.Equal(t, Maximize, cfg.OptimizeMode)
	assert.Equal(t, DefaultBudgetKey, cfg.BudgetKey)

	cfg, err = DecodeConfig(nil)
	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = DecodeConfig(map[string]interface{}{"eta": 1, "optimize_mode": "sideways"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "eta")
	assert.Contains(t, err.Error(), "optimize_mode")

	_, err = DecodeConfig(map[string]interface{}{"budget": 3})
	assert.Error(t, err, "unknown keys are rejected")
}
