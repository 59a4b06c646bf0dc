// Package hyperband implements the Hyperband advisor: a set of successive
// halving buckets, each trading the number of configurations against the
// budget each one gets, driven over the control protocol.
package hyperband

import (
	"math"
)

// RungPlan is the closed-form shape of one rung.
type RungPlan struct {
	N      int
	Budget float64
}

// BucketPlan is the closed-form shape of the bucket for one s value.
type BucketPlan struct {
	S     int
	Rungs []RungPlan
}

// SMax is floor(log_eta(R)), computed on integers to avoid float error at
// exact powers.
func SMax(R, eta int) int {
	s := 0
	for p := eta; p <= R; p *= eta {
		s++
	}
	return s
}

func ipow(b, e int) int {
	p := 1
	for i := 0; i < e; i++ {
		p *= b
	}
	return p
}

// Generate returns the buckets for s = s_max down to 0. Bucket s has s+1
// rungs with n_i = floor(n_0 / eta^i) and r_i = r_0 * eta^i, where
// n_0 = ceil((s_max+1)/(s+1) * eta^s) and r_0 = R * eta^-s.
func Generate(R, eta int) []BucketPlan {
	sMax := SMax(R, eta)
	plans := make([]BucketPlan, 0, sMax+1)
	for s := sMax; s >= 0; s-- {
		etaS := ipow(eta, s)
		// ceil(a*b/c) on integers
		n0 := ((sMax+1)*etaS + s) / (s + 1)
		r0 := float64(R) / float64(etaS)
		plan := BucketPlan{S: s}
		for i := 0; i <= s; i++ {
			etaI := ipow(eta, i)
			plan.Rungs = append(plan.Rungs, RungPlan{
				N:      n0 / etaI,
				Budget: budget(r0 * float64(etaI)),
			})
		}
		plans = append(plans, plan)
	}
	return plans
}

// Trims float noise such as 8.999999999 back to 9.
func budget(r float64) float64 {
	if rounded := math.Round(r); math.Abs(r-rounded) < 1e-9 {
		return rounded
	}
	return r
}

// TotalTrials is the number of trials a run of the plans launches when
// every rung gets its full survivor count.
func TotalTrials(plans []BucketPlan, eta int) int {
	total := 0
	for _, p := range plans {
		for i, r := range p.Rungs {
			total += r.N
			if r.N/eta == 0 || i == len(p.Rungs)-1 {
				break
			}
		}
	}
	return total
}
