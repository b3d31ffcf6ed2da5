// Package panel implements the three independent, stateless evaluators that
// score one allocation proposal against one fund-state snapshot, and the
// concurrent collector that joins their opinions for a consensus round.
package panel

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fundadvisor/internal/types"
)

// categoryWeights is the fixed cause-category weight table. A category is
// high-impact when its weight is at or above highImpactWeight.
var categoryWeights = map[string]float64{
	"education":      0.25,
	"healthcare":     0.25,
	"environment":    0.20,
	"poverty_relief": 0.15,
	"animal_welfare": 0.10,
	"arts_culture":   0.05,
}

const highImpactWeight = 0.20

// concentratedFraction is the current-allocation share above which a
// non-liquidity category counts as already concentrated.
const concentratedFraction = 0.25

// allocationView is the shared arithmetic both the fit and risk evaluators
// work from: pre- and post-allocation category fractions and their
// Herfindahl-Hirschman indices.
type allocationView struct {
	requestAmount decimal.Decimal
	pre           map[string]float64
	post          map[string]float64
	preHHI        float64
	postHHI       float64
}

// buildAllocationView projects the fund state forward as if the proposal
// were executed. The snapshot itself is never mutated.
func buildAllocationView(req types.AllocationRequest, fund types.FundState) (allocationView, error) {
	reqAmount, err := req.AmountDecimal()
	if err != nil {
		return allocationView{}, err
	}
	if reqAmount.IsNegative() {
		return allocationView{}, fmt.Errorf("negative request amount %s", req.Amount)
	}
	if !reqAmount.IsInteger() {
		return allocationView{}, fmt.Errorf("request amount %q is not in smallest units", req.Amount)
	}

	pre := make(map[string]float64, len(fund.CurrentAllocation))
	for cat, frac := range fund.CurrentAllocation {
		pre[cat] = frac
	}

	// Current holdings in smallest units.
	postAmounts := make(map[string]decimal.Decimal, len(pre)+len(req.Recommendation))
	for cat, frac := range pre {
		postAmounts[cat] = fund.TotalAum.Mul(decimal.NewFromFloat(frac))
	}
	for _, line := range req.Recommendation {
		lineAmount, err := decimal.NewFromString(line.Amount)
		if err != nil {
			return allocationView{}, fmt.Errorf("invalid amount %q for cause %s: %w", line.Amount, line.CauseID, err)
		}
		if !lineAmount.IsInteger() || lineAmount.IsNegative() {
			return allocationView{}, fmt.Errorf("amount %q for cause %s is not a nonnegative smallest-unit integer", line.Amount, line.CauseID)
		}
		postAmounts[line.CauseID] = postAmounts[line.CauseID].Add(lineAmount)
	}

	postTotal := fund.TotalAum.Add(reqAmount)
	post := make(map[string]float64, len(postAmounts))
	if postTotal.IsPositive() {
		for cat, amt := range postAmounts {
			frac, _ := amt.Div(postTotal).Float64()
			post[cat] = frac
		}
	}

	return allocationView{
		requestAmount: reqAmount,
		pre:           pre,
		post:          post,
		preHHI:        herfindahl(pre),
		postHHI:       herfindahl(post),
	}, nil
}

// herfindahl is the sum of squared allocation fractions; lower means more
// diversified.
func herfindahl(alloc map[string]float64) float64 {
	var hhi float64
	for _, frac := range alloc {
		hhi += frac * frac
	}
	return hhi
}

// newCategories lists proposed cause ids absent from the current allocation.
func newCategories(req types.AllocationRequest, fund types.FundState) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range req.Recommendation {
		if seen[line.CauseID] {
			continue
		}
		seen[line.CauseID] = true
		if frac, ok := fund.CurrentAllocation[line.CauseID]; !ok || frac == 0 {
			out = append(out, line.CauseID)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
