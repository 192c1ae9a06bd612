// Package quota holds the token cost heuristic used to size reservations.
package quota

import "github.com/target/quotaflow/internal/domain/model"

const (
	// MinCost is the smallest reservation ever made.
	MinCost int64 = 100
	// MaxCost is the largest reservation ever made.
	MaxCost int64 = 50000

	charsPerUnit = 4
	minBaseUnits = 100

	// Factors and the safety margin are kept in tenths so estimates are exact integers.
	defaultFactorTenths = 20
	marginTenths        = 12
)

var factorTenths = map[model.WorkType]int64{ //nolint:gochecknoglobals // read-only lookup table
	model.WorkTypeChat:       20,
	model.WorkTypeAnalysis:   50,
	model.WorkTypeAccounting: 15,
	model.WorkTypeScoring:    30,
}

// EstimateCost returns a pessimistic token estimate for a unit of work.
// base = max(contentLength/4, 100), scaled by the work type factor and a 20% margin,
// rounded up and clamped to [MinCost, MaxCost].
func EstimateCost(workType model.WorkType, contentLength int) int64 {
	if contentLength < 0 {
		contentLength = 0
	}
	base := int64(contentLength / charsPerUnit)
	if base < minBaseUnits {
		base = minBaseUnits
	}

	factor, ok := factorTenths[workType]
	if !ok {
		factor = defaultFactorTenths
	}

	const scale = 100
	// Saturate before multiplying so very large inputs cannot overflow.
	if base > MaxCost*scale {
		return MaxCost
	}
	cost := (base*factor*marginTenths + scale - 1) / scale

	return clamp(cost)
}

func clamp(v int64) int64 {
	if v < MinCost {
		return MinCost
	}
	if v > MaxCost {
		return MaxCost
	}
	return v
}
