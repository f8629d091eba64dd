// Package allocation splits order-level discounts across basket lines in
// integer minor units. Every function here is pure.
package allocation

import (
	"math/bits"
	"sort"
	"strings"
)

// AllocateProportionalMinor spreads totalMinor across the eligible amounts in
// proportion to their size.
//
// The total is clamped to the eligible sum. Each eligible entry first gets the
// floor of its proportional share; the remainder is handed out one unit at a
// time in input order, skipping entries already at their own amount.
// Ineligible or non-positive entries always receive zero. A nil eligible
// slice marks every entry as eligible.
func AllocateProportionalMinor(totalMinor int64, amounts []int64, eligible []bool) []int64 {
	out := make([]int64, len(amounts))
	if totalMinor <= 0 || len(amounts) == 0 {
		return out
	}

	var eligibleSum int64
	for i, amount := range amounts {
		if isEligible(eligible, i) && amount > 0 {
			eligibleSum += amount
		}
	}
	if eligibleSum == 0 {
		return out
	}

	target := totalMinor
	if target > eligibleSum {
		target = eligibleSum
	}

	var allocated int64
	for i, amount := range amounts {
		if !isEligible(eligible, i) || amount <= 0 {
			continue
		}
		share := mulDiv(amount, target, eligibleSum)
		out[i] = share
		allocated += share
	}

	remainder := target - allocated
	for remainder > 0 {
		progressed := false
		for i, amount := range amounts {
			if remainder == 0 {
				break
			}
			if !isEligible(eligible, i) || amount <= 0 || out[i] >= amount {
				continue
			}
			out[i]++
			remainder--
			progressed = true
		}
		if !progressed {
			break
		}
	}

	return out
}

func isEligible(mask []bool, i int) bool {
	if mask == nil {
		return true
	}
	return i < len(mask) && mask[i]
}

// mulDiv computes floor(a*b/c) for non-negative inputs with a 128-bit
// intermediate. Callers guarantee b <= c so the quotient fits in a.
func mulDiv(a, b, c int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, _ := bits.Div64(hi, lo, uint64(c))
	return int64(q)
}

// NormalizeCategory folds a category key for comparison.
func NormalizeCategory(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// CategorySet is a normalized set of category keys.
type CategorySet map[string]struct{}

func NewCategorySet(keys ...string) CategorySet {
	set := CategorySet{}
	for _, key := range keys {
		normalized := NormalizeCategory(key)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return set
}

// Contains reports membership. An empty set contains nothing.
func (s CategorySet) Contains(key string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[NormalizeCategory(key)]
	return ok
}

func (s CategorySet) Keys() []string {
	out := make([]string, 0, len(s))
	for key := range s {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
