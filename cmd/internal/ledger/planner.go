package ledger

import (
	"cmp"
	"slices"
)

// PlanConsume spends amount from the oldest lots first.
// Amounts <= 0 plan nothing. If the lots cannot cover amount the plan stops at what is available;
// callers check sufficiency before planning.
func PlanConsume(lots []Lot, amount int64) []Delta {
	if amount <= 0 {
		return nil
	}
	ordered := sortedByEarned(lots, false)

	left := amount
	var plan []Delta
	for _, l := range ordered {
		if left <= 0 {
			break
		}
		remain := l.Remain()
		if remain <= 0 {
			continue
		}
		take := min(remain, left)
		plan = append(plan, Delta{LotID: l.ID, DeltaConsumed: take})
		left -= take
	}
	return plan
}

// PlanUnconsume gives amount back to the most recently granted lots that have consumption.
// Deltas are negative.
func PlanUnconsume(lots []Lot, amount int64) []Delta {
	if amount <= 0 {
		return nil
	}
	ordered := sortedByEarned(lots, true)

	left := amount
	var plan []Delta
	for _, l := range ordered {
		if left <= 0 {
			break
		}
		if l.ConsumedPoints <= 0 {
			continue
		}
		give := min(l.ConsumedPoints, left)
		plan = append(plan, Delta{LotID: l.ID, DeltaConsumed: -give})
		left -= give
	}
	return plan
}

// PlanRevoke marks unspent points as consumed, newest grant first.
func PlanRevoke(lots []Lot, amount int64) []Delta {
	if amount <= 0 {
		return nil
	}
	ordered := sortedByEarned(lots, true)

	left := amount
	var plan []Delta
	for _, l := range ordered {
		if left <= 0 {
			break
		}
		remain := l.Remain()
		if remain <= 0 {
			continue
		}
		take := min(remain, left)
		plan = append(plan, Delta{LotID: l.ID, DeltaConsumed: take})
		left -= take
	}
	return plan
}

// sortedByEarned copies lots and orders them by EarnedAt, ties broken by ID in the same direction.
func sortedByEarned(lots []Lot, desc bool) []Lot {
	out := slices.Clone(lots)
	slices.SortStableFunc(out, func(a, b Lot) int {
		c := a.EarnedAt.Compare(b.EarnedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if desc {
			return -c
		}
		return c
	})
	return out
}
