package dedup

import (
	"sort"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/costlens/internal/core"
)

// Group is a set of usage rows billing against one upstream subscription.
// Exactly one member is the keeper; the rest must not contribute cost to
// cross-provider aggregates.
type Group struct {
	APIKeyRef string
	Members   []core.UsageRow
	Keeper    core.UsageRow
}

func sharedAccountRow(row core.UsageRow) bool {
	if row.APIKeyRef == "" {
		return false
	}
	return row.Source().Kind().SharedAccount()
}

// keeperLess orders candidate keepers: requests desc, api_key_ref asc,
// provider asc.
func keeperLess(a, b core.UsageRow) bool {
	if a.Requests != b.Requests {
		return a.Requests > b.Requests
	}
	if a.APIKeyRef != b.APIKeyRef {
		return a.APIKeyRef < b.APIKeyRef
	}
	return a.Provider < b.Provider
}

// Groups builds shared-cost groups from the given rows. Rows without a
// shared-account pricing source never join a group.
func Groups(rows []core.UsageRow) []Group {
	shared := lo.Filter(rows, func(row core.UsageRow, _ int) bool {
		return sharedAccountRow(row)
	})
	byKey := lo.GroupBy(shared, func(row core.UsageRow) string {
		return row.APIKeyRef
	})

	groups := make([]Group, 0, len(byKey))
	for key, members := range byKey {
		sorted := append([]core.UsageRow(nil), members...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return keeperLess(sorted[i], sorted[j])
		})
		groups = append(groups, Group{APIKeyRef: key, Members: sorted, Keeper: sorted[0]})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].APIKeyRef < groups[j].APIKeyRef
	})
	return groups
}

// SuppressForAggregation returns a copy of rows where every non-keeper
// member of a multi-row shared group has its cost contribution zeroed.
// Row order is preserved; per-row display values on the input are never
// touched.
func SuppressForAggregation(rows []core.UsageRow) []core.UsageRow {
	memberIdx := map[string][]int{}
	for i, row := range rows {
		if sharedAccountRow(row) {
			memberIdx[row.APIKeyRef] = append(memberIdx[row.APIKeyRef], i)
		}
	}

	out := append([]core.UsageRow(nil), rows...)
	for _, indices := range memberIdx {
		if len(indices) < 2 {
			continue
		}
		keeper := indices[0]
		for _, i := range indices[1:] {
			if keeperLess(rows[i], rows[keeper]) {
				keeper = i
			}
		}
		for _, i := range indices {
			if i == keeper {
				continue
			}
			zero := 0.0
			out[i].EstimatedTotalCostUSD = &zero
			out[i].EstimatedAvgRequestCostUSD = &zero
		}
	}
	return out
}

// AggregateTotalUSD sums the effective totals that feed cross-provider
// aggregates, with duplicate subscriptions suppressed.
func AggregateTotalUSD(rows []core.UsageRow) float64 {
	return lo.SumBy(SuppressForAggregation(rows), func(row core.UsageRow) float64 {
		return row.EffectiveTotalUSD()
	})
}
