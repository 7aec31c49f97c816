package matcher

import "github.com/zifox666/xiaobawang/internal/domain"

// DestinationMatch merges every matching subscription that shares a destination
type DestinationMatch struct {
	Destination     domain.DestinationKey
	SubscriptionIDs []int64
	Result          domain.MatchResult
}

// GroupByDestination folds matches per destination key in first-seen order.
// Each subscription contributes its bracketed name followed by its reasons.
func GroupByDestination(matches []Matched) []DestinationMatch {
	index := make(map[domain.DestinationKey]int)
	var out []DestinationMatch

	for _, m := range matches {
		i, ok := index[m.Subscription.Destination]
		if !ok {
			i = len(out)
			index[m.Subscription.Destination] = i
			out = append(out, DestinationMatch{
				Destination: m.Subscription.Destination,
				Result:      domain.MatchResult{Matched: true},
			})
		}

		dm := &out[i]
		dm.SubscriptionIDs = append(dm.SubscriptionIDs, m.Subscription.ID)
		dm.Result.Reasons = append(dm.Result.Reasons, "["+m.Subscription.Name+"]")
		dm.Result.Reasons = append(dm.Result.Reasons, m.Result.Reasons...)
	}
	return out
}
