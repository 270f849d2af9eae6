package rewards

import "github.com/karmalink/backend/internal/config"

// TierFor returns the USD reward for the given karma: among all tiers whose
// threshold the karma strictly exceeds, the greatest reward wins. The rule
// does not depend on the tiers being sorted. Zero when no tier is satisfied.
func TierFor(tiers []config.RewardTier, karma int64) float64 {
	var reward float64
	for _, tier := range tiers {
		if karma > tier.ThresholdKarma && tier.RewardUSD > reward {
			reward = tier.RewardUSD
		}
	}
	return reward
}
