package stats

// Achievement rarity tiers, from rarest to most common.
const (
	RarityLegendary = "legendary"
	RarityEpic      = "epic"
	RarityRare      = "rare"
	RarityUncommon  = "uncommon"
	RarityCommon    = "common"
)

// streakWeight is the multiplier applied to the best streak when scoring.
// Streaks are the cheapest of the three score components, the weight keeps
// long-running consistency visible next to XP and achievement totals.
const streakWeight = 3

// rarityShares maps each rarity tier to its assumed share of a user's
// achievements. The stats store does not record per-achievement rarity, so
// the distribution is estimated from the count alone. The floored buckets
// need not sum to the full count; the remainder is intentionally dropped.
var rarityShares = []struct {
	tier  string
	share float64
}{
	{RarityLegendary, 0.02},
	{RarityEpic, 0.08},
	{RarityRare, 0.20},
	{RarityUncommon, 0.30},
	{RarityCommon, 0.40},
}

// Score collapses the record into a single ranking score:
// achievement points plus total XP plus the best streak weighted by
// streakWeight. Higher is better.
func (r *UserStatsRecord) Score() int64 {
	return r.AchievementPoints + r.XPTotal + int64(r.StreakBest)*streakWeight
}

// AchievementRarity estimates how the user's achievements split across
// rarity tiers. Every tier is present in the result, possibly at zero.
func (r *UserStatsRecord) AchievementRarity() map[string]int {
	return RarityDistribution(r.AchievementCount)
}

// RarityDistribution returns the estimated per-tier achievement counts for
// a total achievement count. Counts are floored and never negative.
func RarityDistribution(achievementCount int) map[string]int {
	out := make(map[string]int, len(rarityShares))
	for _, rs := range rarityShares {
		n := 0
		if achievementCount > 0 {
			n = int(float64(achievementCount) * rs.share)
		}
		out[rs.tier] = n
	}
	return out
}
