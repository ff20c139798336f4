package enum

type Tier string

const (
	Tier1        Tier = "TIER_1"
	Tier2        Tier = "TIER_2"
	Tier3        Tier = "TIER_3"
	TierExcluded Tier = "EXCLUDED"
)

func (t Tier) IsAvailable() bool {
	switch t {
	case Tier1, Tier2, Tier3, TierExcluded:
		return true
	default:
		return false
	}
}

// Tradeable reports whether positions may be opened for this tier.
func (t Tier) Tradeable() bool {
	return t != TierExcluded
}
