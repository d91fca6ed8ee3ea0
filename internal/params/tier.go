package params

import (
	"fmt"
	"slices"
	"strings"
)

// Tier is the deployment size.
type Tier string

const (
	TierLow    Tier = "Low"
	TierMedium Tier = "Medium"
	TierHigh   Tier = "High"
)

var tiers = []Tier{TierLow, TierMedium, TierHigh}

// ParseTier matches s against the known tiers, ignoring case, and returns
// the canonical spelling.
func ParseTier(s string) (Tier, error) {
	for _, t := range tiers {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown deployment tier %q", s)
}

// Valid reports whether t is one of the canonical tiers.
func (t Tier) Valid() bool {
	return slices.Contains(tiers, t)
}

func tierNames() []string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	return names
}
