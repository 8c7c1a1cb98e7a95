// Package rotation decides which workbook snapshots a grandfather-father-son
// retention policy lets go.
package rotation

import (
	"sort"
	"time"

	"github.com/AltynCore/keste/internal/manifest"
)

type GFSRotator struct {
	policy *Policy
}

func NewGFSRotator(policy *Policy) *GFSRotator {
	return &GFSRotator{
		policy: policy,
	}
}

type Entry struct {
	Manifest *manifest.Manifest
	Tiers    []Tier
}

// Expired returns the snapshots outside the policy at time now, newest
// first. The newest snapshot is never expired, so a workbook always keeps at
// least one restorable copy.
func (g *GFSRotator) Expired(snapshots []*manifest.Manifest, now time.Time) []*manifest.Manifest {
	if len(snapshots) == 0 {
		return nil
	}

	sorted := make([]*manifest.Manifest, len(snapshots))
	copy(sorted, snapshots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	entries := make([]Entry, len(sorted))
	for i, m := range sorted {
		entries[i] = Entry{
			Manifest: m,
			Tiers:    Classify(m.Timestamp),
		}
	}

	keep := make(map[string]bool)

	dailyCount := 0
	weeklyCount := 0
	monthlyCount := 0

	for _, entry := range entries {
		shouldKeep := false

		for _, t := range entry.Tiers {
			switch t {
			case TierMonthly:
				if monthlyCount < g.policy.KeepMonthly {
					monthlyCount++
					shouldKeep = true
				}
			case TierWeekly:
				if weeklyCount < g.policy.KeepWeekly {
					weeklyCount++
					shouldKeep = true
				}
			case TierDaily:
				if dailyCount < g.policy.KeepDaily {
					dailyCount++
					shouldKeep = true
				}
			}
		}

		if shouldKeep {
			keep[entry.Manifest.ID] = true
		}
	}

	maxAge := time.Duration(g.policy.MaxAgeDays) * 24 * time.Hour

	var expired []*manifest.Manifest
	for i, entry := range entries {
		if i == 0 {
			continue
		}

		if !keep[entry.Manifest.ID] {
			expired = append(expired, entry.Manifest)
			continue
		}

		if g.policy.MaxAgeDays > 0 && now.Sub(entry.Manifest.Timestamp) > maxAge {
			expired = append(expired, entry.Manifest)
		}
	}

	return expired
}

// RetentionInfo returns how long a snapshot taken at t is kept and under
// which tier.
func (g *GFSRotator) RetentionInfo(t time.Time) (time.Time, string) {
	tier := PrimaryTier(t)
	return g.policy.RetentionDate(t, tier), string(tier)
}
