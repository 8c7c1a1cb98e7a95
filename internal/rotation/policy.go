package rotation

import (
	"time"
)

type Policy struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	MaxAgeDays  int
}

func NewPolicy(daily, weekly, monthly, maxAgeDays int) *Policy {
	return &Policy{
		KeepDaily:   daily,
		KeepWeekly:  weekly,
		KeepMonthly: monthly,
		MaxAgeDays:  maxAgeDays,
	}
}

// Tier is a retention bucket a snapshot can count towards.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// Classify returns every tier a snapshot taken at t belongs to.
func Classify(t time.Time) []Tier {
	tiers := []Tier{TierDaily}

	if t.Weekday() == time.Sunday {
		tiers = append(tiers, TierWeekly)
	}

	if t.Day() == 1 {
		tiers = append(tiers, TierMonthly)
	}

	return tiers
}

// PrimaryTier is the longest-lived tier of t.
func PrimaryTier(t time.Time) Tier {
	if t.Day() == 1 {
		return TierMonthly
	}
	if t.Weekday() == time.Sunday {
		return TierWeekly
	}
	return TierDaily
}

func (p *Policy) RetentionDate(taken time.Time, tier Tier) time.Time {
	var days int

	switch tier {
	case TierMonthly:
		days = p.KeepMonthly * 30
	case TierWeekly:
		days = p.KeepWeekly * 7
	case TierDaily:
		days = p.KeepDaily
	}

	if p.MaxAgeDays > 0 && p.MaxAgeDays < days {
		days = p.MaxAgeDays
	}

	return taken.AddDate(0, 0, days)
}
