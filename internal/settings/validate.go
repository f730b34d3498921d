package settings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pairengine/internal/errs"
)

// Validate checks the whole parameter set and joins every problem found.
func (c *BusinessConfig) Validate() error {
	var problems []error
	add := func(pkg, field, reason string) {
		problems = append(problems, &errs.ConfigError{Package: pkg, Field: field, Reason: reason})
	}

	if len(c.Packages) == 0 {
		add("", "packages", "must not be empty")
	}
	seen := map[string]bool{}
	for _, p := range c.Packages {
		if strings.TrimSpace(p.Code) == "" {
			add("", "packages.code", "must not be empty")
			continue
		}
		if seen[p.Code] {
			add(p.Code, "code", "is duplicated")
		}
		seen[p.Code] = true
		if err := p.CheckMatchable(); err != nil && p.Active {
			problems = append(problems, err)
		}
		if p.PairIncome.IsNegative() {
			add(p.Code, "pair_income", "must not be negative")
		}
	}

	for i, pct := range c.LevelPercents {
		if !inPercentRange(pct) {
			add("", fmt.Sprintf("level_percents[%d]", i), "must be within 0..100")
		}
	}

	if c.Royalty.Threshold.IsNegative() {
		add("", "royalty.threshold", "must not be negative")
	}
	if !inPercentRange(c.Royalty.InitialPercent) {
		add("", "royalty.initial_percent", "must be within 0..100")
	}

	for i, r := range c.Ranks {
		if strings.TrimSpace(r.Name) == "" {
			add("", fmt.Sprintf("ranks[%d].name", i), "must not be empty")
		}
		if !inPercentRange(r.RoyaltyPercent) || !inPercentRange(r.StarBonusPercent) {
			add("", fmt.Sprintf("ranks[%d]", i), "percents must be within 0..100")
		}
		if i > 0 {
			prev := c.Ranks[i-1]
			if r.MinDirects < prev.MinDirects || r.MinTeam < prev.MinTeam {
				add("", fmt.Sprintf("ranks[%d]", i), "thresholds must not decrease")
			}
		}
	}

	for _, p := range c.FundPools {
		if strings.TrimSpace(p.Name) == "" {
			add("", "fund_pools.name", "must not be empty")
		}
		if !inPercentRange(p.Percent) {
			add("", "fund_pools."+p.Name+".percent", "must be within 0..100")
		}
		if p.MinRank != "" && c.RankLevel(p.MinRank) == 0 {
			add("", "fund_pools."+p.Name+".min_rank", fmt.Sprintf("unknown rank %q", p.MinRank))
		}
	}

	prevEnd := -1
	for i, w := range c.Windows {
		start, err := Minutes(w.Start)
		if err != nil {
			add("", fmt.Sprintf("windows[%d].start", i), err.Error())
			continue
		}
		end, err := Minutes(w.End)
		if err != nil {
			add("", fmt.Sprintf("windows[%d].end", i), err.Error())
			continue
		}
		if end <= start {
			add("", fmt.Sprintf("windows[%d]", i), "end must be after start")
		}
		if start < prevEnd {
			add("", fmt.Sprintf("windows[%d]", i), "overlaps the previous window")
		}
		prevEnd = end
	}

	if c.RedPairExpiryDays < 0 {
		add("", "red_pair_expiry_days", "must not be negative")
	}

	return errors.Join(problems...)
}

// CheckMatchable reports whether pairs can be formed for the package.
func (p Package) CheckMatchable() error {
	if !p.PV.IsPositive() {
		return &errs.ConfigError{Package: p.Code, Field: "pv", Reason: "must be positive"}
	}
	if p.Capping <= 0 {
		return &errs.ConfigError{Package: p.Code, Field: "capping", Reason: "must be positive"}
	}
	return nil
}

func inPercentRange(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}
