// Package settings is the versioned store of business parameters read by the engine.
package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LevelCount is the number of upline levels that earn level income.
const LevelCount = 10

// WindowCount is the number of session windows per business day.
const WindowCount = 8

var hundred = decimal.NewFromInt(100)

// Package is a purchasable package and its pair parameters.
type Package struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	PV         decimal.Decimal `json:"pv"`
	PairIncome decimal.Decimal `json:"pair_income"`
	// Capping is the number of green pairs payable per session.
	Capping int  `json:"capping"`
	Active  bool `json:"active"`
}

// Rank is one star level. Ranks are ordered from lowest to highest.
type Rank struct {
	Name             string          `json:"name"`
	MinDirects       int             `json:"min_directs"`
	MinTeam          int             `json:"min_team"`
	RoyaltyPercent   decimal.Decimal `json:"royalty_percent"`
	StarBonusPercent decimal.Decimal `json:"star_bonus_percent"`
}

// Royalty holds the flat-rate threshold rule.
type Royalty struct {
	Threshold      decimal.Decimal `json:"threshold"`
	InitialPercent decimal.Decimal `json:"initial_percent"`
}

// FundPool accumulates a share of repurchase BV for rank-gated monthly payouts.
type FundPool struct {
	Name    string          `json:"name"`
	Percent decimal.Decimal `json:"percent"`
	MinRank string          `json:"min_rank"`
}

// Window is a daily session range in business local time, "HH:MM" with "24:00" allowed as end.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BusinessConfig is one immutable version of the engine parameters.
type BusinessConfig struct {
	Version           int64                       `json:"version"`
	CreatedAt         time.Time                   `json:"created_at"`
	Packages          []Package                   `json:"packages"`
	LevelPercents     [LevelCount]decimal.Decimal `json:"level_percents"`
	Royalty           Royalty                     `json:"royalty"`
	Ranks             []Rank                      `json:"ranks"`
	FundPools         []FundPool                  `json:"fund_pools"`
	Windows           [WindowCount]Window         `json:"windows"`
	RedPairExpiryDays int                         `json:"red_pair_expiry_days"`
}

// Package looks up a package by code.
func (c *BusinessConfig) Package(code string) (Package, bool) {
	for _, p := range c.Packages {
		if p.Code == code {
			return p, true
		}
	}
	return Package{}, false
}

// RankLevel returns the 1-based position of a rank, 0 for no rank or an unknown name.
func (c *BusinessConfig) RankLevel(name string) int {
	if name == "" {
		return 0
	}
	for i, r := range c.Ranks {
		if strings.EqualFold(r.Name, name) {
			return i + 1
		}
	}
	return 0
}

// Rank returns the rank at the 1-based level.
func (c *BusinessConfig) Rank(level int) (Rank, bool) {
	if level < 1 || level > len(c.Ranks) {
		return Rank{}, false
	}
	return c.Ranks[level-1], true
}

// QualifiedRank returns the highest rank level whose thresholds are met.
func (c *BusinessConfig) QualifiedRank(directs, team int) int {
	level := 0
	for i, r := range c.Ranks {
		if directs >= r.MinDirects && team >= r.MinTeam {
			level = i + 1
		}
	}
	return level
}

// FundPool looks up a pool by name.
func (c *BusinessConfig) FundPool(name string) (FundPool, bool) {
	for _, p := range c.FundPools {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return FundPool{}, false
}

// Percent returns amount * pct / 100 without rounding.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// Minutes parses "HH:MM" into minutes after midnight; "24:00" yields 1440.
func Minutes(clock string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", clock)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", clock, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", clock, err)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", clock)
	}
	return h*60 + m, nil
}
