package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pairengine/internal/errs"
	"pairengine/internal/testutil"
)

// problemFields flattens a joined validation error into its field names.
func problemFields(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var ce *errs.ConfigError
		if errors.As(e, &ce) {
			out = append(out, ce.Field)
		}
	}
	walk(err)
	return out
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*BusinessConfig)
		field  string
	}{
		{"active package without capping", func(c *BusinessConfig) { c.Packages[1].Capping = 0 }, "capping"},
		{"active package without pv", func(c *BusinessConfig) { c.Packages[0].PV = decimal.Zero }, "pv"},
		{"negative pair income", func(c *BusinessConfig) { c.Packages[0].PairIncome = d("-1") }, "pair_income"},
		{"duplicate package code", func(c *BusinessConfig) { c.Packages[2].Code = "SILVER" }, "code"},
		{"no packages", func(c *BusinessConfig) { c.Packages = nil }, "packages"},
		{"reversed window", func(c *BusinessConfig) { c.Windows[2] = Window{Start: "12:45", End: "10:30"} }, "windows[2]"},
		{"overlapping windows", func(c *BusinessConfig) { c.Windows[3].Start = "12:00" }, "windows[3]"},
		{"malformed clock", func(c *BusinessConfig) { c.Windows[0].Start = "6am" }, "windows[0].start"},
		{"unknown fund pool rank", func(c *BusinessConfig) { c.FundPools[0].MinRank = "Platinum Star" }, "fund_pools.car.min_rank"},
		{"level percent out of range", func(c *BusinessConfig) { c.LevelPercents[0] = d("101") }, "level_percents[0]"},
		{"decreasing rank thresholds", func(c *BusinessConfig) { c.Ranks[1].MinTeam = 1 }, "ranks[1]"},
		{"negative red expiry", func(c *BusinessConfig) { c.RedPairExpiryDays = -1 }, "red_pair_expiry_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, errs.ErrConfiguration))
			require.Contains(t, problemFields(err), tc.field)
		})
	}
}

func TestValidateIgnoresInactivePackages(t *testing.T) {
	cfg := Defaults()
	cfg.Packages[1].Capping = 0
	cfg.Packages[1].Active = false
	require.NoError(t, cfg.Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Packages[0].Capping = 0
	cfg.FundPools[1].MinRank = "nobody"
	require.ElementsMatch(t, []string{"capping", "fund_pools.house.min_rank"}, problemFields(cfg.Validate()))
}

func TestStoreVersions(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewStore(t), testutil.Logger())

	_, err := store.Current(ctx)
	require.True(t, errors.Is(err, errs.ErrNotFound))

	v1, err := store.EnsureDefaults(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, v1.Version)

	again, err := store.EnsureDefaults(ctx)
	require.NoError(t, err)
	require.Equal(t, v1.Version, again.Version, "defaults are stored once")

	next := Defaults()
	setGold := func(capping int) {
		for i := range next.Packages {
			if next.Packages[i].Code == "GOLD" {
				next.Packages[i].Capping = capping
			}
		}
	}
	setGold(9)
	v2, err := store.Save(ctx, next)
	require.NoError(t, err)
	require.EqualValues(t, 2, v2.Version)

	current, err := store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, v2.Version, current.Version)
	gold, _ := current.Package("GOLD")
	require.Equal(t, 9, gold.Capping)

	pinned, err := store.At(ctx, v1.Version)
	require.NoError(t, err)
	gold, _ = pinned.Package("GOLD")
	require.Equal(t, 5, gold.Capping, "an older version is never edited")
	require.True(t, pinned.Royalty.Threshold.Equal(d("35")))

	setGold(0)
	_, err = store.Save(ctx, next)
	require.True(t, errors.Is(err, errs.ErrConfiguration))
	current, err = store.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, v2.Version, current.Version, "an invalid config is not stored")

	_, err = store.At(ctx, 42)
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestMinutes(t *testing.T) {
	m, err := Minutes("24:00")
	require.NoError(t, err)
	require.Equal(t, 1440, m)
	m, err = Minutes(" 08:15 ")
	require.NoError(t, err)
	require.Equal(t, 495, m)
	for _, bad := range []string{"24:01", "8", "08:60", "-1:00"} {
		_, err := Minutes(bad)
		require.Error(t, err, bad)
	}
}
