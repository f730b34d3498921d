package settings

import "github.com/shopspring/decimal"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Defaults returns the launch parameter set.
func Defaults() BusinessConfig {
	cfg := BusinessConfig{
		Packages: []Package{
			{Code: "SILVER", Name: "Silver", Price: d("1000"), PV: d("50"), PairIncome: d("200"), Capping: 5, Active: true},
			{Code: "GOLD", Name: "Gold", Price: d("2500"), PV: d("125"), PairIncome: d("500"), Capping: 5, Active: true},
			{Code: "RUBY", Name: "Ruby", Price: d("5000"), PV: d("250"), PairIncome: d("1000"), Capping: 5, Active: true},
		},
		Royalty: Royalty{Threshold: d("35"), InitialPercent: d("3")},
		Ranks: []Rank{
			{Name: "Silver Star", MinDirects: 2, MinTeam: 10, RoyaltyPercent: d("1"), StarBonusPercent: d("0.5")},
			{Name: "Gold Star", MinDirects: 4, MinTeam: 50, RoyaltyPercent: d("2"), StarBonusPercent: d("1")},
			{Name: "Ruby Star", MinDirects: 6, MinTeam: 150, RoyaltyPercent: d("3"), StarBonusPercent: d("1.5")},
			{Name: "Emerald Star", MinDirects: 8, MinTeam: 500, RoyaltyPercent: d("4"), StarBonusPercent: d("2")},
			{Name: "Diamond Star", MinDirects: 10, MinTeam: 1500, RoyaltyPercent: d("5"), StarBonusPercent: d("2.5")},
			{Name: "Crown Star", MinDirects: 12, MinTeam: 5000, RoyaltyPercent: d("6"), StarBonusPercent: d("3")},
			{Name: "Royal Crown Star", MinDirects: 15, MinTeam: 15000, RoyaltyPercent: d("7"), StarBonusPercent: d("3.5")},
			{Name: "Ambassador Star", MinDirects: 20, MinTeam: 50000, RoyaltyPercent: d("8"), StarBonusPercent: d("4")},
		},
		FundPools: []FundPool{
			{Name: "car", Percent: d("2"), MinRank: "Ruby Star"},
			{Name: "house", Percent: d("2"), MinRank: "Diamond Star"},
			{Name: "travel", Percent: d("2"), MinRank: "Gold Star"},
		},
		Windows: [WindowCount]Window{
			{Start: "06:00", End: "08:15"},
			{Start: "08:15", End: "10:30"},
			{Start: "10:30", End: "12:45"},
			{Start: "12:45", End: "15:00"},
			{Start: "15:00", End: "17:15"},
			{Start: "17:15", End: "19:30"},
			{Start: "19:30", End: "21:45"},
			{Start: "21:45", End: "24:00"},
		},
	}
	for i := range cfg.LevelPercents {
		cfg.LevelPercents[i] = d("0.5")
	}
	return cfg
}
