package repo

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a leg of the binary tree.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// Valid reports whether s names a leg.
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// Member represents the members table row.
type Member struct {
	ID          int64
	ExternalRef string
	SponsorID   *int64
	ParentID    *int64
	Side        Side
	PackageCode string
	Rank        string
	DirectCount int
	TeamCount   int
	Active      bool
	JoinedAt    time.Time
	UpdatedAt   time.Time
}

// Purchase is the raw inbound purchase/repurchase event.
type Purchase struct {
	OrderRef    string
	UserID      int64
	PackageCode string
	Kind        string
	PV          decimal.Decimal
	BV          decimal.Decimal
	Category    string
	OccurredAt  time.Time
	RecordedAt  time.Time
}

// PVEntry is one credited leg volume for an ancestor.
type PVEntry struct {
	Seq          int64
	UserID       int64
	Side         Side
	PackageCode  string
	Amount       decimal.Decimal
	OrderRef     string
	SourceUserID int64
	SessionIndex int
	WindowID     string
	OccurredAt   time.Time
	RecordedAt   time.Time
}

// BVEntry is one business volume posting.
type BVEntry struct {
	Seq           int64
	UserID        int64
	Amount        decimal.Decimal
	Category      string
	OrderRef      string
	OccurredAt    time.Time
	RecordedAt    time.Time
	DistributedAt *time.Time
}

// Accumulator is the unmatched volume of one member for one package.
type Accumulator struct {
	UserID      int64
	PackageCode string
	Left        decimal.Decimal
	Right       decimal.Decimal
	// NeedsMatch marks volume left unmatched because the package was not
	// matchable; the member stays a candidate until it matches.
	NeedsMatch bool
}

// Pair states.
const (
	PairRed    = "red"
	PairGreen  = "green"
	PairCapped = "capped"
)

// Pair represents a row in pairs table.
type Pair struct {
	ID               int64
	UserID           int64
	PackageCode      string
	WindowID         string
	State            string
	Amount           decimal.Decimal
	CreatedAt        time.Time
	ReleasedWindowID *string
	ReleasedAt       *time.Time
}

// Commission types.
const (
	CommissionPair    = "pair"
	CommissionLevel   = "level"
	CommissionRoyalty = "royalty"
	CommissionStar    = "star"
	CommissionFund    = "fund"
)

// CommissionEntry represents a row in commission_entries table.
type CommissionEntry struct {
	ID          int64
	UserID      int64
	Type        string
	SourceEvent string
	Amount      decimal.Decimal
	Level       int
	Rank        string
	WindowID    string
	CreatedAt   time.Time
}

// Wallet accounts.
const (
	AccountMain       = "main"
	AccountIncome     = "income"
	AccountRepurchase = "repurchase"
)

// Wallet represents a row in wallets table.
type Wallet struct {
	UserID            int64
	MainBalance       decimal.Decimal
	IncomeBalance     decimal.Decimal
	RepurchaseBalance decimal.Decimal
	UpdatedAt         time.Time
}

// Balance returns the balance of one account.
func (w Wallet) Balance(account string) decimal.Decimal {
	switch account {
	case AccountMain:
		return w.MainBalance
	case AccountRepurchase:
		return w.RepurchaseBalance
	default:
		return w.IncomeBalance
	}
}

// WalletTransaction represents a row in wallet_transactions table.
type WalletTransaction struct {
	ID           string
	UserID       int64
	Account      string
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Kind         string
	Reference    string
	CreatedAt    time.Time
}

// Window statuses.
const (
	WindowScheduled = "scheduled"
	WindowRunning   = "running"
	WindowCompleted = "completed"
)

// SessionWindow represents a row in session_windows table.
type SessionWindow struct {
	ID            string
	BusinessDate  string
	Index         int
	StartsAt      time.Time
	EndsAt        time.Time
	Status        string
	Owner         string
	LeaseUntilMS  int64
	Attempts      int
	ConfigVersion int64
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastError     string
	UpdatedAt     time.Time
}

// FundPoolBalance represents a row in fund_pools table.
type FundPoolBalance struct {
	Name      string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// FundDistribution is a claimed (pool, period) payout.
type FundDistribution struct {
	Pool      string
	Period    string
	Amount    decimal.Decimal
	Members   int
	CreatedAt time.Time
}

// ConfigVersion represents a row in config_versions table.
type ConfigVersion struct {
	Version   int64
	Payload   []byte
	CreatedAt time.Time
}
