// Package wallet posts rounded credits and debits into member balances,
// keeping every balance equal to the sum of its transaction history.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pairengine/internal/errs"
	"pairengine/internal/repo"
)

// Places is the smallest currency unit as decimal places.
const Places = 2

// Posting is one balance movement.
type Posting struct {
	UserID    int64
	Account   string
	Amount    decimal.Decimal
	Kind      string
	Reference string
}

// Round rounds half-up to the smallest currency unit.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Places)
}

// Credit adds a posting inside tx. The amount is rounded here and nowhere
// earlier. A reference already posted to the same account is a no-op and
// returns false.
func Credit(ctx context.Context, tx *repo.Tx, p Posting) (bool, error) {
	amount := Round(p.Amount)
	if amount.IsNegative() {
		return false, fmt.Errorf("credit %s: negative amount %s", p.Reference, amount)
	}
	if amount.IsZero() {
		return false, nil
	}
	return apply(ctx, tx, p, amount)
}

// Debit removes a posting inside tx, refusing to overdraw the account.
func Debit(ctx context.Context, tx *repo.Tx, p Posting) (bool, error) {
	amount := Round(p.Amount)
	if !amount.IsPositive() {
		return false, fmt.Errorf("debit %s: amount must be positive", p.Reference)
	}
	w, err := tx.GetWallet(ctx, p.UserID, true)
	if err != nil {
		return false, err
	}
	if w.Balance(p.Account).LessThan(amount) {
		return false, fmt.Errorf("debit %s from %s: %w", amount, p.Account, errs.ErrInsufficientBalance)
	}
	return apply(ctx, tx, p, amount.Neg())
}

func apply(ctx context.Context, tx *repo.Tx, p Posting, amount decimal.Decimal) (bool, error) {
	if !validAccount(p.Account) {
		return false, fmt.Errorf("post %s: unknown account %q", p.Reference, p.Account)
	}
	w, err := tx.GetWallet(ctx, p.UserID, true)
	if err != nil {
		return false, err
	}
	after := w.Balance(p.Account).Add(amount)

	inserted, err := tx.InsertWalletTransaction(ctx, repo.WalletTransaction{
		ID:           uuid.NewString(),
		UserID:       p.UserID,
		Account:      p.Account,
		Amount:       amount,
		BalanceAfter: after,
		Kind:         p.Kind,
		Reference:    p.Reference,
		CreatedAt:    time.Now(),
	})
	if err != nil || !inserted {
		return false, err
	}

	switch p.Account {
	case repo.AccountMain:
		w.MainBalance = after
	case repo.AccountRepurchase:
		w.RepurchaseBalance = after
	default:
		w.IncomeBalance = after
	}
	if err := tx.SaveWallet(ctx, *w); err != nil {
		return false, err
	}
	return true, nil
}

func validAccount(account string) bool {
	switch account {
	case repo.AccountMain, repo.AccountIncome, repo.AccountRepurchase:
		return true
	}
	return false
}

// Service serves read paths and standalone postings.
type Service struct {
	repo   *repo.Store
	logger *slog.Logger
}

// NewService builds the wallet service.
func NewService(r *repo.Store, logger *slog.Logger) *Service {
	return &Service{repo: r, logger: logger.With("component", "wallet")}
}

// Debit posts a withdrawal in its own transaction.
func (s *Service) Debit(ctx context.Context, p Posting) error {
	return s.repo.WithTx(ctx, func(tx *repo.Tx) error {
		_, err := Debit(ctx, tx, p)
		return err
	})
}

// Balance returns the wallet of a member; a member without postings has a zero wallet.
func (s *Service) Balance(ctx context.Context, userID int64) (*repo.Wallet, error) {
	if _, err := s.repo.GetMember(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetWallet(ctx, userID, false)
}

// History returns transactions newest first.
func (s *Service) History(ctx context.Context, userID int64, account string, limit, offset int) ([]repo.WalletTransaction, error) {
	return s.repo.ListWalletTransactions(ctx, userID, account, limit, offset)
}

// Mismatch is an account whose balance differs from its history.
type Mismatch struct {
	UserID  int64
	Account string
	Balance decimal.Decimal
	Summed  decimal.Decimal
}

// Reconcile compares every account balance of a member with the sum of its history.
func (s *Service) Reconcile(ctx context.Context, userID int64) ([]Mismatch, error) {
	w, err := s.repo.GetWallet(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.ListWalletTransactions(ctx, userID, "", 0, 0)
	if err != nil {
		return nil, err
	}
	sums := map[string]decimal.Decimal{}
	for _, t := range history {
		sums[t.Account] = sums[t.Account].Add(t.Amount)
	}

	var res []Mismatch
	for _, account := range []string{repo.AccountMain, repo.AccountIncome, repo.AccountRepurchase} {
		if !w.Balance(account).Equal(sums[account]) {
			res = append(res, Mismatch{UserID: userID, Account: account, Balance: w.Balance(account), Summed: sums[account]})
		}
	}
	if len(res) > 0 {
		s.logger.Error("wallet balance does not match history", "user_id", userID, "mismatches", len(res))
	}
	return res, nil
}

// ReconcileAll reconciles every wallet.
func (s *Service) ReconcileAll(ctx context.Context) ([]Mismatch, error) {
	users, err := s.repo.ListWalletUsers(ctx)
	if err != nil {
		return nil, err
	}
	var res []Mismatch
	for _, id := range users {
		m, err := s.Reconcile(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, m...)
	}
	return res, nil
}
