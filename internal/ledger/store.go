package ledger

import (
	"context"

	"account-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable side of the ledger.
//
// Apply must be all-or-nothing: every balance update is a compare-and-store against
// Expected, and every entry is appended, or nothing is. A mismatched balance fails the
// whole batch with ErrConflict; an unknown account fails it with ErrAccountNotFound.
// The store assigns each entry the next Seq of its account and seals it into the
// account's hash chain inside the same unit.
type Store interface {
	CreateAccount(ctx context.Context, acc domain.Account) error
	Account(ctx context.Context, id uuid.UUID) (domain.Account, error)
	// Accounts lists accounts of owner, or all accounts when owner is uuid.Nil.
	Accounts(ctx context.Context, owner uuid.UUID) ([]domain.Account, error)
	Apply(ctx context.Context, b Batch) error
	// Transactions returns an account's entries, most recent first.
	Transactions(ctx context.Context, id uuid.UUID) ([]domain.Transaction, error)
}

// BalanceUpdate sets an account's balance to New provided it still equals Expected.
type BalanceUpdate struct {
	AccountID uuid.UUID
	Expected  decimal.Decimal
	New       decimal.Decimal
}

// Batch is one atomic unit: balance updates plus the entries that justify them.
type Batch struct {
	Updates []BalanceUpdate
	Entries []domain.Transaction
}

// Auditor records debits refused by the overdraft policy. It is told after the
// refusal; its errors are logged and never reach the caller.
type Auditor interface {
	RecordOverdraftAttempt(ctx context.Context, a domain.OverdraftAttempt) error
}

// Reward is a milestone reward earned by a deposit.
type Reward struct {
	Name      string
	Details   string
	Milestone decimal.Decimal
}

// RewardTrigger is consulted after a deposit has committed, with the committed
// snapshot. A nil reward means no reward.
type RewardTrigger interface {
	OnDeposit(ctx context.Context, acc domain.Account) (*Reward, error)
}
