package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountCurrent AccountType = "CURRENT"
	AccountSavings AccountType = "SAVINGS"
)

// ParseAccountType accepts the type name in any letter case.
func ParseAccountType(raw string) (AccountType, error) {
	switch t := AccountType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case AccountCurrent, AccountSavings:
		return t, nil
	default:
		return "", fmt.Errorf("account type must be CURRENT or SAVINGS, got %q", raw)
	}
}

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// Account is a committed snapshot of one ledger account.
// OverdraftLimit is nil for SAVINGS accounts and for CURRENT accounts opened without a limit.
type Account struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	Number         string
	Type           AccountType
	Balance        decimal.Decimal
	Status         Status
	OverdraftLimit *decimal.Decimal
	CreatedAt      time.Time
}

type Kind string

const (
	KindDeposit     Kind = "DEPOSIT"
	KindWithdraw    Kind = "WITHDRAW"
	KindTransferIn  Kind = "TRANSFER_IN"
	KindTransferOut Kind = "TRANSFER_OUT"
)

// Transaction is one immutable ledger entry. Seq numbers the entries of a single
// account from 1 in commit order; PrevHash/Hash link them into a chain.
type Transaction struct {
	ID        int64
	AccountID uuid.UUID
	Seq       int64
	Kind      Kind
	Amount    decimal.Decimal
	Reference string
	CreatedAt time.Time
	PrevHash  string
	Hash      string
}

// OverdraftAttempt records a debit the overdraft policy refused.
type OverdraftAttempt struct {
	AccountID       uuid.UUID
	Operation       Kind
	AttemptedAmount decimal.Decimal
	BalanceAtTime   decimal.Decimal
	OverdraftLimit  *decimal.Decimal
	CreatedAt       time.Time
}
