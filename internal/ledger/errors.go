package ledger

import (
	"errors"
	"fmt"

	"account-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidTransfer = errors.New("invalid transfer")
	ErrInvalidAccount  = errors.New("invalid account")
	ErrOverdraftDenied = errors.New("overdraft denied")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrStorage         = errors.New("storage failure")

	// ErrConflict is returned by a Store when a balance no longer matches the value
	// an update was computed from.
	ErrConflict = errors.New("balance changed concurrently")
	// ErrDuplicateNumber is returned by a Store when an account number is taken.
	ErrDuplicateNumber = errors.New("account number already exists")
)

// OverdraftError describes a debit refused by the overdraft policy.
type OverdraftError struct {
	AccountID uuid.UUID
	Type      domain.AccountType
	Balance   decimal.Decimal
	Amount    decimal.Decimal
	Limit     *decimal.Decimal
}

func (e *OverdraftError) Error() string {
	switch {
	case e.Type == domain.AccountSavings:
		return fmt.Sprintf("%s: savings account cannot go below zero (balance %s, amount %s)",
			ErrOverdraftDenied, e.Balance, e.Amount)
	case e.Limit != nil:
		return fmt.Sprintf("%s: overdraft limit %s exceeded (balance %s, amount %s)",
			ErrOverdraftDenied, e.Limit, e.Balance, e.Amount)
	default:
		return ErrOverdraftDenied.Error()
	}
}

func (e *OverdraftError) Unwrap() error { return ErrOverdraftDenied }

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
