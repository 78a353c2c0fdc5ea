package ledger

import (
	"account-ledger/internal/domain"

	"github.com/shopspring/decimal"
)

// Floor returns the lowest balance an account of type t may hold. ok is false when
// the policy imposes no floor (a CURRENT account without a limit).
func Floor(t domain.AccountType, limit *decimal.Decimal) (floor decimal.Decimal, ok bool) {
	switch t {
	case domain.AccountSavings:
		return decimal.Zero, true
	case domain.AccountCurrent:
		if limit == nil {
			return decimal.Zero, false
		}
		return limit.Neg(), true
	default:
		// Unknown types get the strictest floor.
		return decimal.Zero, true
	}
}

// CanWithdraw reports whether amount may be debited from an account of type t holding
// balance. It is the only place the overdraft rule lives; withdrawals and the debit
// leg of a transfer both go through it.
func CanWithdraw(t domain.AccountType, balance decimal.Decimal, limit *decimal.Decimal, amount decimal.Decimal) bool {
	floor, ok := Floor(t, limit)
	if !ok {
		return true
	}
	return balance.Sub(amount).GreaterThanOrEqual(floor)
}
