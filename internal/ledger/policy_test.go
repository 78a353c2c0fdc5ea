package ledger

import (
	"testing"

	"account-ledger/internal/domain"

	"github.com/shopspring/decimal"
)

func TestCanWithdraw(t *testing.T) {
	d := decimal.RequireFromString
	fifty := d("50")
	zero := d("0")

	cases := []struct {
		name    string
		typ     domain.AccountType
		balance string
		limit   *decimal.Decimal
		amount  string
		want    bool
	}{
		{"savings to zero", domain.AccountSavings, "100", nil, "100", true},
		{"savings below zero", domain.AccountSavings, "100", nil, "100.01", false},
		{"savings ignores limit", domain.AccountSavings, "0", &fifty, "1", false},
		{"current within limit", domain.AccountCurrent, "0", &fifty, "30", true},
		{"current exactly at limit", domain.AccountCurrent, "-30", &fifty, "20", true},
		{"current past limit", domain.AccountCurrent, "-30", &fifty, "30", false},
		{"current zero limit", domain.AccountCurrent, "10", &zero, "10.0001", false},
		{"current without limit", domain.AccountCurrent, "0", nil, "1000000", true},
		{"unknown type", domain.AccountType("BROKERAGE"), "10", nil, "11", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CanWithdraw(tc.typ, d(tc.balance), tc.limit, d(tc.amount))
			if got != tc.want {
				t.Fatalf("got %t want %t", got, tc.want)
			}
		})
	}
}

func TestFloor(t *testing.T) {
	limit := decimal.RequireFromString("75.5")
	if f, ok := Floor(domain.AccountCurrent, &limit); !ok || !f.Equal(decimal.RequireFromString("-75.5")) {
		t.Fatalf("current floor = %s, %t", f, ok)
	}
	if _, ok := Floor(domain.AccountCurrent, nil); ok {
		t.Fatalf("current without limit must have no floor")
	}
	if f, ok := Floor(domain.AccountSavings, nil); !ok || !f.IsZero() {
		t.Fatalf("savings floor = %s, %t", f, ok)
	}
}
