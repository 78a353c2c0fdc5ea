package ledger

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"account-ledger/internal/domain"
)

const numberSpace = 10_000_000_000

// NumberGenerator produces customer-facing account numbers.
type NumberGenerator func(t domain.AccountType) string

// AccountNumber formats n as a ten digit account number with a type prefix.
func AccountNumber(t domain.AccountType, n int64) string {
	prefix := "SAV-"
	if t == domain.AccountCurrent {
		prefix = "CUR-"
	}
	return fmt.Sprintf("%s%010d", prefix, n%numberSpace)
}

// RandomNumbers draws account numbers from src.
func RandomNumbers(src rand.Source) NumberGenerator {
	var mu sync.Mutex
	r := rand.New(src)
	return func(t domain.AccountType) string {
		mu.Lock()
		n := r.Int64N(numberSpace)
		mu.Unlock()
		return AccountNumber(t, n)
	}
}
