// Package memstore keeps ledger state in process memory. It implements the same
// contract as the Postgres store and is used for local runs and tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"account-ledger/internal/chain"
	"account-ledger/internal/domain"
	"account-ledger/internal/ledger"

	"github.com/google/uuid"
)

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Auditor = (*Store)(nil)
)

type account struct {
	domain.Account
	entries []domain.Transaction
}

// Store guards its maps with one RWMutex held only for the duration of a single
// call; callers serialize per account through the ledger's Locker.
type Store struct {
	mu       sync.RWMutex
	accts    map[uuid.UUID]*account
	numbers  map[string]uuid.UUID
	attempts []domain.OverdraftAttempt

	failNext error
}

func New() *Store {
	return &Store{
		accts:   make(map[uuid.UUID]*account),
		numbers: make(map[string]uuid.UUID),
	}
}

// FailNextApply makes the next Apply return err without changing anything.
func (s *Store) FailNextApply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.numbers[acc.Number]; ok {
		return ledger.ErrDuplicateNumber
	}
	if _, ok := s.accts[acc.ID]; ok {
		return fmt.Errorf("account %s already exists", acc.ID)
	}
	s.accts[acc.ID] = &account{Account: copyAccount(acc)}
	s.numbers[acc.Number] = acc.ID
	return nil
}

func (s *Store) Account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accts[id]
	if !ok {
		return domain.Account{}, ledger.ErrAccountNotFound
	}
	return copyAccount(a.Account), nil
}

func (s *Store) Accounts(ctx context.Context, owner uuid.UUID) ([]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accts))
	for _, a := range s.accts {
		if owner == uuid.Nil || a.OwnerID == owner {
			out = append(out, copyAccount(a.Account))
		}
	}
	slices.SortFunc(out, func(x, y domain.Account) int { return x.CreatedAt.Compare(y.CreatedAt) })
	return out, nil
}

// Apply validates the whole batch before touching anything, so a failure at any
// point leaves the store exactly as it was.
func (s *Store) Apply(ctx context.Context, b ledger.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}

	for _, u := range b.Updates {
		a, ok := s.accts[u.AccountID]
		if !ok {
			return ledger.ErrAccountNotFound
		}
		if !a.Balance.Equal(u.Expected) {
			return ledger.ErrConflict
		}
	}

	sealed := make([]domain.Transaction, len(b.Entries))
	heads := make(map[uuid.UUID]domain.Transaction)
	for i, tx := range b.Entries {
		a, ok := s.accts[tx.AccountID]
		if !ok {
			return ledger.ErrAccountNotFound
		}
		prev, ok := heads[tx.AccountID]
		if !ok && len(a.entries) > 0 {
			prev, ok = a.entries[len(a.entries)-1], true
		}
		tx.Seq, tx.PrevHash = 1, chain.Genesis
		if ok {
			tx.Seq, tx.PrevHash = prev.Seq+1, prev.Hash
		}
		st, err := chain.Seal(tx.PrevHash, tx)
		if err != nil {
			return err
		}
		sealed[i] = st
		heads[tx.AccountID] = st
	}

	for _, u := range b.Updates {
		s.accts[u.AccountID].Balance = u.New
	}
	for _, tx := range sealed {
		a := s.accts[tx.AccountID]
		a.entries = append(a.entries, tx)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, id uuid.UUID) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := slices.Clone(a.entries)
	slices.Reverse(out)
	return out, nil
}

func (s *Store) RecordOverdraftAttempt(ctx context.Context, at domain.OverdraftAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, at)
	return nil
}

// OverdraftAttempts returns the recorded attempts for an account, oldest first.
func (s *Store) OverdraftAttempts(id uuid.UUID) []domain.OverdraftAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OverdraftAttempt
	for _, at := range s.attempts {
		if at.AccountID == id {
			out = append(out, at)
		}
	}
	return out
}

// SetBalance overwrites a balance without an entry, standing in for a writer
// outside the ledger.
func (s *Store) SetBalance(id uuid.UUID, balance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	return a.Balance.UnmarshalText([]byte(balance))
}

func copyAccount(a domain.Account) domain.Account {
	if a.OverdraftLimit != nil {
		v := *a.OverdraftLimit
		a.OverdraftLimit = &v
	}
	return a
}
