// Package ledger owns account balances: it opens accounts, applies deposits,
// withdrawals and transfers under the overdraft policy, and records one immutable
// entry per balance change in the same atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"account-ledger/internal/chain"
	"account-ledger/internal/domain"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// AmountScale is the number of fractional digits an amount may carry.
	AmountScale = 4

	maxApplyAttempts  = 3
	maxNumberAttempts = 5
)

// MaxAmount bounds a single amount so balances stay inside NUMERIC(20,4).
var MaxAmount = decimal.New(1, 15)

type Ledger struct {
	store   Store
	locks   *Locker
	ids     *snowflake.Node
	numbers NumberGenerator
	rewards RewardTrigger
	audit   Auditor
	log     *log.Logger
	now     func() time.Time
}

type Option func(*Ledger)

func WithRewards(t RewardTrigger) Option { return func(l *Ledger) { l.rewards = t } }

func WithAuditor(a Auditor) Option { return func(l *Ledger) { l.audit = a } }

func WithLogger(lg *log.Logger) Option { return func(l *Ledger) { l.log = lg } }

// WithNode sets the snowflake node entry ids are drawn from. Processes sharing a
// database need distinct nodes.
func WithNode(n *snowflake.Node) Option { return func(l *Ledger) { l.ids = n } }

func WithNumbers(g NumberGenerator) Option { return func(l *Ledger) { l.numbers = g } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(st Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		locks:   NewLocker(),
		numbers: RandomNumbers(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		log:     log.New(io.Discard),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ids == nil {
		// Node 0 is always within range.
		l.ids, _ = snowflake.NewNode(0)
	}
	return l
}

// OpenAccountInput describes a new account. OverdraftLimit is ignored for SAVINGS.
type OpenAccountInput struct {
	OwnerID        uuid.UUID
	Type           domain.AccountType
	OpeningBalance decimal.Decimal
	OverdraftLimit *decimal.Decimal
}

type DepositResult struct {
	Account domain.Account
	// Reward is nil unless the reward trigger granted one.
	Reward *Reward
}

type TransferResult struct {
	Reference string
	From      domain.Account
	To        domain.Account
}

func (l *Ledger) OpenAccount(ctx context.Context, in OpenAccountInput) (domain.Account, error) {
	if in.OwnerID == uuid.Nil {
		return domain.Account{}, fmt.Errorf("%w: owner is required", ErrInvalidAccount)
	}
	if in.Type != domain.AccountCurrent && in.Type != domain.AccountSavings {
		return domain.Account{}, fmt.Errorf("%w: type must be CURRENT or SAVINGS", ErrInvalidAccount)
	}
	if in.OpeningBalance.IsNegative() || !fitsScale(in.OpeningBalance) {
		return domain.Account{}, fmt.Errorf("%w: opening balance must be >= 0 with at most %d decimals", ErrInvalidAccount, AmountScale)
	}

	var limit *decimal.Decimal
	if in.Type == domain.AccountCurrent && in.OverdraftLimit != nil {
		if in.OverdraftLimit.IsNegative() || !fitsScale(*in.OverdraftLimit) {
			return domain.Account{}, fmt.Errorf("%w: overdraft limit must be >= 0 with at most %d decimals", ErrInvalidAccount, AmountScale)
		}
		v := *in.OverdraftLimit
		limit = &v
	}

	acc := domain.Account{
		ID:             uuid.New(),
		OwnerID:        in.OwnerID,
		Type:           in.Type,
		Balance:        in.OpeningBalance,
		Status:         domain.StatusActive,
		OverdraftLimit: limit,
		CreatedAt:      l.clock(),
	}

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		acc.Number = l.numbers(in.Type)
		err := l.store.CreateAccount(ctx, acc)
		if err == nil {
			l.log.Info("account opened", "account_id", acc.ID, "type", acc.Type, "number", acc.Number)
			return acc, nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return domain.Account{}, storageErr(err)
		}
		l.log.Warn("account number collision", "number", acc.Number, "attempt", attempt)
	}
	return domain.Account{}, storageErr(ErrDuplicateNumber)
}

// Deposit credits amount to the account. The reward trigger runs after the deposit
// has committed and its outcome never affects it.
func (l *Ledger) Deposit(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (DepositResult, error) {
	if err := validateAmount(amount); err != nil {
		return DepositResult{}, err
	}

	accts, err := l.commit(ctx, []uuid.UUID{id}, func(a []domain.Account) (Batch, error) {
		acc := a[0]
		return Batch{
			Updates: []BalanceUpdate{{AccountID: acc.ID, Expected: acc.Balance, New: acc.Balance.Add(amount)}},
			Entries: []domain.Transaction{l.entry(acc.ID, domain.KindDeposit, amount, "")},
		}, nil
	})
	if err != nil {
		return DepositResult{}, err
	}

	res := DepositResult{Account: accts[0]}
	l.log.Debug("deposit committed", "account_id", id, "amount", amount, "balance", res.Account.Balance)
	res.Reward = l.reward(ctx, res.Account)
	return res, nil
}

func (l *Ledger) Withdraw(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (domain.Account, error) {
	if err := validateAmount(amount); err != nil {
		return domain.Account{}, err
	}

	accts, err := l.commit(ctx, []uuid.UUID{id}, func(a []domain.Account) (Batch, error) {
		acc := a[0]
		if err := checkDebit(acc, amount); err != nil {
			return Batch{}, err
		}
		return Batch{
			Updates: []BalanceUpdate{{AccountID: acc.ID, Expected: acc.Balance, New: acc.Balance.Sub(amount)}},
			Entries: []domain.Transaction{l.entry(acc.ID, domain.KindWithdraw, amount, "")},
		}, nil
	})
	if err != nil {
		l.auditDenied(ctx, err, domain.KindWithdraw)
		return domain.Account{}, err
	}

	l.log.Debug("withdrawal committed", "account_id", id, "amount", amount, "balance", accts[0].Balance)
	return accts[0], nil
}

// Transfer moves amount from one account to another. Both balance changes and both
// entries commit as one unit sharing a TRF- reference, or nothing changes.
// Callers are expected to have checked the caller owns the source account.
func (l *Ledger) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) (TransferResult, error) {
	if err := validateAmount(amount); err != nil {
		return TransferResult{}, err
	}
	if from == to {
		return TransferResult{}, fmt.Errorf("%w: source and destination must differ", ErrInvalidTransfer)
	}

	ref := "TRF-" + uuid.NewString()
	accts, err := l.commit(ctx, []uuid.UUID{from, to}, func(a []domain.Account) (Batch, error) {
		src, dst := a[0], a[1]
		if err := checkDebit(src, amount); err != nil {
			return Batch{}, err
		}
		return Batch{
			Updates: []BalanceUpdate{
				{AccountID: src.ID, Expected: src.Balance, New: src.Balance.Sub(amount)},
				{AccountID: dst.ID, Expected: dst.Balance, New: dst.Balance.Add(amount)},
			},
			Entries: []domain.Transaction{
				l.entry(src.ID, domain.KindTransferOut, amount, ref),
				l.entry(dst.ID, domain.KindTransferIn, amount, ref),
			},
		}, nil
	})
	if err != nil {
		l.auditDenied(ctx, err, domain.KindTransferOut)
		return TransferResult{}, err
	}

	l.log.Debug("transfer committed", "reference", ref, "from", from, "to", to, "amount", amount)
	return TransferResult{Reference: ref, From: accts[0], To: accts[1]}, nil
}

// Account returns the committed snapshot of an account.
func (l *Ledger) Account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	acc, err := l.store.Account(ctx, id)
	if err != nil {
		return domain.Account{}, loadErr(id, err)
	}
	return acc, nil
}

// Accounts lists the accounts of owner, or every account when owner is uuid.Nil.
func (l *Ledger) Accounts(ctx context.Context, owner uuid.UUID) ([]domain.Account, error) {
	accts, err := l.store.Accounts(ctx, owner)
	if err != nil {
		return nil, storageErr(err)
	}
	return accts, nil
}

// Transactions returns the committed history of an account, most recent first.
func (l *Ledger) Transactions(ctx context.Context, id uuid.UUID) ([]domain.Transaction, error) {
	if _, err := l.Account(ctx, id); err != nil {
		return nil, err
	}
	txs, err := l.store.Transactions(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	return txs, nil
}

// VerifyChain recomputes the hash chain of an account's history.
func (l *Ledger) VerifyChain(ctx context.Context, id uuid.UUID) error {
	txs, err := l.Transactions(ctx, id)
	if err != nil {
		return err
	}
	slices.Reverse(txs)
	return chain.Verify(txs)
}

// commit locks ids, loads them in that order, asks plan for a batch and applies it.
// A compare-and-store conflict reloads and replans; the locks make that rare, it
// only happens when something outside this process wrote the row.
func (l *Ledger) commit(ctx context.Context, ids []uuid.UUID, plan func([]domain.Account) (Batch, error)) ([]domain.Account, error) {
	unlock, err := l.locks.Lock(ctx, ids...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		accts := make([]domain.Account, len(ids))
		for i, id := range ids {
			acc, err := l.store.Account(ctx, id)
			if err != nil {
				return nil, loadErr(id, err)
			}
			accts[i] = acc
		}

		b, err := plan(accts)
		if err != nil {
			return nil, err
		}

		err = l.store.Apply(ctx, b)
		switch {
		case err == nil:
			return withBalances(accts, b.Updates), nil
		case errors.Is(err, ErrConflict) && attempt < maxApplyAttempts:
			l.log.Warn("balance moved under lock, replanning", "attempt", attempt, "accounts", ids)
			continue
		case errors.Is(err, ErrAccountNotFound):
			return nil, err
		default:
			return nil, storageErr(err)
		}
	}
}

func (l *Ledger) entry(acc uuid.UUID, kind domain.Kind, amount decimal.Decimal, ref string) domain.Transaction {
	return domain.Transaction{
		ID:        l.ids.Generate().Int64(),
		AccountID: acc,
		Kind:      kind,
		Amount:    amount,
		Reference: ref,
		CreatedAt: l.clock(),
	}
}

// clock truncates to microseconds, the resolution Postgres keeps, so hashed
// timestamps survive a round-trip.
func (l *Ledger) clock() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

func (l *Ledger) reward(ctx context.Context, acc domain.Account) (r *Reward) {
	if l.rewards == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("reward trigger panicked", "account_id", acc.ID, "panic", p)
			r = nil
		}
	}()

	r, err := l.rewards.OnDeposit(ctx, acc)
	if err != nil {
		l.log.Warn("reward trigger failed", "account_id", acc.ID, "err", err)
		return nil
	}
	if r != nil {
		l.log.Info("reward granted", "account_id", acc.ID, "reward", r.Name, "milestone", r.Milestone)
	}
	return r
}

func (l *Ledger) auditDenied(ctx context.Context, err error, op domain.Kind) {
	var oe *OverdraftError
	if !errors.As(err, &oe) {
		return
	}
	l.log.Info("debit denied", "account_id", oe.AccountID, "operation", op, "amount", oe.Amount, "balance", oe.Balance)
	if l.audit == nil {
		return
	}
	attempt := domain.OverdraftAttempt{
		AccountID:       oe.AccountID,
		Operation:       op,
		AttemptedAmount: oe.Amount,
		BalanceAtTime:   oe.Balance,
		OverdraftLimit:  oe.Limit,
		CreatedAt:       l.clock(),
	}
	if aerr := l.audit.RecordOverdraftAttempt(ctx, attempt); aerr != nil {
		l.log.Error("overdraft audit failed", "account_id", oe.AccountID, "err", aerr)
	}
}

func checkDebit(acc domain.Account, amount decimal.Decimal) error {
	if CanWithdraw(acc.Type, acc.Balance, acc.OverdraftLimit, amount) {
		return nil
	}
	return &OverdraftError{
		AccountID: acc.ID,
		Type:      acc.Type,
		Balance:   acc.Balance,
		Amount:    amount,
		Limit:     acc.OverdraftLimit,
	}
}

func withBalances(accts []domain.Account, updates []BalanceUpdate) []domain.Account {
	for _, u := range updates {
		for i := range accts {
			if accts[i].ID == u.AccountID {
				accts[i].Balance = u.New
			}
		}
	}
	return accts
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be > 0, got %s", ErrInvalidAmount, amount)
	}
	if !fitsScale(amount) {
		return fmt.Errorf("%w: at most %d decimals allowed, got %s", ErrInvalidAmount, AmountScale, amount)
	}
	if amount.GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: must be below %s", ErrInvalidAmount, MaxAmount)
	}
	return nil
}

func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale))
}

func loadErr(id uuid.UUID, err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return storageErr(err)
}
