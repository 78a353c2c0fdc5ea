package store

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/ledger"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustEnv(t *testing.T, key string) string {
	t.Helper()
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		t.Skipf("missing %s env var", key)
	}
	return v
}

// newTestPool connects to LEDGER_DB_DSN and migrates it. Tests share the database,
// so every test works on accounts it created itself.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := mustEnv(t, "LEDGER_DB_DSN")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	// Concurrency tests. Keep it bounded.
	cfg.MaxConns = 20
	cfg.MinConns = 1

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := Migrate(ctx, pool, log.New(io.Discard)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *Store, *pgxpool.Pool) {
	t.Helper()
	pool := newTestPool(t)
	st := New(pool)
	return ledger.New(st, ledger.WithAuditor(st)), st, pool
}

func openAccount(t *testing.T, l *ledger.Ledger, typ domain.AccountType, balance string, limit *decimal.Decimal) domain.Account {
	t.Helper()
	acc, err := l.OpenAccount(context.Background(), ledger.OpenAccountInput{
		OwnerID:        uuid.New(),
		Type:           typ,
		OpeningBalance: dec(balance),
		OverdraftLimit: limit,
	})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return acc
}

func TestMigrate_IsRepeatable(t *testing.T) {
	pool := newTestPool(t)
	if err := Migrate(context.Background(), pool, log.New(io.Discard)); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	limit := dec("75.25")

	acc := openAccount(t, l, domain.AccountCurrent, "10.5", &limit)
	got, err := st.Account(ctx, acc.ID)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if got.Number != acc.Number || got.Type != domain.AccountCurrent || !got.Balance.Equal(dec("10.5")) {
		t.Fatalf("unexpected account %+v", got)
	}
	if got.OverdraftLimit == nil || !got.OverdraftLimit.Equal(limit) {
		t.Fatalf("limit lost: %v", got.OverdraftLimit)
	}
	if !got.CreatedAt.Equal(acc.CreatedAt) {
		t.Fatalf("created_at %s != %s", got.CreatedAt, acc.CreatedAt)
	}

	if _, err := st.Account(ctx, uuid.New()); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	mine, err := st.Accounts(ctx, acc.OwnerID)
	if err != nil || len(mine) != 1 || mine[0].ID != acc.ID {
		t.Fatalf("owner listing: %+v %v", mine, err)
	}
}

func TestCreateAccount_DuplicateNumber(t *testing.T) {
	l, st, _ := newTestLedger(t)
	acc := openAccount(t, l, domain.AccountSavings, "0", nil)

	dup := acc
	dup.ID = uuid.New()
	err := st.CreateAccount(context.Background(), dup)
	if !errors.Is(err, ledger.ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
}

func TestLedgerOperations_PersistWithChain(t *testing.T) {
	l, st, _ := newTestLedger(t)
	ctx := context.Background()

	a := openAccount(t, l, domain.AccountCurrent, "0", nil)
	b := openAccount(t, l, domain.AccountSavings, "0", nil)

	if _, err := l.Deposit(ctx, a.ID, dec("100.1234")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.Withdraw(ctx, a.ID, dec("0.1234")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	res, err := l.Transfer(ctx, a.ID, b.ID, dec("40"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	txs, err := st.Transactions(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 || txs[0].Kind != domain.KindTransferOut || txs[0].Reference != res.Reference || txs[2].Reference != "" {
		t.Fatalf("unexpected history %+v", txs)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if err := l.VerifyChain(ctx, id); err != nil {
			t.Fatalf("chain %s: %v", id, err)
		}
	}

	got, _ := st.Account(ctx, a.ID)
	if !got.Balance.Equal(dec("60")) {
		t.Fatalf("balance %s want 60", got.Balance)
	}
}

func TestApply_ConflictRollsBackWholeBatch(t *testing.T) {
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	a := openAccount(t, l, domain.AccountSavings, "100", nil)
	b := openAccount(t, l, domain.AccountSavings, "0", nil)

	err := st.Apply(ctx, ledger.Batch{
		Updates: []ledger.BalanceUpdate{
			{AccountID: a.ID, Expected: dec("100"), New: dec("60")},
			{AccountID: b.ID, Expected: dec("1"), New: dec("40")},
		},
		Entries: []domain.Transaction{
			{ID: time.Now().UnixNano(), AccountID: a.ID, Kind: domain.KindTransferOut, Amount: dec("40"), Reference: "TRF-x", CreatedAt: time.Now().UTC()},
		},
	})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := st.Account(ctx, a.ID)
	if !got.Balance.Equal(dec("100")) {
		t.Fatalf("first update leaked: %s", got.Balance)
	}

	err = st.Apply(ctx, ledger.Batch{
		Updates: []ledger.BalanceUpdate{{AccountID: uuid.New(), Expected: dec("0"), New: dec("1")}},
	})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSchema_RejectsNegativeSavings(t *testing.T) {
	l, st, _ := newTestLedger(t)
	a := openAccount(t, l, domain.AccountSavings, "5", nil)

	err := st.Apply(context.Background(), ledger.Batch{
		Updates: []ledger.BalanceUpdate{{AccountID: a.ID, Expected: dec("5"), New: dec("-1")}},
	})
	if err == nil {
		t.Fatal("database accepted a negative savings balance")
	}
}

func TestOverdraftAttempts_Recorded(t *testing.T) {
	l, st, _ := newTestLedger(t)
	ctx := context.Background()
	limit := dec("50")
	a := openAccount(t, l, domain.AccountCurrent, "0", &limit)

	if _, err := l.Withdraw(ctx, a.ID, dec("60")); !errors.Is(err, ledger.ErrOverdraftDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
	at, err := st.OverdraftAttempts(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(at) != 1 || !at[0].AttemptedAmount.Equal(dec("60")) || at[0].OverdraftLimit == nil || !at[0].OverdraftLimit.Equal(limit) {
		t.Fatalf("unexpected attempts %+v", at)
	}
}
