// Package store persists the ledger in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"account-ledger/internal/chain"
	"account-ledger/internal/domain"
	"account-ledger/internal/ledger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Auditor = (*Store)(nil)
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// Numerics cross the wire as text so no precision is lost to a float codec.
const accountColumns = `account_id, owner_id, account_number, account_type, balance::text,
	status, overdraft_limit::text, created_at`

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts(account_id, owner_id, account_number, account_type, balance, status, overdraft_limit, created_at)
		 VALUES($1,$2,$3,$4,$5::numeric,$6,$7::numeric,$8)`,
		acc.ID, acc.OwnerID, acc.Number, string(acc.Type), acc.Balance.String(),
		string(acc.Status), decimalArg(acc.OverdraftLimit), acc.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "accounts_account_number_key") {
			return ledger.ErrDuplicateNumber
		}
		return err
	}
	return nil
}

func (s *Store) Account(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id=$1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ledger.ErrAccountNotFound
	}
	return acc, err
}

func (s *Store) Accounts(ctx context.Context, owner uuid.UUID) ([]domain.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if owner != uuid.Nil {
		q += ` WHERE owner_id=$1`
		args = append(args, owner)
	}
	q += ` ORDER BY created_at, account_id`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// Apply runs the batch in one transaction. Each balance update is a conditional
// UPDATE whose row lock also serializes chain appends for that account; the
// UNIQUE(account_id, seq) constraint catches any writer that got around it.
func (s *Store) Apply(ctx context.Context, b ledger.Batch) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Same row-lock order as the in-process Locker.
	updates := slices.Clone(b.Updates)
	slices.SortFunc(updates, func(x, y ledger.BalanceUpdate) int {
		return strings.Compare(x.AccountID.String(), y.AccountID.String())
	})

	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance=$2::numeric WHERE account_id=$1 AND balance=$3::numeric`,
			u.AccountID, u.New.String(), u.Expected.String(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return missingOrMoved(ctx, tx, u.AccountID)
		}
	}

	heads := make(map[uuid.UUID]domain.Transaction)
	for _, e := range b.Entries {
		prev, ok := heads[e.AccountID]
		if !ok {
			prev, err = lastEntry(ctx, tx, e.AccountID)
			if err != nil {
				return err
			}
		}
		e.Seq = prev.Seq + 1
		sealed, err := chain.Seal(prev.Hash, e)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO account_transactions(entry_id, account_id, seq, kind, amount, reference, created_at, prev_hash, hash)
			 VALUES($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9)`,
			sealed.ID, sealed.AccountID, sealed.Seq, string(sealed.Kind), sealed.Amount.String(),
			nullIfEmpty(sealed.Reference), sealed.CreatedAt, sealed.PrevHash, sealed.Hash,
		)
		if err != nil {
			if isUniqueViolation(err, "account_transactions_account_id_seq_key") {
				return ledger.ErrConflict
			}
			return err
		}
		heads[e.AccountID] = sealed
	}

	return tx.Commit(ctx)
}

func (s *Store) Transactions(ctx context.Context, id uuid.UUID) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entry_id, account_id, seq, kind, amount::text, COALESCE(reference, ''), created_at, prev_hash, hash
		   FROM account_transactions
		  WHERE account_id=$1
		  ORDER BY seq DESC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t      domain.Transaction
			kind   string
			amount string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Seq, &kind, &amount, &t.Reference, &t.CreatedAt, &t.PrevHash, &t.Hash); err != nil {
			return nil, err
		}
		t.Kind = domain.Kind(kind)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("entry %d amount: %w", t.ID, err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RecordOverdraftAttempt(ctx context.Context, at domain.OverdraftAttempt) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO overdraft_attempts(account_id, operation, attempted_amount, balance_at_time, overdraft_limit, created_at)
		 VALUES($1,$2,$3::numeric,$4::numeric,$5::numeric,$6)`,
		at.AccountID, string(at.Operation), at.AttemptedAmount.String(), at.BalanceAtTime.String(),
		decimalArg(at.OverdraftLimit), at.CreatedAt,
	)
	return err
}

// OverdraftAttempts returns the audited attempts of an account, oldest first.
func (s *Store) OverdraftAttempts(ctx context.Context, id uuid.UUID) ([]domain.OverdraftAttempt, error) {
	rows, err := s.db.Query(ctx,
		`SELECT account_id, operation, attempted_amount::text, balance_at_time::text, overdraft_limit::text, created_at
		   FROM overdraft_attempts
		  WHERE account_id=$1
		  ORDER BY attempt_id`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OverdraftAttempt
	for rows.Next() {
		var (
			at               domain.OverdraftAttempt
			op, amt, balance string
			limit            *string
		)
		if err := rows.Scan(&at.AccountID, &op, &amt, &balance, &limit, &at.CreatedAt); err != nil {
			return nil, err
		}
		at.Operation = domain.Kind(op)
		if at.AttemptedAmount, err = decimal.NewFromString(amt); err != nil {
			return nil, err
		}
		if at.BalanceAtTime, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		if at.OverdraftLimit, err = parseDecimalPtr(limit); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func missingOrMoved(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE account_id=$1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	return ledger.ErrConflict
}

// lastEntry returns the head of an account's chain, or a zero entry linking to
// chain.Genesis when the account has none.
func lastEntry(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.Transaction, error) {
	head := domain.Transaction{Hash: chain.Genesis}
	err := tx.QueryRow(ctx,
		`SELECT seq, hash FROM account_transactions WHERE account_id=$1 ORDER BY seq DESC LIMIT 1`,
		id,
	).Scan(&head.Seq, &head.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return head, nil
	}
	return head, err
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		acc                 domain.Account
		typ, status, amount string
		limit               *string
	)
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Number, &typ, &amount, &status, &limit, &acc.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	acc.Type = domain.AccountType(typ)
	acc.Status = domain.Status(status)
	acc.CreatedAt = acc.CreatedAt.UTC()

	var err error
	if acc.Balance, err = decimal.NewFromString(amount); err != nil {
		return domain.Account{}, fmt.Errorf("account %s balance: %w", acc.ID, err)
	}
	if acc.OverdraftLimit, err = parseDecimalPtr(limit); err != nil {
		return domain.Account{}, fmt.Errorf("account %s limit: %w", acc.ID, err)
	}
	return acc, nil
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

// Ping reports whether the database answers within d.
func (s *Store) Ping(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.db.Ping(ctx)
}
