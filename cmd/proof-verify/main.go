// Command proof-verify checks account hash chains exported from
// account_chain_export_v, offline and without database access.
//
//	psql -c "\copy (SELECT * FROM account_chain_export_v) TO 'chain.csv' CSV HEADER"
//	proof-verify -in chain.csv
package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"account-ledger/internal/chain"
	"account-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var columns = []string{"entry_id", "account_id", "seq", "kind", "amount", "reference", "created_at", "prev_hash", "hash"}

func main() {
	var (
		inPath   = flag.String("in", "", "CSV exported from account_chain_export_v")
		account  = flag.String("account", "", "only verify this account id")
		headHash = flag.String("head", "", "expected head hash hex of -account")
	)
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	if *headHash != "" && *account == "" {
		fmt.Fprintln(os.Stderr, "-head needs -account")
		os.Exit(2)
	}

	var only uuid.UUID
	if *account != "" {
		id, err := uuid.Parse(*account)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -account:", err)
			os.Exit(2)
		}
		only = id
	}

	f, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(2)
	}
	defer f.Close()

	chains, err := readChains(f, only)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(chains) == 0 {
		fmt.Fprintln(os.Stderr, "FAIL: empty export")
		os.Exit(1)
	}

	rows := 0
	for id, entries := range chains {
		if err := chain.Verify(entries); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL: account %s: %v\n", id, err)
			os.Exit(1)
		}
		rows += len(entries)
	}

	if *headHash != "" {
		entries := chains[only]
		got := entries[len(entries)-1].Hash
		if strings.ToLower(strings.TrimSpace(*headHash)) != got {
			fmt.Fprintf(os.Stderr, "FAIL: head hash mismatch\nexpected=%s\ngot=%s\n", *headHash, got)
			os.Exit(1)
		}
	}

	fmt.Printf("OK: %d chains verified (%d rows)\n", len(chains), rows)
}

// readChains groups rows by account, keeping file order within each account.
func readChains(r io.Reader, only uuid.UUID) (map[uuid.UUID][]domain.Transaction, error) {
	cr := csv.NewReader(bufio.NewReader(r))

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, need := range columns {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("missing column: %s", need)
		}
	}

	out := make(map[uuid.UUID][]domain.Transaction)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv read: %w", err)
		}
		tx, err := parseRow(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if only != uuid.Nil && tx.AccountID != only {
			continue
		}
		out[tx.AccountID] = append(out[tx.AccountID], tx)
	}
}

func parseRow(rec []string, col map[string]int) (domain.Transaction, error) {
	get := func(name string) string { return strings.TrimSpace(rec[col[name]]) }

	var (
		tx  domain.Transaction
		err error
	)
	if tx.ID, err = strconv.ParseInt(get("entry_id"), 10, 64); err != nil {
		return tx, fmt.Errorf("entry_id: %w", err)
	}
	if tx.AccountID, err = uuid.Parse(get("account_id")); err != nil {
		return tx, fmt.Errorf("account_id: %w", err)
	}
	if tx.Seq, err = strconv.ParseInt(get("seq"), 10, 64); err != nil {
		return tx, fmt.Errorf("seq: %w", err)
	}
	tx.Kind = domain.Kind(get("kind"))
	if tx.Amount, err = decimal.NewFromString(get("amount")); err != nil {
		return tx, fmt.Errorf("amount: %w", err)
	}
	tx.Reference = get("reference")
	if tx.CreatedAt, err = time.Parse(time.RFC3339Nano, get("created_at")); err != nil {
		return tx, fmt.Errorf("created_at: %w", err)
	}
	tx.PrevHash = strings.ToLower(get("prev_hash"))
	tx.Hash = strings.ToLower(get("hash"))
	return tx, nil
}
