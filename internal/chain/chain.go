// Package chain links the entries of one account into a hash chain.
//
// Every entry is hashed as sha256(prevHashHex | "|" | JCS(entry)) where JCS is the
// RFC 8785 canonical JSON of the entry fields. The first entry of an account links to
// Genesis. Because an account's entries are only ever appended while that account is
// locked, the chain never needs a lock wider than the account itself.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"account-ledger/internal/domain"

	"github.com/gowebpki/jcs"
)

// Genesis is the previous hash of the first entry of every account.
var Genesis = hex.EncodeToString(make([]byte, sha256.Size))

var ErrBroken = errors.New("chain broken")

// entryPayload is the canonical shape hashed for an entry. No floats: amounts are
// fixed-scale strings so a NUMERIC round-trip hashes identically.
type entryPayload struct {
	EntryID   int64  `json:"entry_id"`
	AccountID string `json:"account_id"`
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	CreatedAt string `json:"created_at"`
}

// Canonical returns the RFC 8785 form of the entry.
func Canonical(tx domain.Transaction) (string, error) {
	raw, err := json.Marshal(entryPayload{
		EntryID:   tx.ID,
		AccountID: tx.AccountID.String(),
		Seq:       tx.Seq,
		Kind:      string(tx.Kind),
		Amount:    tx.Amount.StringFixed(4),
		Reference: tx.Reference,
		CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

// Hash links canonical to prev.
func Hash(prev, canonical string) string {
	sum := sha256.Sum256([]byte(prev + "|" + canonical))
	return hex.EncodeToString(sum[:])
}

// Seal fills PrevHash and Hash of tx.
func Seal(prev string, tx domain.Transaction) (domain.Transaction, error) {
	canon, err := Canonical(tx)
	if err != nil {
		return tx, err
	}
	tx.PrevHash = prev
	tx.Hash = Hash(prev, canon)
	return tx, nil
}

// Verify checks entries of a single account given in ascending Seq order.
func Verify(entries []domain.Transaction) error {
	prev := Genesis
	for i, tx := range entries {
		if tx.Seq != int64(i+1) {
			return fmt.Errorf("%w: expected seq %d, got %d", ErrBroken, i+1, tx.Seq)
		}
		if tx.PrevHash != prev {
			return fmt.Errorf("%w: prev_hash mismatch at seq %d", ErrBroken, tx.Seq)
		}
		canon, err := Canonical(tx)
		if err != nil {
			return err
		}
		if Hash(prev, canon) != tx.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBroken, tx.Seq)
		}
		prev = tx.Hash
	}
	return nil
}
