package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateAccountRequest struct {
	OwnerID        uuid.UUID        `json:"owner_id"`
	Type           string           `json:"type"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	OverdraftLimit *decimal.Decimal `json:"overdraft_limit,omitempty"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type PostTransferRequest struct {
	FromAccountID uuid.UUID       `json:"from_account_id"`
	ToAccountID   uuid.UUID       `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type AccountResponse struct {
	AccountID      uuid.UUID        `json:"account_id"`
	OwnerID        uuid.UUID        `json:"owner_id"`
	AccountNumber  string           `json:"account_number"`
	Type           AccountType      `json:"type"`
	Balance        decimal.Decimal  `json:"balance"`
	Status         Status           `json:"status"`
	OverdraftLimit *decimal.Decimal `json:"overdraft_limit,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type RewardResponse struct {
	Name      string          `json:"name"`
	Details   string          `json:"details"`
	Milestone decimal.Decimal `json:"milestone"`
}

type DepositResponse struct {
	AccountResponse
	Reward *RewardResponse `json:"reward,omitempty"`
}

type PostTransferResponse struct {
	Reference string          `json:"reference"`
	From      AccountResponse `json:"from"`
	To        AccountResponse `json:"to"`
}

type TransactionResponse struct {
	ID        int64           `json:"id"`
	Seq       int64           `json:"seq"`
	Type      Kind            `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
	Reference string          `json:"reference,omitempty"`
	Hash      string          `json:"hash"`
}

func ToAccountResponse(a Account) AccountResponse {
	return AccountResponse{
		AccountID:      a.ID,
		OwnerID:        a.OwnerID,
		AccountNumber:  a.Number,
		Type:           a.Type,
		Balance:        a.Balance,
		Status:         a.Status,
		OverdraftLimit: a.OverdraftLimit,
		CreatedAt:      a.CreatedAt,
	}
}

func ToTransactionResponse(tx Transaction) TransactionResponse {
	return TransactionResponse{
		ID:        tx.ID,
		Seq:       tx.Seq,
		Type:      tx.Kind,
		Amount:    tx.Amount,
		Timestamp: tx.CreatedAt,
		Reference: tx.Reference,
		Hash:      tx.Hash,
	}
}
