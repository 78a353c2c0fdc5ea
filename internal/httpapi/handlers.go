package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/ledger"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// UserHeader carries the authenticated caller. Authentication itself happens in
// front of this service.
const UserHeader = "X-User-Id"

var errNoCaller = errors.New("missing " + UserHeader + " header")

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context, d time.Duration) error
}

type Handlers struct {
	l       *ledger.Ledger
	ping    Pinger
	log     *log.Logger
	timeout time.Duration
}

// NewHandlers wires the ledger to HTTP. ping may be nil when the store has no
// external dependency to check.
func NewHandlers(l *ledger.Ledger, ping Pinger, logger *log.Logger, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handlers{l: l, ping: ping, log: logger, timeout: timeout}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping.Ping(r.Context(), 2*time.Second); err != nil {
			h.log.Warn("health check failed", "err", err)
			writeErr(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Context / timeouts. Checked first: storage failures wrap them.
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	// Ledger semantic errors
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTransfer),
		errors.Is(err, ledger.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, errNoCaller):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrOverdraftDenied):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don't leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeErr(w, code, publicErrMessage(code, err))
}

func caller(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(UserHeader)
	if raw == "" {
		return uuid.Nil, errNoCaller
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errNoCaller
	}
	return id, nil
}

// owned resolves the caller and the account in the path and checks the caller
// owns it.
func (h *Handlers) owned(ctx context.Context, r *http.Request, id uuid.UUID) (domain.Account, error) {
	user, err := caller(r)
	if err != nil {
		return domain.Account{}, err
	}
	acc, err := h.l.Account(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if acc.OwnerID != user {
		return domain.Account{}, ledger.ErrUnauthorized
	}
	return acc, nil
}

func pathAccountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

// POST /v1/accounts
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	// The caller may open accounts for themselves only.
	if user, err := caller(r); err == nil {
		if req.OwnerID == uuid.Nil {
			req.OwnerID = user
		} else if req.OwnerID != user {
			h.fail(w, r, ledger.ErrUnauthorized)
			return
		}
	}

	typ, err := domain.ParseAccountType(req.Type)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	acc, err := h.l.OpenAccount(ctx, ledger.OpenAccountInput{
		OwnerID:        req.OwnerID,
		Type:           typ,
		OpeningBalance: req.OpeningBalance,
		OverdraftLimit: req.OverdraftLimit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.ToAccountResponse(acc))
}

// GET /v1/accounts
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	accts, err := h.l.Accounts(ctx, user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]domain.AccountResponse, 0, len(accts))
	for _, a := range accts {
		out = append(out, domain.ToAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/accounts/{id}
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAccountID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	acc, err := h.owned(ctx, r, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ToAccountResponse(acc))
}

// POST /v1/accounts/{id}/deposit
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAccountID(w, r)
	if !ok {
		return
	}
	var req domain.AmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.owned(ctx, r, id); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.l.Deposit(ctx, id, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := domain.DepositResponse{AccountResponse: domain.ToAccountResponse(res.Account)}
	if res.Reward != nil {
		resp.Reward = &domain.RewardResponse{
			Name:      res.Reward.Name,
			Details:   res.Reward.Details,
			Milestone: res.Reward.Milestone,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/accounts/{id}/withdraw
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAccountID(w, r)
	if !ok {
		return
	}
	var req domain.AmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.owned(ctx, r, id); err != nil {
		h.fail(w, r, err)
		return
	}

	acc, err := h.l.Withdraw(ctx, id, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ToAccountResponse(acc))
}

// GET /v1/accounts/{id}/transactions
func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAccountID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.owned(ctx, r, id); err != nil {
		h.fail(w, r, err)
		return
	}

	txs, err := h.l.Transactions(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]domain.TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, domain.ToTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /v1/transfers
func (h *Handlers) PostTransfer(w http.ResponseWriter, r *http.Request) {
	var req domain.PostTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	// Transfers move money between the caller's own accounts.
	for _, id := range []uuid.UUID{req.FromAccountID, req.ToAccountID} {
		if _, err := h.owned(ctx, r, id); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	res, err := h.l.Transfer(ctx, req.FromAccountID, req.ToAccountID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.PostTransferResponse{
		Reference: res.Reference,
		From:      domain.ToAccountResponse(res.From),
		To:        domain.ToAccountResponse(res.To),
	})
}
