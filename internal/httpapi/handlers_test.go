package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/ledger"
	"account-ledger/internal/memstore"
	"account-ledger/internal/reward"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestHTTPStatusForErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"amount", ledger.ErrInvalidAmount, http.StatusBadRequest},
		{"transfer", fmt.Errorf("%w: same account", ledger.ErrInvalidTransfer), http.StatusBadRequest},
		{"account", ledger.ErrInvalidAccount, http.StatusBadRequest},
		{"notfound", ledger.ErrAccountNotFound, http.StatusNotFound},
		{"forbidden", ledger.ErrUnauthorized, http.StatusForbidden},
		{"nocaller", errNoCaller, http.StatusUnauthorized},
		{"overdraft", &ledger.OverdraftError{Type: domain.AccountSavings}, http.StatusUnprocessableEntity},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"storage deadline", fmt.Errorf("%w: %w", ledger.ErrStorage, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"storage", ledger.ErrStorage, http.StatusInternalServerError},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := httpStatusForErr(tc.err)
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func TestPublicErrMessage_HidesInternals(t *testing.T) {
	if msg := publicErrMessage(500, errors.New("pq: password leaked")); msg != "internal error" {
		t.Fatalf("leaked %q", msg)
	}
}

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
}

func newAPI(t *testing.T) (*apiClient, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	quiet := log.New(io.Discard)
	trigger := reward.New(decimal.NewFromInt(1000), rand.NewPCG(7, 7), reward.WithLogger(quiet))
	l := ledger.New(st, ledger.WithAuditor(st), ledger.WithRewards(trigger))
	srv := httptest.NewServer(Router(NewHandlers(l, nil, quiet, time.Second), 16))
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv}, st
}

func (c *apiClient) do(method, path string, user uuid.UUID, body any, out any) int {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	if err != nil {
		c.t.Fatal(err)
	}
	if user != uuid.Nil {
		req.Header.Set(UserHeader, user.String())
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (c *apiClient) open(user uuid.UUID, typ string, opening string, limit *string) domain.AccountResponse {
	c.t.Helper()
	body := map[string]any{"type": typ, "opening_balance": opening}
	if limit != nil {
		body["overdraft_limit"] = *limit
	}
	var acc domain.AccountResponse
	if code := c.do(http.MethodPost, "/v1/accounts", user, body, &acc); code != http.StatusCreated {
		c.t.Fatalf("open account: status %d", code)
	}
	return acc
}

func TestAPI_AccountLifecycle(t *testing.T) {
	api, st := newAPI(t)
	alice := uuid.New()
	limit := "50"

	cur := api.open(alice, "current", "0", &limit)
	if cur.OwnerID != alice || cur.Type != domain.AccountCurrent || cur.OverdraftLimit == nil {
		t.Fatalf("unexpected account %+v", cur)
	}
	path := "/v1/accounts/" + cur.AccountID.String()

	var after domain.AccountResponse
	if code := api.do(http.MethodPost, path+"/withdraw", alice, map[string]string{"amount": "30"}, &after); code != http.StatusOK {
		t.Fatalf("withdraw status %d", code)
	}
	if !after.Balance.Equal(decimal.NewFromInt(-30)) {
		t.Fatalf("balance %s", after.Balance)
	}

	if code := api.do(http.MethodPost, path+"/withdraw", alice, map[string]string{"amount": "30"}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("overdraft status %d", code)
	}
	if n := len(st.OverdraftAttempts(cur.AccountID)); n != 1 {
		t.Fatalf("expected audit, got %d", n)
	}

	var dep domain.DepositResponse
	if code := api.do(http.MethodPost, path+"/deposit", alice, map[string]string{"amount": "130.5"}, &dep); code != http.StatusOK {
		t.Fatalf("deposit status %d", code)
	}
	if !dep.Balance.Equal(decimal.RequireFromString("100.5")) || dep.Reward != nil {
		t.Fatalf("unexpected deposit response %+v", dep)
	}

	var txs []domain.TransactionResponse
	if code := api.do(http.MethodGet, path+"/transactions", alice, nil, &txs); code != http.StatusOK {
		t.Fatalf("history status %d", code)
	}
	if len(txs) != 2 || txs[0].Type != domain.KindDeposit || txs[1].Type != domain.KindWithdraw {
		t.Fatalf("unexpected history %+v", txs)
	}

	var list []domain.AccountResponse
	if code := api.do(http.MethodGet, "/v1/accounts", alice, nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %+v", code, list)
	}
}

func TestAPI_SavingsRewardOnMilestone(t *testing.T) {
	api, _ := newAPI(t)
	bob := uuid.New()
	sav := api.open(bob, "SAVINGS", "900", nil)

	var dep domain.DepositResponse
	code := api.do(http.MethodPost, "/v1/accounts/"+sav.AccountID.String()+"/deposit", bob, map[string]string{"amount": "100"}, &dep)
	if code != http.StatusOK {
		t.Fatalf("deposit status %d", code)
	}
	if dep.Reward == nil || !dep.Reward.Milestone.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected milestone reward, got %+v", dep.Reward)
	}
}

func TestAPI_Transfer(t *testing.T) {
	api, _ := newAPI(t)
	alice, bob := uuid.New(), uuid.New()
	a := api.open(alice, "CURRENT", "40", nil)
	b := api.open(alice, "SAVINGS", "0", nil)
	foreign := api.open(bob, "SAVINGS", "0", nil)

	body := map[string]any{"from_account_id": a.AccountID, "to_account_id": b.AccountID, "amount": "40"}

	if code := api.do(http.MethodPost, "/v1/transfers", bob, body, nil); code != http.StatusForbidden {
		t.Fatalf("foreign source: status %d", code)
	}
	out := map[string]any{"from_account_id": a.AccountID, "to_account_id": foreign.AccountID, "amount": "1"}
	if code := api.do(http.MethodPost, "/v1/transfers", alice, out, nil); code != http.StatusForbidden {
		t.Fatalf("foreign destination: status %d", code)
	}

	var res domain.PostTransferResponse
	if code := api.do(http.MethodPost, "/v1/transfers", alice, body, &res); code != http.StatusCreated {
		t.Fatalf("transfer status %d", code)
	}
	if !res.From.Balance.IsZero() || !res.To.Balance.Equal(decimal.NewFromInt(40)) || res.Reference == "" {
		t.Fatalf("unexpected transfer %+v", res)
	}

	var txs []domain.TransactionResponse
	api.do(http.MethodGet, "/v1/accounts/"+b.AccountID.String()+"/transactions", alice, nil, &txs)
	if len(txs) != 1 || txs[0].Reference != res.Reference || txs[0].Type != domain.KindTransferIn {
		t.Fatalf("unexpected destination history %+v", txs)
	}

	same := map[string]any{"from_account_id": a.AccountID, "to_account_id": a.AccountID, "amount": "1"}
	if code := api.do(http.MethodPost, "/v1/transfers", alice, same, nil); code != http.StatusBadRequest {
		t.Fatalf("same account: status %d", code)
	}
}

func TestAPI_RejectsBadRequests(t *testing.T) {
	api, _ := newAPI(t)
	alice := uuid.New()
	acc := api.open(alice, "SAVINGS", "10", nil)
	path := "/v1/accounts/" + acc.AccountID.String()

	cases := []struct {
		name   string
		method string
		path   string
		user   uuid.UUID
		body   any
		want   int
	}{
		{"no caller", http.MethodGet, path, uuid.Nil, nil, http.StatusUnauthorized},
		{"not owner", http.MethodGet, path, uuid.New(), nil, http.StatusForbidden},
		{"bad id", http.MethodGet, "/v1/accounts/nope", alice, nil, http.StatusBadRequest},
		{"unknown account", http.MethodGet, "/v1/accounts/" + uuid.NewString(), alice, nil, http.StatusNotFound},
		{"zero amount", http.MethodPost, path + "/deposit", alice, map[string]string{"amount": "0"}, http.StatusBadRequest},
		{"too precise", http.MethodPost, path + "/deposit", alice, map[string]string{"amount": "0.00001"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, path + "/deposit", alice, map[string]string{"amt": "1"}, http.StatusBadRequest},
		{"savings overdraft", http.MethodPost, path + "/withdraw", alice, map[string]string{"amount": "10.01"}, http.StatusUnprocessableEntity},
		{"bad type", http.MethodPost, "/v1/accounts", alice, map[string]string{"type": "GOLD"}, http.StatusBadRequest},
		{"open for someone else", http.MethodPost, "/v1/accounts", alice, map[string]any{"type": "SAVINGS", "owner_id": uuid.New()}, http.StatusForbidden},
		{"wrong method", http.MethodDelete, path, alice, nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := api.do(tc.method, tc.path, tc.user, tc.body, nil); code != tc.want {
				t.Fatalf("status %d want %d", code, tc.want)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	api, _ := newAPI(t)
	if code := api.do(http.MethodGet, "/healthz", uuid.Nil, nil, nil); code != http.StatusOK {
		t.Fatalf("healthz %d", code)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context, time.Duration) error { return errors.New("connection refused") }

func TestHealthz_StoreDown(t *testing.T) {
	h := NewHandlers(ledger.New(memstore.New()), downPinger{}, log.New(io.Discard), time.Second)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestConcurrencyLimit_FailsFast(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	})
	h := withConcurrencyLimit(slow, 1)

	go h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	<-entered

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	close(release)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}
