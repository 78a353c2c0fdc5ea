// Package reward decides when a savings deposit earns a milestone reward.
package reward

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"account-ledger/internal/domain"
	"account-ledger/internal/ledger"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultStep is the distance between two milestones.
var DefaultStep = decimal.NewFromInt(1000)

// Benefit is one entry of the rewards catalogue.
type Benefit struct {
	Name     string
	Details  string
	Eligible bool
}

// Catalogue is the benefit list offered to savings customers. Only eligible
// benefits are ever granted.
var Catalogue = []Benefit{
	{Name: "Retail Discounts", Details: "Exclusive discounts at partner supermarkets.", Eligible: true},
	{Name: "Cashback on Purchases", Details: "Cashback on all purchases at partner stores.", Eligible: true},
	{Name: "Free holiday", Details: "A free holiday anywhere in Europe.", Eligible: false},
	{Name: "Partner Store Discounts", Details: "Exclusive discounts at partner stores and merchants.", Eligible: true},
}

// Publisher receives granted rewards for delivery elsewhere. Enqueue must not block.
type Publisher interface {
	Enqueue(event string, payload any) bool
}

// Granted is the payload published for a granted reward.
type Granted struct {
	AccountID uuid.UUID       `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Milestone decimal.Decimal `json:"milestone"`
	Reward    string          `json:"reward"`
	Details   string          `json:"details"`
	GrantedAt time.Time       `json:"granted_at"`
}

// EventGranted is the event name used for published rewards.
const EventGranted = "reward.granted"

// Milestones grants a reward the first time a savings balance reaches each multiple
// of the step. Balances that jump several milestones at once earn one reward and
// move the next milestone past the current balance.
//
// The per-account progress is held in memory only; after a restart every account
// starts again from its first milestone above zero.
type Milestones struct {
	step     decimal.Decimal
	benefits []Benefit
	pub      Publisher
	log      *log.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	next map[uuid.UUID]decimal.Decimal
}

var _ ledger.RewardTrigger = (*Milestones)(nil)

type Option func(*Milestones)

func WithPublisher(p Publisher) Option { return func(m *Milestones) { m.pub = p } }

func WithLogger(l *log.Logger) Option { return func(m *Milestones) { m.log = l } }

func WithCatalogue(b []Benefit) Option { return func(m *Milestones) { m.benefits = b } }

// New returns a trigger with the given step. A non-positive step falls back to
// DefaultStep. src picks the benefit for each reward.
func New(step decimal.Decimal, src rand.Source, opts ...Option) *Milestones {
	if !step.IsPositive() {
		step = DefaultStep
	}
	m := &Milestones{
		step:     step,
		benefits: Catalogue,
		rng:      rand.New(src),
		next:     make(map[uuid.UUID]decimal.Decimal),
		log:      log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Milestones) OnDeposit(ctx context.Context, acc domain.Account) (*ledger.Reward, error) {
	if acc.Type != domain.AccountSavings {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	next, ok := m.next[acc.ID]
	if !ok {
		next = m.step
	}
	if acc.Balance.LessThan(next) {
		m.mu.Unlock()
		return nil, nil
	}
	m.next[acc.ID] = m.after(acc.Balance)
	b, found := m.pick()
	m.mu.Unlock()

	if !found {
		return nil, nil
	}

	r := &ledger.Reward{Name: b.Name, Details: b.Details, Milestone: next}
	if m.pub != nil {
		ok := m.pub.Enqueue(EventGranted, Granted{
			AccountID: acc.ID,
			Balance:   acc.Balance,
			Milestone: next,
			Reward:    b.Name,
			Details:   b.Details,
			GrantedAt: time.Now().UTC(),
		})
		if !ok {
			m.log.Warn("reward notification dropped", "account_id", acc.ID, "milestone", next)
		}
	}
	return r, nil
}

// after returns the first milestone strictly above balance.
func (m *Milestones) after(balance decimal.Decimal) decimal.Decimal {
	return balance.Div(m.step).Floor().Add(decimal.NewFromInt(1)).Mul(m.step)
}

// pick must be called with m.mu held.
func (m *Milestones) pick() (Benefit, bool) {
	var eligible []Benefit
	for _, b := range m.benefits {
		if b.Eligible {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 {
		return Benefit{}, false
	}
	return eligible[m.rng.IntN(len(eligible))], true
}
