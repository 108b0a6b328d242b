// Package ledger enforces solvency for trading accounts: funds are reserved
// before a position may open and realized profit/loss flows back on close.
package ledger

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrAccountNotFound indicates a configuration error: every account must be
// registered before the engine trades on it.
var ErrAccountNotFound = errors.New("ledger: account not registered")

// InsufficientFundsError rejects an allocation that would overdraw the
// account. The balance is left untouched.
type InsufficientFundsError struct {
	Account   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need %s, have %s",
		e.Account, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Snapshot is a point-in-time copy of one account's ledger state.
type Snapshot struct {
	Account       string          `json:"account"`
	InitialBudget decimal.Decimal `json:"initial_budget"`
	CurrentBudget decimal.Decimal `json:"current_budget"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type account struct {
	mu         sync.Mutex
	initial    decimal.Decimal
	current    decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal
}

// Ledger holds independent accounts. Each account serializes its own
// mutations; there is no cross-account locking.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// Register creates an account with the given starting budget. Registering an
// existing account is a no-op.
func (l *Ledger) Register(id string, initial decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return
	}
	l.accounts[id] = &account{initial: initial, current: initial}
}

func (l *Ledger) account(id string) (*account, error) {
	l.mu.RLock()
	acct, ok := l.accounts[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acct, nil
}

// Allocate reserves amount from the account's available budget and returns
// the new balance. The check and debit are atomic per account: two
// concurrent allocations can never both observe the pre-debit balance.
func (l *Ledger) Allocate(id string, amount decimal.Decimal) (decimal.Decimal, error) {
	acct, err := l.account(id)
	if err != nil {
		return decimal.Zero, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if amount.GreaterThan(acct.current) {
		return acct.current, &InsufficientFundsError{
			Account:   id,
			Required:  amount,
			Available: acct.current,
		}
	}
	acct.current = acct.current.Sub(amount)
	log.Printf("ledger: %s allocated %s, available %s",
		id, amount.StringFixed(2), acct.current.StringFixed(2))
	return acct.current, nil
}

// Release returns a reservation plus realized profit/loss to the account and
// accumulates the realized total. A missing account is a configuration
// error, not a business rejection.
func (l *Ledger) Release(id string, reservation, realizedPnL decimal.Decimal) error {
	acct, err := l.account(id)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.current = acct.current.Add(reservation).Add(realizedPnL)
	acct.realized = acct.realized.Add(realizedPnL)
	log.Printf("ledger: %s released %s pnl %s, available %s",
		id, reservation.StringFixed(2), realizedPnL.StringFixed(2), acct.current.StringFixed(2))
	return nil
}

// UpdateUnrealized overwrites the account's unrealized P&L snapshot. The
// engine calls this from its re-marking pass.
func (l *Ledger) UpdateUnrealized(id string, value decimal.Decimal) error {
	acct, err := l.account(id)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	acct.unrealized = value
	acct.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the account's current state.
func (l *Ledger) Snapshot(id string) (Snapshot, error) {
	acct, err := l.account(id)
	if err != nil {
		return Snapshot{}, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return Snapshot{
		Account:       id,
		InitialBudget: acct.initial,
		CurrentBudget: acct.current,
		RealizedPnL:   acct.realized,
		UnrealizedPnL: acct.unrealized,
	}, nil
}

// Accounts lists registered account IDs.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		out = append(out, id)
	}
	return out
}
