package bank

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	engerrors "paymentengine/core/errors"
	"paymentengine/crypto"
)

type balanceState interface {
	Balance(addr solana.PublicKey) (*uint256.Int, error)
	SetBalance(addr solana.PublicKey, amount *uint256.Int) error
}

// Ledger moves fungible value between identities. Every call either applies in
// full or returns an error before touching state: balances are read and
// checked first, and only then written back.
type Ledger struct {
	state balanceState
}

// NewLedger binds the ledger to a balance store, normally a state transaction.
func NewLedger(state balanceState) *Ledger {
	return &Ledger{state: state}
}

// Balance returns the value held by addr.
func (l *Ledger) Balance(addr solana.PublicKey) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("bank: ledger state unavailable")
	}
	return l.state.Balance(addr)
}

// Transfer debits from and credits to by amount.
func (l *Ledger) Transfer(from, to solana.PublicKey, amount *uint256.Int) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("bank: ledger state unavailable")
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("bank: transfer amount must be positive: %w", engerrors.ErrInvalidAmount)
	}
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("bank: transfer endpoints required")
	}
	if from.Equals(to) {
		return fmt.Errorf("bank: self transfer from %s: %w", from, engerrors.ErrInvalidAmount)
	}
	src, err := l.state.Balance(from)
	if err != nil {
		return err
	}
	if src.Lt(amount) {
		return fmt.Errorf("bank: %s holds %s, needs %s: %w", from, src.Dec(), amount.Dec(), engerrors.ErrInsufficientFunds)
	}
	dst, err := l.state.Balance(to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(dst, amount)
	if overflow {
		return fmt.Errorf("bank: credit to %s overflows: %w", to, engerrors.ErrInvalidAmount)
	}
	if err := l.state.SetBalance(from, new(uint256.Int).Sub(src, amount)); err != nil {
		return err
	}
	return l.state.SetBalance(to, credited)
}

// Deposit credits externally sourced value to addr. Program-derived custody
// addresses are refused so nobody can pre-fund or top up an escrow outside
// its lifecycle.
func (l *Ledger) Deposit(addr solana.PublicKey, amount *uint256.Int) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("bank: ledger state unavailable")
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("bank: deposit amount must be positive: %w", engerrors.ErrInvalidAmount)
	}
	if addr.IsZero() {
		return nil, fmt.Errorf("bank: deposit address required")
	}
	if crypto.IsCustodyAddress(addr) {
		return nil, fmt.Errorf("bank: %s is a program-derived address: %w", addr, engerrors.ErrUnauthorized)
	}
	current, err := l.state.Balance(addr)
	if err != nil {
		return nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return nil, fmt.Errorf("bank: deposit to %s overflows: %w", addr, engerrors.ErrInvalidAmount)
	}
	if err := l.state.SetBalance(addr, next); err != nil {
		return nil, err
	}
	return next, nil
}
