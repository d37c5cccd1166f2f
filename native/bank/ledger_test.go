package bank

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	engerrors "paymentengine/core/errors"
	"paymentengine/native/escrow"
)

type memBalances map[solana.PublicKey]*uint256.Int

func (m memBalances) Balance(addr solana.PublicKey) (*uint256.Int, error) {
	if bal, ok := m[addr]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return new(uint256.Int), nil
}

func (m memBalances) SetBalance(addr solana.PublicKey, amount *uint256.Int) error {
	m[addr] = new(uint256.Int).Set(amount)
	return nil
}

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return priv.PublicKey()
}

func TestTransferMovesValue(t *testing.T) {
	state := memBalances{}
	ledger := NewLedger(state)
	alice, bob := newKey(t), newKey(t)
	if _, err := ledger.Deposit(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := ledger.Transfer(alice, bob, uint256.NewInt(60)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := ledger.Balance(alice)
	b, _ := ledger.Balance(bob)
	if a.Uint64() != 40 || b.Uint64() != 60 {
		t.Fatalf("balances = %s/%s", a.Dec(), b.Dec())
	}
}

func TestTransferInsufficientFundsIsAtomic(t *testing.T) {
	state := memBalances{}
	ledger := NewLedger(state)
	alice, bob := newKey(t), newKey(t)
	if _, err := ledger.Deposit(alice, uint256.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := ledger.Transfer(alice, bob, uint256.NewInt(11)); !errors.Is(err, engerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, ok := state[bob]; ok {
		t.Fatalf("recipient credited on failure")
	}
	if state[alice].Uint64() != 10 {
		t.Fatalf("sender debited on failure")
	}
}

func TestTransferRejectsBadInput(t *testing.T) {
	ledger := NewLedger(memBalances{})
	alice, bob := newKey(t), newKey(t)
	if err := ledger.Transfer(alice, bob, uint256.NewInt(0)); !errors.Is(err, engerrors.ErrInvalidAmount) {
		t.Fatalf("zero amount: %v", err)
	}
	if err := ledger.Transfer(alice, alice, uint256.NewInt(1)); !errors.Is(err, engerrors.ErrInvalidAmount) {
		t.Fatalf("self transfer: %v", err)
	}
	if err := ledger.Transfer(solana.PublicKey{}, bob, uint256.NewInt(1)); err == nil {
		t.Fatalf("zero sender accepted")
	}
}

func TestTransferOverflow(t *testing.T) {
	state := memBalances{}
	ledger := NewLedger(state)
	alice, bob := newKey(t), newKey(t)
	max := new(uint256.Int).SetAllOne()
	state[alice] = uint256.NewInt(1)
	state[bob] = max
	if err := ledger.Transfer(alice, bob, uint256.NewInt(1)); !errors.Is(err, engerrors.ErrInvalidAmount) {
		t.Fatalf("expected overflow rejection, got %v", err)
	}
	if state[alice].Uint64() != 1 {
		t.Fatalf("sender debited on overflow")
	}
}

func TestDepositRefusesCustodyAddress(t *testing.T) {
	ledger := NewLedger(memBalances{})
	custody, _, err := escrow.NewDeriver(escrow.ProgramID).Derive(newKey(t), 1, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, err := ledger.Deposit(custody, uint256.NewInt(5)); !errors.Is(err, engerrors.ErrUnauthorized) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if _, err := ledger.Deposit(newKey(t), uint256.NewInt(0)); !errors.Is(err, engerrors.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}
