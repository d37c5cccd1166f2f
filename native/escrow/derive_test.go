package escrow

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"

	engerrors "paymentengine/core/errors"
)

func TestDeriveIsDeterministic(t *testing.T) {
	d := NewDeriver(solana.PublicKey{})
	if !d.ProgramID().Equals(ProgramID) {
		t.Fatalf("zero program id must select the canonical one")
	}
	a1, b1, err := d.Derive(testOwner, 42, 7)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, b2, err := d.Derive(testOwner, 42, 7)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !a1.Equals(a2) || b1 != b2 {
		t.Fatalf("derivation not stable: %s/%d vs %s/%d", a1, b1, a2, b2)
	}
	if solana.IsOnCurve(a1.Bytes()) {
		t.Fatalf("custody address %s must be off curve", a1)
	}
}

func TestDeriveMatchesProgramAddressSearch(t *testing.T) {
	d := NewDeriver(ProgramID)
	for seed := uint64(0); seed < 16; seed++ {
		got, bump, err := d.Derive(testOwner, seed, 3)
		if err != nil {
			t.Fatalf("derive seed %d: %v", seed, err)
		}
		want, wantBump, err := solana.FindProgramAddress(Seeds(testOwner, seed, 3), ProgramID)
		if err != nil {
			t.Fatalf("find seed %d: %v", seed, err)
		}
		if !got.Equals(want) || bump != wantBump {
			t.Fatalf("seed %d: got %s/%d want %s/%d", seed, got, bump, want, wantBump)
		}
	}
}

func TestDeriveIsInjectiveOverSample(t *testing.T) {
	d := NewDeriver(ProgramID)
	seen := make(map[solana.PublicKey]struct{})
	owners := []solana.PublicKey{testOwner, testPayee, testStranger}
	for _, owner := range owners {
		for seed := uint64(0); seed < 8; seed++ {
			for plan := uint64(0); plan < 4; plan++ {
				addr, _, err := d.Derive(owner, seed, plan)
				if err != nil {
					t.Fatalf("derive: %v", err)
				}
				if _, dup := seen[addr]; dup {
					t.Fatalf("collision at owner=%s seed=%d plan=%d", owner, seed, plan)
				}
				seen[addr] = struct{}{}
			}
		}
	}
}

func TestDeriveDependsOnProgramID(t *testing.T) {
	a, _, err := NewDeriver(ProgramID).Derive(testOwner, 1, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _, err := NewDeriver(testAuthority).Derive(testOwner, 1, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.Equals(b) {
		t.Fatalf("different programs must derive different addresses")
	}
}

func TestDeriveExhaustion(t *testing.T) {
	calls := 0
	d := &Deriver{programID: ProgramID, create: func([][]byte, solana.PublicKey) (solana.PublicKey, error) {
		calls++
		return solana.PublicKey{}, errors.New("on curve")
	}}
	if _, _, err := d.Derive(testOwner, 1, 1); !errors.Is(err, engerrors.ErrDerivationExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if calls != maxBump-minBump+1 {
		t.Fatalf("expected %d candidates, tried %d", maxBump-minBump+1, calls)
	}
}

func TestDeriveSkipsRejectedBumps(t *testing.T) {
	d := &Deriver{programID: ProgramID, create: func(seeds [][]byte, program solana.PublicKey) (solana.PublicKey, error) {
		if seeds[len(seeds)-1][0] > 250 {
			return solana.PublicKey{}, errors.New("on curve")
		}
		return solana.CreateProgramAddress(seeds, program)
	}}
	_, bump, err := d.Derive(testOwner, 1, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bump > 250 {
		t.Fatalf("bump %d should have been skipped", bump)
	}
}

func TestVerify(t *testing.T) {
	d := NewDeriver(ProgramID)
	addr, bump, err := d.Derive(testOwner, 5, 2)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	esc := &Escrow{Address: addr, Owner: testOwner, Seed: 5, PlanID: 2, Bump: bump, Status: EscrowCreated}
	if err := d.Verify(addr, esc); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := d.Verify(addr, nil); !errors.Is(err, engerrors.ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	other, _, err := d.Derive(testOwner, 6, 2)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if err := d.Verify(other, esc); !errors.Is(err, engerrors.ErrInvalidEscrowAddress) {
		t.Fatalf("expected invalid address for foreign slot, got %v", err)
	}
	wrongSeed := esc.Clone()
	wrongSeed.Seed = 6
	if err := d.Verify(addr, wrongSeed); !errors.Is(err, engerrors.ErrInvalidEscrowAddress) {
		t.Fatalf("expected invalid address for altered seed, got %v", err)
	}
	wrongBump := esc.Clone()
	wrongBump.Bump = bump - 1
	if err := d.Verify(addr, wrongBump); !errors.Is(err, engerrors.ErrInvalidEscrowAddress) {
		t.Fatalf("expected invalid address for altered bump, got %v", err)
	}
}
