package escrow

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestStatusTransitions(t *testing.T) {
	all := []EscrowStatus{EscrowCreated, EscrowFunded, EscrowReleased, EscrowRefunded}
	allowed := map[[2]EscrowStatus]bool{
		{EscrowCreated, EscrowFunded}:  true,
		{EscrowFunded, EscrowReleased}: true,
		{EscrowFunded, EscrowRefunded}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := canTransition(from, to); got != allowed[[2]EscrowStatus{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	for _, s := range []EscrowStatus{EscrowCreated, EscrowFunded, EscrowReleased, EscrowRefunded} {
		parsed, err := ParseStatus(s.String())
		if err != nil || parsed != s {
			t.Fatalf("parse %s: %v %v", s, parsed, err)
		}
	}
	if _, err := ParseStatus("disputed"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if EscrowStatus(9).Valid() {
		t.Fatalf("status 9 must be invalid")
	}
}

func TestSanitizeEscrow(t *testing.T) {
	base := &Escrow{Address: testPayee, Owner: testOwner, Status: EscrowCreated}
	clean, err := SanitizeEscrow(base)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if clean.CommittedBalance == nil || !clean.CommittedBalance.IsZero() {
		t.Fatalf("balance should default to zero")
	}
	if clean == base {
		t.Fatalf("sanitize must clone")
	}

	bad := []*Escrow{
		nil,
		{Address: testPayee, Status: EscrowCreated},
		{Owner: testOwner, Status: EscrowCreated},
		{Address: testPayee, Owner: testOwner, Status: 0},
		{Address: testPayee, Owner: testOwner, Status: EscrowCreated, CommittedBalance: uint256.NewInt(1)},
		{Address: testPayee, Owner: testOwner, Status: EscrowReleased, CommittedBalance: uint256.NewInt(1)},
	}
	for i, esc := range bad {
		if _, err := SanitizeEscrow(esc); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	esc := &Escrow{CommittedBalance: uint256.NewInt(5)}
	clone := esc.Clone()
	clone.CommittedBalance.SetUint64(6)
	if esc.CommittedBalance.Uint64() != 5 {
		t.Fatalf("clone shares balance")
	}
}
