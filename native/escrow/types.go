package escrow

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// EscrowStatus represents the lifecycle states supported by the engine.
type EscrowStatus uint8

const (
	EscrowCreated EscrowStatus = iota + 1
	EscrowFunded
	EscrowReleased
	EscrowRefunded
)

// Escrow is the persistent record for one derived custody address. Owner,
// Seed, PlanID and Bump are fixed at creation and together reproduce the
// address; Status and CommittedBalance are only mutated by the Engine.
type Escrow struct {
	Address          solana.PublicKey
	Owner            solana.PublicKey
	Seed             uint64
	PlanID           uint64
	Bump             uint8
	Status           EscrowStatus
	CommittedBalance *uint256.Int
	CreatedAt        int64
	UpdatedAt        int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.CommittedBalance != nil {
		clone.CommittedBalance = new(uint256.Int).Set(e.CommittedBalance)
	} else {
		clone.CommittedBalance = new(uint256.Int)
	}
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowCreated, EscrowFunded, EscrowReleased, EscrowRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave the status.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

func (s EscrowStatus) String() string {
	switch s {
	case EscrowCreated:
		return "created"
	case EscrowFunded:
		return "funded"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus maps the lowercase status name back to its value.
func ParseStatus(name string) (EscrowStatus, error) {
	for _, s := range []EscrowStatus{EscrowCreated, EscrowFunded, EscrowReleased, EscrowRefunded} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status: %q", name)
}

// canTransition encodes the only allowed edges of the lifecycle graph.
func canTransition(from, to EscrowStatus) bool {
	switch from {
	case EscrowCreated:
		return to == EscrowFunded
	case EscrowFunded:
		return to == EscrowReleased || to == EscrowRefunded
	default:
		return false
	}
}

// SanitizeEscrow validates the supplied record and returns a cloned instance
// with a non-nil balance. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Owner.IsZero() {
		return nil, fmt.Errorf("escrow owner required")
	}
	if clone.Address.IsZero() {
		return nil, fmt.Errorf("escrow address required")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Status == EscrowCreated && !clone.CommittedBalance.IsZero() {
		return nil, fmt.Errorf("created escrow must not carry a balance")
	}
	if clone.Status.Terminal() && !clone.CommittedBalance.IsZero() {
		return nil, fmt.Errorf("terminal escrow must not carry a balance")
	}
	return clone, nil
}
