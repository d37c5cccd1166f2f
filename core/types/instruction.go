package types

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// InstructionType defines the purpose of an instruction.
type InstructionType byte

const (
	InstructionCreateEscrow  InstructionType = 0x01
	InstructionFundEscrow    InstructionType = 0x02
	InstructionReleaseEscrow InstructionType = 0x03
	InstructionRefundEscrow  InstructionType = 0x04
	InstructionDeposit       InstructionType = 0x05 // operator credit into the ledger
)

func (t InstructionType) String() string {
	switch t {
	case InstructionCreateEscrow:
		return "create"
	case InstructionFundEscrow:
		return "fund"
	case InstructionReleaseEscrow:
		return "release"
	case InstructionRefundEscrow:
		return "refund"
	case InstructionDeposit:
		return "deposit"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Instruction is one authenticated request against the engine. Caller is the
// identity the transport layer authenticated; it is never taken from the
// request body.
type Instruction struct {
	Type   InstructionType
	Caller solana.PublicKey
	// Escrow addresses the custody account for fund, release and refund, and
	// the credited identity for deposit.
	Escrow solana.PublicKey
	Seed   uint64
	PlanID uint64
	Amount *uint256.Int
}

// Validate performs the shape checks that do not need state.
func (ins *Instruction) Validate() error {
	if ins == nil {
		return fmt.Errorf("instruction required")
	}
	switch ins.Type {
	case InstructionCreateEscrow:
		if ins.Caller.IsZero() {
			return fmt.Errorf("create: caller required")
		}
	case InstructionFundEscrow, InstructionReleaseEscrow, InstructionRefundEscrow, InstructionDeposit:
		if ins.Escrow.IsZero() {
			return fmt.Errorf("%s: address required", ins.Type)
		}
	default:
		return fmt.Errorf("unknown instruction type: %d", ins.Type)
	}
	return nil
}
