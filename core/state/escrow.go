package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"paymentengine/native/escrow"
)

// storedEscrow is the RLP layout of an escrow record. Timestamps are stored
// unsigned because RLP has no signed integers.
type storedEscrow struct {
	Address   []byte
	Owner     []byte
	Seed      uint64
	PlanID    uint64
	Bump      uint8
	Status    uint8
	Balance   *big.Int
	CreatedAt uint64
	UpdatedAt uint64
}

func encodeEscrow(esc *escrow.Escrow) ([]byte, error) {
	if esc.CreatedAt < 0 || esc.UpdatedAt < 0 {
		return nil, fmt.Errorf("state: negative escrow timestamp")
	}
	return rlp.EncodeToBytes(&storedEscrow{
		Address:   esc.Address.Bytes(),
		Owner:     esc.Owner.Bytes(),
		Seed:      esc.Seed,
		PlanID:    esc.PlanID,
		Bump:      esc.Bump,
		Status:    uint8(esc.Status),
		Balance:   esc.CommittedBalance.ToBig(),
		CreatedAt: uint64(esc.CreatedAt),
		UpdatedAt: uint64(esc.UpdatedAt),
	})
}

func decodeEscrow(data []byte) (*escrow.Escrow, error) {
	var stored storedEscrow
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	if len(stored.Address) != solana.PublicKeyLength || len(stored.Owner) != solana.PublicKeyLength {
		return nil, fmt.Errorf("malformed identity length")
	}
	balance := new(uint256.Int)
	if stored.Balance != nil {
		var overflow bool
		balance, overflow = uint256.FromBig(stored.Balance)
		if overflow {
			return nil, fmt.Errorf("balance overflows 256 bits")
		}
	}
	return &escrow.Escrow{
		Address:          solana.PublicKeyFromBytes(stored.Address),
		Owner:            solana.PublicKeyFromBytes(stored.Owner),
		Seed:             stored.Seed,
		PlanID:           stored.PlanID,
		Bump:             stored.Bump,
		Status:           escrow.EscrowStatus(stored.Status),
		CommittedBalance: balance,
		CreatedAt:        int64(stored.CreatedAt),
		UpdatedAt:        int64(stored.UpdatedAt),
	}, nil
}
