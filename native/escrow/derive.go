package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	engerrors "paymentengine/core/errors"
)

// ProgramID is the engine's canonical identity. Every custody address is
// derived under it, so changing it relocates every escrow.
var ProgramID = solana.MustPublicKeyFromBase58("AeaX15Xn4YCSLGBvf1EMdjHViewi28odizgfyQ3RLD9e")

// seedPrefix namespaces escrow addresses from other program-derived accounts.
var seedPrefix = []byte("escrow")

const (
	maxBump = 255
	minBump = 1
)

type createFunc func(seeds [][]byte, programID solana.PublicKey) (solana.PublicKey, error)

// Deriver computes custody addresses for (owner, seed, plan) tuples. The
// address is the first off-curve program address found while walking the
// bump down from 255, which means no private key exists for it and only the
// engine can authorise movements out of it.
type Deriver struct {
	programID solana.PublicKey
	create    createFunc
}

// NewDeriver returns a deriver bound to programID. A zero programID selects
// ProgramID.
func NewDeriver(programID solana.PublicKey) *Deriver {
	if programID.IsZero() {
		programID = ProgramID
	}
	return &Deriver{programID: programID, create: solana.CreateProgramAddress}
}

// ProgramID returns the identity addresses are derived under.
func (d *Deriver) ProgramID() solana.PublicKey {
	if d == nil {
		return ProgramID
	}
	return d.programID
}

// Seeds returns the derivation seeds without the bump.
func Seeds(owner solana.PublicKey, seed, planID uint64) [][]byte {
	var seedLE, planLE [8]byte
	binary.LittleEndian.PutUint64(seedLE[:], seed)
	binary.LittleEndian.PutUint64(planLE[:], planID)
	return [][]byte{seedPrefix, owner.Bytes(), seedLE[:], planLE[:]}
}

// Derive returns the canonical custody address and authority bump.
func (d *Deriver) Derive(owner solana.PublicKey, seed, planID uint64) (solana.PublicKey, uint8, error) {
	if d == nil {
		d = NewDeriver(ProgramID)
	}
	base := Seeds(owner, seed, planID)
	seeds := make([][]byte, len(base)+1)
	copy(seeds, base)
	for bump := maxBump; bump >= minBump; bump-- {
		seeds[len(base)] = []byte{uint8(bump)}
		address, err := d.create(seeds, d.programID)
		if err != nil {
			// On-curve candidate; try the next bump.
			continue
		}
		return address, uint8(bump), nil
	}
	return solana.PublicKey{}, 0, fmt.Errorf("derive owner=%s seed=%d plan=%d: %w", owner, seed, planID, engerrors.ErrDerivationExhausted)
}

// Verify re-derives the address from the record's own identity fields and
// checks both the storage address being accessed and the stored bump. The
// stored bump is never trusted on its own.
func (d *Deriver) Verify(address solana.PublicKey, esc *Escrow) error {
	if esc == nil {
		return fmt.Errorf("verify %s: %w", address, engerrors.ErrEscrowNotFound)
	}
	derived, bump, err := d.Derive(esc.Owner, esc.Seed, esc.PlanID)
	if err != nil {
		return err
	}
	if !derived.Equals(address) || !esc.Address.Equals(address) {
		return fmt.Errorf("verify %s: derived %s: %w", address, derived, engerrors.ErrInvalidEscrowAddress)
	}
	if bump != esc.Bump {
		return fmt.Errorf("verify %s: stored bump %d, derived %d: %w", address, esc.Bump, bump, engerrors.ErrInvalidEscrowAddress)
	}
	return nil
}
