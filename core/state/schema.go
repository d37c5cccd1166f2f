package state

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SchemaVersion is the layout of escrow records and balances written by this
// binary. Bump it on any incompatible change to the stored encoding.
const SchemaVersion uint32 = 1

var (
	ErrSchemaVersion = errors.New("state: schema version mismatch")
	ErrSchemaProgram = errors.New("state: database belongs to another program")
)

// Schema is stamped into a database the first time it is opened. Stored
// escrow addresses only re-derive under the program that created them, so the
// program identity is part of the stamp.
type Schema struct {
	Version uint32
	Program [32]byte
}

// ProgramID returns the stamped program identity.
func (s Schema) ProgramID() solana.PublicKey { return solana.PublicKeyFromBytes(s.Program[:]) }

// Schema returns the stamp, or false for a database that was never opened.
func (m *Manager) Schema() (Schema, bool, error) {
	var s Schema
	ok, err := m.KVGet(schemaKey, &s)
	if err != nil {
		return Schema{}, false, fmt.Errorf("state: read schema: %w", err)
	}
	return s, ok, nil
}

func (m *Manager) stampSchema(s Schema) error {
	return m.KVPut(schemaKey, s)
}

// EnsureSchema stamps a fresh database for program, or checks an existing
// stamp. A version difference is tolerated when allowMigrate is set so an
// operator can run a manual migration; a program difference never is.
func (m *Manager) EnsureSchema(program solana.PublicKey, allowMigrate bool) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	stored, ok, err := m.Schema()
	if err != nil {
		return err
	}
	if !ok {
		s := Schema{Version: SchemaVersion}
		copy(s.Program[:], program.Bytes())
		return m.stampSchema(s)
	}
	if !stored.ProgramID().Equals(program) {
		return fmt.Errorf("%w: stamped %s, running %s", ErrSchemaProgram, stored.ProgramID(), program)
	}
	if stored.Version != SchemaVersion && !allowMigrate {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersion, stored.Version, SchemaVersion)
	}
	return nil
}
