package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"paymentengine/native/escrow"
	"paymentengine/storage"
)

var errTxClosed = errors.New("state: transaction already closed")

// Manager owns the persistent escrow and ledger state. Reads through the
// manager observe committed data only; writes go through a Tx so that every
// operation either lands in a single storage batch or leaves no trace.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func hashedKey(prefix, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

func escrowKey(addr solana.PublicKey) []byte  { return hashedKey(escrowPrefix, addr.Bytes()) }
func balanceKey(addr solana.PublicKey) []byte { return hashedKey(balancePrefix, addr.Bytes()) }

type getter func(key []byte) ([]byte, error)

func (m *Manager) get(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// EscrowGet returns the committed escrow stored at addr.
func (m *Manager) EscrowGet(addr solana.PublicKey) (*escrow.Escrow, bool, error) {
	return readEscrow(m.get, addr)
}

// Balance returns the committed ledger balance held by addr.
func (m *Manager) Balance(addr solana.PublicKey) (*uint256.Int, error) {
	return readBalance(m.get, addr)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The write is committed immediately and bypasses transactions; it is meant
// for bookkeeping such as the schema version.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(ethcrypto.Keccak256(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(ethcrypto.Keccak256(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Begin opens a write transaction layered over the committed state.
func (m *Manager) Begin() *Tx {
	return &Tx{db: m.db, writes: make(map[string][]byte)}
}

// Tx stages writes in memory until Commit. Reads observe the transaction's own
// writes first and fall back to committed state. A Tx is not safe for
// concurrent use; callers serialise access through account locks.
type Tx struct {
	mu     sync.Mutex
	db     storage.Database
	writes map[string][]byte
	closed bool
}

func (tx *Tx) get(key []byte) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, errTxClosed
	}
	if staged, ok := tx.writes[string(key)]; ok {
		return append([]byte(nil), staged...), nil
	}
	data, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (tx *Tx) put(key, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errTxClosed
	}
	tx.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// EscrowGet returns the escrow at addr as seen by this transaction.
func (tx *Tx) EscrowGet(addr solana.PublicKey) (*escrow.Escrow, bool, error) {
	return readEscrow(tx.get, addr)
}

// EscrowPut stages the escrow record.
func (tx *Tx) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	encoded, err := encodeEscrow(sanitized)
	if err != nil {
		return err
	}
	return tx.put(escrowKey(sanitized.Address), encoded)
}

// Balance returns the ledger balance of addr as seen by this transaction.
func (tx *Tx) Balance(addr solana.PublicKey) (*uint256.Int, error) {
	return readBalance(tx.get, addr)
}

// SetBalance stages a new ledger balance for addr.
func (tx *Tx) SetBalance(addr solana.PublicKey, amount *uint256.Int) error {
	if addr.IsZero() {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	encoded, err := rlp.EncodeToBytes(amount.ToBig())
	if err != nil {
		return err
	}
	return tx.put(balanceKey(addr), encoded)
}

// Pending reports the number of staged writes.
func (tx *Tx) Pending() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writes)
}

// Commit writes every staged entry in one storage batch. Keys are applied in
// sorted order so identical transactions produce identical batches.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	if len(tx.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := tx.db.NewBatch()
	for _, key := range keys {
		batch.Put([]byte(key), tx.writes[key])
	}
	return batch.Write()
}

// Discard drops every staged write. Discarding a committed transaction is a
// no-op.
func (tx *Tx) Discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	tx.writes = nil
}

func readBalance(get getter, addr solana.PublicKey) (*uint256.Int, error) {
	data, err := get(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return new(uint256.Int), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("state: balance of %s overflows 256 bits", addr)
	}
	return out, nil
}

func readEscrow(get getter, addr solana.PublicKey) (*escrow.Escrow, bool, error) {
	data, err := get(escrowKey(addr))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	esc, err := decodeEscrow(data)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode escrow %s: %w", addr, err)
	}
	return esc, true, nil
}
