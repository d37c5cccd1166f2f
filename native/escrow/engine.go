package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	engerrors "paymentengine/core/errors"
	"paymentengine/core/events"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: custody ledger not configured")
)

type engineState interface {
	EscrowGet(address solana.PublicKey) (*Escrow, bool, error)
	EscrowPut(*Escrow) error
}

// custodyLedger moves value between identities. Implementations must be
// all-or-nothing per call.
type custodyLedger interface {
	Balance(addr solana.PublicKey) (*uint256.Int, error)
	Transfer(from, to solana.PublicKey, amount *uint256.Int) error
}

// Engine is the escrow lifecycle controller. It performs no locking of its
// own: the runtime serialises operations per account and hands the engine a
// transactional state view that is discarded whenever an operation fails, so
// ledger movements and record updates commit together or not at all.
type Engine struct {
	state   engineState
	ledger  custodyLedger
	deriver *Deriver
	policy  SettlementPolicy
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter, the canonical
// program identity and the default plan catalog policy.
func NewEngine() *Engine {
	return &Engine{
		deriver: NewDeriver(ProgramID),
		policy:  NewCatalogPolicy(DefaultCatalog()),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the custody ledger used to move funds.
func (e *Engine) SetLedger(ledger custodyLedger) { e.ledger = ledger }

// SetDeriver overrides the address deriver. Passing nil restores the
// canonical program identity.
func (e *Engine) SetDeriver(d *Deriver) {
	if d == nil {
		d = NewDeriver(ProgramID)
	}
	e.deriver = d
}

// SetPolicy configures the release/refund authorisation collaborator.
func (e *Engine) SetPolicy(policy SettlementPolicy) {
	if policy == nil {
		policy = NewCatalogPolicy(DefaultCatalog())
	}
	e.policy = policy
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Deriver exposes the address deriver the engine validates against.
func (e *Engine) Deriver() *Deriver { return e.deriver }

func (e *Engine) emit(evt TransitionEvent) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

// loadEscrow fetches the record stored at address and validates it against a
// fresh derivation before anything else looks at it.
func (e *Engine) loadEscrow(address solana.PublicKey) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	stored, ok, err := e.state.EscrowGet(address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", address, engerrors.ErrEscrowNotFound)
	}
	esc, err := SanitizeEscrow(stored)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %v: %w", address, err, engerrors.ErrInvalidEscrowAddress)
	}
	if err := e.deriver.Verify(address, esc); err != nil {
		return nil, err
	}
	return esc, nil
}

// checkCustody enforces that the record's committed balance matches what the
// ledger actually holds at the escrow address.
func (e *Engine) checkCustody(esc *Escrow) error {
	held, err := e.ledger.Balance(esc.Address)
	if err != nil {
		return err
	}
	if !held.Eq(esc.CommittedBalance) {
		return fmt.Errorf("escrow %s: committed %s, held %s: %w", esc.Address, esc.CommittedBalance.Dec(), held.Dec(), engerrors.ErrBalanceMismatch)
	}
	return nil
}

func (e *Engine) transition(esc *Escrow, to EscrowStatus) error {
	if !canTransition(esc.Status, to) {
		return fmt.Errorf("escrow %s: %s -> %s: %w", esc.Address, esc.Status, to, engerrors.ErrInvalidStatus)
	}
	esc.Status = to
	esc.UpdatedAt = e.now()
	return nil
}

// Derive returns the custody address and bump for the tuple without touching
// state.
func (e *Engine) Derive(owner solana.PublicKey, seed, planID uint64) (solana.PublicKey, uint8, error) {
	return e.deriver.Derive(owner, seed, planID)
}

// Get returns a validated copy of the escrow stored at address.
func (e *Engine) Get(address solana.PublicKey) (*Escrow, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Create allocates the escrow record for (owner, seed, planID). Seed and plan
// are opaque; the plan does not need to be known to the catalog until
// settlement.
func (e *Engine) Create(owner solana.PublicKey, seed, planID uint64) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if owner.IsZero() {
		return nil, fmt.Errorf("escrow create: owner required: %w", engerrors.ErrUnauthorized)
	}
	address, bump, err := e.deriver.Derive(owner, seed, planID)
	if err != nil {
		return nil, err
	}
	_, exists, err := e.state.EscrowGet(address)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("escrow create %s: %w", address, engerrors.ErrEscrowAlreadyExists)
	}
	held, err := e.ledger.Balance(address)
	if err != nil {
		return nil, err
	}
	if !held.IsZero() {
		return nil, fmt.Errorf("escrow create %s: address already holds %s: %w", address, held.Dec(), engerrors.ErrEscrowAlreadyExists)
	}
	now := e.now()
	esc := &Escrow{
		Address:          address,
		Owner:            owner,
		Seed:             seed,
		PlanID:           planID,
		Bump:             bump,
		Status:           EscrowCreated,
		CommittedBalance: new(uint256.Int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(newTransitionEvent(EventTypeEscrowCreated, esc, owner, solana.PublicKey{}, nil))
	return esc.Clone(), nil
}

// Fund moves amount from the owner into custody and marks the escrow funded.
// The amount is validated before any state or ledger access.
func (e *Engine) Fund(address, caller solana.PublicKey, amount *uint256.Int) (*Escrow, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("escrow fund %s: amount must be positive: %w", address, engerrors.ErrInvalidAmount)
	}
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowCreated {
		return nil, fmt.Errorf("escrow fund %s: status %s: %w", address, esc.Status, engerrors.ErrInvalidStatus)
	}
	if !caller.Equals(esc.Owner) {
		return nil, fmt.Errorf("escrow fund %s: caller %s is not owner: %w", address, caller, engerrors.ErrUnauthorized)
	}
	if err := e.checkCustody(esc); err != nil {
		return nil, err
	}
	committed, overflow := new(uint256.Int).AddOverflow(esc.CommittedBalance, amount)
	if overflow {
		return nil, fmt.Errorf("escrow fund %s: balance overflow: %w", address, engerrors.ErrInvalidAmount)
	}
	if err := e.ledger.Transfer(esc.Owner, esc.Address, amount); err != nil {
		return nil, err
	}
	esc.CommittedBalance = committed
	if err := e.transition(esc, EscrowFunded); err != nil {
		return nil, err
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(newTransitionEvent(EventTypeEscrowFunded, esc, caller, solana.PublicKey{}, amount))
	return esc.Clone(), nil
}

// Release pays the full committed balance to the plan's payee.
func (e *Engine) Release(address, caller solana.PublicKey) (*Escrow, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowFunded {
		return nil, fmt.Errorf("escrow release %s: status %s: %w", address, esc.Status, engerrors.ErrInvalidStatus)
	}
	if !e.policy.CanRelease(esc.Clone(), caller) {
		return nil, fmt.Errorf("escrow release %s: caller %s: %w", address, caller, engerrors.ErrUnauthorized)
	}
	payee, err := e.policy.Payee(esc.Clone())
	if err != nil {
		return nil, err
	}
	if payee.IsZero() {
		return nil, fmt.Errorf("escrow release %s: plan %d names no payee: %w", address, esc.PlanID, engerrors.ErrUnknownPlan)
	}
	return e.settle(esc, caller, payee, EscrowReleased, EventTypeEscrowReleased)
}

// Refund returns the full committed balance to the owner.
func (e *Engine) Refund(address, caller solana.PublicKey) (*Escrow, error) {
	esc, err := e.loadEscrow(address)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowFunded {
		return nil, fmt.Errorf("escrow refund %s: status %s: %w", address, esc.Status, engerrors.ErrInvalidStatus)
	}
	if !e.policy.CanRefund(esc.Clone(), caller) {
		return nil, fmt.Errorf("escrow refund %s: caller %s: %w", address, caller, engerrors.ErrUnauthorized)
	}
	return e.settle(esc, caller, esc.Owner, EscrowRefunded, EventTypeEscrowRefunded)
}

func (e *Engine) settle(esc *Escrow, caller, recipient solana.PublicKey, status EscrowStatus, kind string) (*Escrow, error) {
	if err := e.checkCustody(esc); err != nil {
		return nil, err
	}
	amount := cloneAmount(esc.CommittedBalance)
	if amount.IsZero() {
		return nil, fmt.Errorf("escrow %s: nothing in custody: %w", esc.Address, engerrors.ErrInvalidAmount)
	}
	if err := e.ledger.Transfer(esc.Address, recipient, amount); err != nil {
		return nil, err
	}
	esc.CommittedBalance = new(uint256.Int)
	if err := e.transition(esc, status); err != nil {
		return nil, err
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(newTransitionEvent(kind, esc, caller, recipient, amount))
	return esc.Clone(), nil
}
