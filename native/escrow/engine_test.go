package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	engerrors "paymentengine/core/errors"
	"paymentengine/core/events"
)

type mockState struct {
	escrows map[solana.PublicKey]*Escrow
	putErr  error
}

func newMockState() *mockState {
	return &mockState{escrows: make(map[solana.PublicKey]*Escrow)}
}

func (m *mockState) EscrowPut(e *Escrow) error {
	if m.putErr != nil {
		return m.putErr
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.Address] = sanitized
	return nil
}

func (m *mockState) EscrowGet(address solana.PublicKey) (*Escrow, bool, error) {
	esc, ok := m.escrows[address]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

type mockLedger struct {
	balances    map[solana.PublicKey]*uint256.Int
	transfers   int
	transferErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[solana.PublicKey]*uint256.Int)}
}

func (l *mockLedger) credit(addr solana.PublicKey, amount uint64) {
	bal := l.balanceOf(addr)
	l.balances[addr] = new(uint256.Int).Add(bal, uint256.NewInt(amount))
}

func (l *mockLedger) balanceOf(addr solana.PublicKey) *uint256.Int {
	if bal, ok := l.balances[addr]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

func (l *mockLedger) Balance(addr solana.PublicKey) (*uint256.Int, error) {
	return l.balanceOf(addr), nil
}

func (l *mockLedger) Transfer(from, to solana.PublicKey, amount *uint256.Int) error {
	l.transfers++
	if l.transferErr != nil {
		return l.transferErr
	}
	if amount == nil || amount.IsZero() {
		return engerrors.ErrInvalidAmount
	}
	src := l.balanceOf(from)
	if src.Lt(amount) {
		return fmt.Errorf("transfer %s: %w", from, engerrors.ErrInsufficientFunds)
	}
	l.balances[from] = new(uint256.Int).Sub(src, amount)
	l.balances[to] = new(uint256.Int).Add(l.balanceOf(to), amount)
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func testKey(fill byte) solana.PublicKey {
	return solana.PublicKeyFromBytes(bytes.Repeat([]byte{fill}, solana.PublicKeyLength))
}

var (
	testOwner     = testKey(0x11)
	testPayee     = testKey(0x22)
	testAuthority = testKey(0x33)
	testStranger  = testKey(0x44)
)

const testPlanID = 7

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog([]Plan{
		{ID: testPlanID, Name: "Scenario", Payee: testPayee, Authority: testAuthority},
		{ID: 8, Name: "Flexible", Payee: testPayee, Authority: testAuthority, OwnerRefundable: true},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockLedger, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	ledger := newMockLedger()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetLedger(ledger)
	engine.SetEmitter(emitter)
	engine.SetPolicy(NewCatalogPolicy(testCatalog(t)))
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, state, ledger, emitter
}

func createFunded(t *testing.T, engine *Engine, ledger *mockLedger, planID uint64, amount uint64) *Escrow {
	t.Helper()
	ledger.credit(testOwner, amount)
	esc, err := engine.Create(testOwner, 42, planID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Fund(esc.Address, testOwner, uint256.NewInt(amount)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return esc
}

func TestCreateFundReleaseScenario(t *testing.T) {
	engine, state, ledger, emitter := newTestEngine(t)
	ledger.credit(testOwner, 1000)

	esc, err := engine.Create(testOwner, 42, testPlanID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	addr, bump, err := solana.FindProgramAddress(Seeds(testOwner, 42, testPlanID), ProgramID)
	if err != nil {
		t.Fatalf("find program address: %v", err)
	}
	if !esc.Address.Equals(addr) || esc.Bump != bump {
		t.Fatalf("unexpected address %s/%d, want %s/%d", esc.Address, esc.Bump, addr, bump)
	}
	if esc.Status != EscrowCreated || !esc.CommittedBalance.IsZero() {
		t.Fatalf("unexpected created record: %+v", esc)
	}

	funded, err := engine.Fund(esc.Address, testOwner, uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != EscrowFunded || funded.CommittedBalance.Uint64() != 1000 {
		t.Fatalf("unexpected funded record: %+v", funded)
	}
	if got := ledger.balanceOf(esc.Address).Uint64(); got != 1000 {
		t.Fatalf("custody balance = %d, want 1000", got)
	}
	if got := ledger.balanceOf(testOwner).Uint64(); got != 0 {
		t.Fatalf("owner balance = %d, want 0", got)
	}

	released, err := engine.Release(esc.Address, testOwner)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != EscrowReleased || !released.CommittedBalance.IsZero() {
		t.Fatalf("unexpected released record: %+v", released)
	}
	if got := ledger.balanceOf(testPayee).Uint64(); got != 1000 {
		t.Fatalf("payee balance = %d, want 1000", got)
	}
	if got := ledger.balanceOf(esc.Address); !got.IsZero() {
		t.Fatalf("custody balance = %s, want 0", got.Dec())
	}

	_, err = engine.Fund(esc.Address, testOwner, uint256.NewInt(1))
	if !errors.Is(err, engerrors.ErrInvalidStatus) {
		t.Fatalf("expected invalid status after release, got %v", err)
	}
	if stored := state.escrows[esc.Address]; stored.Status != EscrowReleased {
		t.Fatalf("stored status = %s", stored.Status)
	}

	wantKinds := []string{EventTypeEscrowCreated, EventTypeEscrowFunded, EventTypeEscrowReleased}
	if len(emitter.events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d", len(wantKinds), len(emitter.events))
	}
	for i, kind := range wantKinds {
		if emitter.events[i].EventType() != kind {
			t.Fatalf("event %d = %s, want %s", i, emitter.events[i].EventType(), kind)
		}
	}
	last := emitter.events[2].Event()
	if last.Attributes["amount"] != "1000" || last.Attributes["counterparty"] != testPayee.String() {
		t.Fatalf("unexpected release attributes: %v", last.Attributes)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	engine, _, _, emitter := newTestEngine(t)
	if _, err := engine.Create(testOwner, 1, testPlanID); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := engine.Create(testOwner, 1, testPlanID)
	if !errors.Is(err, engerrors.ErrEscrowAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected a single event, got %d", len(emitter.events))
	}
}

func TestCreateRejectsPreloadedAddress(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	addr, _, err := engine.Derive(testOwner, 9, testPlanID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	ledger.credit(addr, 5)
	if _, err := engine.Create(testOwner, 9, testPlanID); !errors.Is(err, engerrors.ErrEscrowAlreadyExists) {
		t.Fatalf("expected already exists for preloaded address, got %v", err)
	}
}

func TestCreateDistinctTuplesYieldDistinctAddresses(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	a, err := engine.Create(testOwner, 1, testPlanID)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := engine.Create(testOwner, 2, testPlanID)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	c, err := engine.Create(testStranger, 1, testPlanID)
	if err != nil {
		t.Fatalf("create c: %v", err)
	}
	if a.Address.Equals(b.Address) || a.Address.Equals(c.Address) || b.Address.Equals(c.Address) {
		t.Fatalf("addresses collided: %s %s %s", a.Address, b.Address, c.Address)
	}
}

func TestCreateRequiresOwner(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.Create(solana.PublicKey{}, 1, testPlanID); !errors.Is(err, engerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreateDerivationExhausted(t *testing.T) {
	engine, state, _, emitter := newTestEngine(t)
	engine.SetDeriver(&Deriver{
		programID: ProgramID,
		create: func([][]byte, solana.PublicKey) (solana.PublicKey, error) {
			return solana.PublicKey{}, errors.New("on curve")
		},
	})
	if _, err := engine.Create(testOwner, 1, testPlanID); !errors.Is(err, engerrors.ErrDerivationExhausted) {
		t.Fatalf("expected derivation exhausted, got %v", err)
	}
	if len(state.escrows) != 0 || len(emitter.events) != 0 {
		t.Fatalf("exhausted create must not write state or emit")
	}
}

func TestFundZeroAmountSkipsLedger(t *testing.T) {
	engine, _, ledger, emitter := newTestEngine(t)
	esc, err := engine.Create(testOwner, 1, testPlanID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, amount := range []*uint256.Int{nil, uint256.NewInt(0)} {
		if _, err := engine.Fund(esc.Address, testOwner, amount); !errors.Is(err, engerrors.ErrInvalidAmount) {
			t.Fatalf("expected invalid amount, got %v", err)
		}
	}
	if ledger.transfers != 0 {
		t.Fatalf("ledger was called %d times", ledger.transfers)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected only the create event, got %d", len(emitter.events))
	}
}

func TestFundRejectsWrongCaller(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	ledger.credit(testStranger, 100)
	esc, err := engine.Create(testOwner, 1, testPlanID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Fund(esc.Address, testStranger, uint256.NewInt(10)); !errors.Is(err, engerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if ledger.transfers != 0 {
		t.Fatalf("ledger should not be touched")
	}
}

func TestFundInsufficientFundsLeavesRecordUntouched(t *testing.T) {
	engine, state, ledger, emitter := newTestEngine(t)
	ledger.credit(testOwner, 10)
	esc, err := engine.Create(testOwner, 1, testPlanID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Fund(esc.Address, testOwner, uint256.NewInt(11)); !errors.Is(err, engerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	stored := state.escrows[esc.Address]
	if stored.Status != EscrowCreated || !stored.CommittedBalance.IsZero() {
		t.Fatalf("record mutated on failure: %+v", stored)
	}
	if got := ledger.balanceOf(testOwner).Uint64(); got != 10 {
		t.Fatalf("owner balance = %d, want 10", got)
	}
	if len(emitter.events) != 1 {
		t.Fatalf("failed fund must not emit")
	}
}

func TestFundTwiceFails(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 50)
	ledger.credit(testOwner, 50)
	if _, err := engine.Fund(esc.Address, testOwner, uint256.NewInt(50)); !errors.Is(err, engerrors.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestUnknownEscrow(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	addr, _, err := engine.Derive(testOwner, 77, testPlanID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, err := engine.Release(addr, testOwner); !errors.Is(err, engerrors.ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := engine.Get(addr); !errors.Is(err, engerrors.ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTamperedRecordRejected(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 100)

	tampered := state.escrows[esc.Address].Clone()
	tampered.Bump--
	state.escrows[esc.Address] = tampered
	if _, err := engine.Release(esc.Address, testOwner); !errors.Is(err, engerrors.ErrInvalidEscrowAddress) {
		t.Fatalf("expected invalid address for tampered bump, got %v", err)
	}

	tampered = esc.Clone()
	tampered.Status = EscrowFunded
	tampered.CommittedBalance = uint256.NewInt(100)
	tampered.Owner = testStranger
	state.escrows[esc.Address] = tampered
	if _, err := engine.Refund(esc.Address, testAuthority); !errors.Is(err, engerrors.ErrInvalidEscrowAddress) {
		t.Fatalf("expected invalid address for tampered owner, got %v", err)
	}
	if got := ledger.balanceOf(esc.Address).Uint64(); got != 100 {
		t.Fatalf("custody balance moved: %d", got)
	}
}

func TestReleaseAuthorization(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 100)
	if _, err := engine.Release(esc.Address, testStranger); !errors.Is(err, engerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := engine.Release(esc.Address, testAuthority); err != nil {
		t.Fatalf("authority release: %v", err)
	}
	if got := ledger.balanceOf(testPayee).Uint64(); got != 100 {
		t.Fatalf("payee balance = %d", got)
	}
}

func TestReleaseUnknownPlan(t *testing.T) {
	engine, state, ledger, _ := newTestEngine(t)
	esc := createFunded(t, engine, ledger, 999, 100)
	if _, err := engine.Release(esc.Address, testOwner); !errors.Is(err, engerrors.ErrUnknownPlan) {
		t.Fatalf("expected unknown plan, got %v", err)
	}
	if state.escrows[esc.Address].Status != EscrowFunded {
		t.Fatalf("record must remain funded")
	}
}

func TestRefundAuthorization(t *testing.T) {
	engine, _, ledger, emitter := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 100)
	if _, err := engine.Refund(esc.Address, testOwner); !errors.Is(err, engerrors.ErrUnauthorized) {
		t.Fatalf("owner refund on strict plan: expected unauthorized, got %v", err)
	}
	refunded, err := engine.Refund(esc.Address, testAuthority)
	if err != nil {
		t.Fatalf("authority refund: %v", err)
	}
	if refunded.Status != EscrowRefunded {
		t.Fatalf("status = %s", refunded.Status)
	}
	if got := ledger.balanceOf(testOwner).Uint64(); got != 100 {
		t.Fatalf("owner balance = %d, want 100", got)
	}
	last := emitter.events[len(emitter.events)-1]
	if last.EventType() != EventTypeEscrowRefunded {
		t.Fatalf("last event = %s", last.EventType())
	}

	flexible := createFunded(t, engine, ledger, 8, 40)
	if _, err := engine.Refund(flexible.Address, testOwner); err != nil {
		t.Fatalf("owner refund on flexible plan: %v", err)
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 100)
	if _, err := engine.Refund(esc.Address, testAuthority); err != nil {
		t.Fatalf("refund: %v", err)
	}
	ledger.credit(testOwner, 10)
	checks := map[string]error{}
	_, checks["fund"] = engine.Fund(esc.Address, testOwner, uint256.NewInt(10))
	_, checks["release"] = engine.Release(esc.Address, testOwner)
	_, checks["refund"] = engine.Refund(esc.Address, testAuthority)
	for op, err := range checks {
		if !errors.Is(err, engerrors.ErrInvalidStatus) {
			t.Fatalf("%s: expected invalid status, got %v", op, err)
		}
	}
}

func TestReleaseBeforeFundFails(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc, err := engine.Create(testOwner, 1, testPlanID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Release(esc.Address, testOwner); !errors.Is(err, engerrors.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestCustodyMismatchDetected(t *testing.T) {
	engine, _, ledger, _ := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 100)
	ledger.balances[esc.Address] = uint256.NewInt(99)
	_, err := engine.Release(esc.Address, testOwner)
	if !errors.Is(err, engerrors.ErrBalanceMismatch) {
		t.Fatalf("expected balance mismatch, got %v", err)
	}
	if !engerrors.KindOf(err).Fatal() {
		t.Fatalf("balance mismatch must be fatal")
	}
}

func TestLedgerFailureLeavesStateUnchanged(t *testing.T) {
	engine, state, ledger, emitter := newTestEngine(t)
	esc := createFunded(t, engine, ledger, testPlanID, 100)
	before := len(emitter.events)
	ledger.transferErr = errors.New("ledger offline")
	if _, err := engine.Release(esc.Address, testOwner); err == nil {
		t.Fatalf("expected ledger error")
	}
	stored := state.escrows[esc.Address]
	if stored.Status != EscrowFunded || stored.CommittedBalance.Uint64() != 100 {
		t.Fatalf("record mutated: %+v", stored)
	}
	if len(emitter.events) != before {
		t.Fatalf("failed release must not emit")
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Create(testOwner, 1, 1); !errors.Is(err, errNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
	engine.SetState(newMockState())
	if _, err := engine.Create(testOwner, 1, 1); !errors.Is(err, errNilLedger) {
		t.Fatalf("expected nil ledger error, got %v", err)
	}
}
