package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	engerrors "paymentengine/core/errors"
	"paymentengine/core/events"
	"paymentengine/core/state"
	"paymentengine/core/types"
	"paymentengine/native/bank"
	"paymentengine/native/escrow"
)

// maxLockAttempts bounds how often Apply re-resolves its account set when a
// concurrent create changes which accounts an instruction touches.
const maxLockAttempts = 4

// Observer receives per-operation telemetry.
type Observer interface {
	ObserveOperation(op string, kind engerrors.Kind, elapsed time.Duration)
	ObserveEvent(eventType string)
	ObserveSinkFailure(eventType string)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(string, engerrors.Kind, time.Duration) {}
func (noopObserver) ObserveEvent(string)                                    {}
func (noopObserver) ObserveSinkFailure(string)                              {}

// Config wires the processor's collaborators. Zero values select the
// canonical program identity, the default plan catalog, no sinks and the
// default slog logger.
type Config struct {
	Deriver *escrow.Deriver
	Policy  escrow.SettlementPolicy
	Sink    events.Emitter
	Logger  *slog.Logger
	Metrics Observer
	Now     func() time.Time
}

// StateProcessor executes instructions against persistent state. Every
// instruction runs under exclusive locks on all accounts it touches, inside a
// state transaction that is committed as one batch. Events raised by the
// engine are delivered to the sink only after that commit succeeds.
type StateProcessor struct {
	state   *state.Manager
	deriver *escrow.Deriver
	policy  escrow.SettlementPolicy
	sinks   []events.Emitter
	logger  *slog.Logger
	metrics Observer
	now     func() time.Time
	locks   *accountLocks
	tracer  trace.Tracer
}

// Result describes the committed outcome of an instruction.
type Result struct {
	Escrow  *escrow.Escrow
	Balance *uint256.Int
	Events  []*types.Event
}

// NewStateProcessor creates a processor bound to the supplied state manager.
func NewStateProcessor(mgr *state.Manager, cfg Config) (*StateProcessor, error) {
	if mgr == nil {
		return nil, fmt.Errorf("core: state manager required")
	}
	sp := &StateProcessor{
		state:   mgr,
		deriver: cfg.Deriver,
		policy:  cfg.Policy,
		sinks:   flattenSinks(cfg.Sink),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		locks:   newAccountLocks(),
		tracer:  otel.Tracer("paymentengine/core"),
	}
	if sp.deriver == nil {
		sp.deriver = escrow.NewDeriver(escrow.ProgramID)
	}
	if sp.policy == nil {
		sp.policy = escrow.NewCatalogPolicy(escrow.DefaultCatalog())
	}
	if sp.logger == nil {
		sp.logger = slog.Default()
	}
	if sp.metrics == nil {
		sp.metrics = noopObserver{}
	}
	if sp.now == nil {
		sp.now = time.Now
	}
	return sp, nil
}

// Deriver exposes the deriver used to validate custody addresses.
func (sp *StateProcessor) Deriver() *escrow.Deriver { return sp.deriver }

func (sp *StateProcessor) newEngine(tx *state.Tx, emitter events.Emitter) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(tx)
	engine.SetLedger(bank.NewLedger(tx))
	engine.SetDeriver(sp.deriver)
	engine.SetPolicy(sp.policy)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return sp.now().Unix() })
	return engine
}

// Get returns the committed escrow at address after re-validating its
// derivation.
func (sp *StateProcessor) Get(address solana.PublicKey) (*escrow.Escrow, error) {
	tx := sp.state.Begin()
	defer tx.Discard()
	return sp.newEngine(tx, nil).Get(address)
}

// Balance returns the committed ledger balance of addr.
func (sp *StateProcessor) Balance(addr solana.PublicKey) (*uint256.Int, error) {
	return sp.state.Balance(addr)
}

// Apply executes ins atomically.
func (sp *StateProcessor) Apply(ctx context.Context, ins *types.Instruction) (*Result, error) {
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	op := ins.Type.String()
	start := sp.now()
	_, span := sp.tracer.Start(ctx, "escrow."+op, trace.WithAttributes(
		attribute.String("escrow.caller", ins.Caller.String()),
		attribute.String("escrow.address", ins.Escrow.String()),
	))
	defer span.End()

	result, err := sp.applyLocked(ins)
	kind := engerrors.KindOf(err)
	sp.metrics.ObserveOperation(op, kind, sp.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		level := slog.LevelInfo
		if kind.Fatal() {
			level = slog.LevelError
		}
		sp.logger.Log(ctx, level, "escrow operation rejected",
			slog.String("op", op),
			slog.String("caller", ins.Caller.String()),
			slog.String("address", ins.Escrow.String()),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return nil, err
	}
	span.SetStatus(codes.Ok, op)
	attrs := []any{slog.String("op", op), slog.String("caller", ins.Caller.String())}
	if result.Escrow != nil {
		attrs = append(attrs,
			slog.String("address", result.Escrow.Address.String()),
			slog.String("status", result.Escrow.Status.String()))
	}
	sp.logger.Info("escrow operation committed", attrs...)
	return result, nil
}

func (sp *StateProcessor) applyLocked(ins *types.Instruction) (*Result, error) {
	accounts, err := sp.accountsFor(ins)
	if err != nil {
		return nil, err
	}
	var unlock func()
	for attempt := 0; ; attempt++ {
		unlock = sp.locks.Lock(accounts)
		needed, err := sp.accountsFor(ins)
		if err != nil {
			unlock()
			return nil, err
		}
		if covers(accounts, needed) {
			break
		}
		unlock()
		if attempt+1 >= maxLockAttempts {
			return nil, fmt.Errorf("core: account set for %s kept changing", ins.Type)
		}
		accounts = append(accounts, needed...)
	}

	buf := &events.Buffer{}
	result, err := sp.commit(buf, ins)
	// Sinks run outside the account locks: a slow audit database must not
	// hold up the next operation on the same accounts.
	unlock()
	if err != nil {
		buf.Discard()
		return nil, err
	}
	for _, evt := range buf.Events() {
		result.Events = append(result.Events, evt.Event())
	}
	buf.Flush(guardedSink{sp: sp})
	return result, nil
}

func (sp *StateProcessor) commit(buf *events.Buffer, ins *types.Instruction) (*Result, error) {
	tx := sp.state.Begin()
	result, err := sp.execute(tx, buf, ins)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("core: commit %s: %w", ins.Type, err)
	}
	return result, nil
}

func (sp *StateProcessor) execute(tx *state.Tx, buf *events.Buffer, ins *types.Instruction) (*Result, error) {
	engine := sp.newEngine(tx, buf)
	var (
		esc *escrow.Escrow
		err error
	)
	switch ins.Type {
	case types.InstructionCreateEscrow:
		esc, err = engine.Create(ins.Caller, ins.Seed, ins.PlanID)
	case types.InstructionFundEscrow:
		esc, err = engine.Fund(ins.Escrow, ins.Caller, ins.Amount)
	case types.InstructionReleaseEscrow:
		esc, err = engine.Release(ins.Escrow, ins.Caller)
	case types.InstructionRefundEscrow:
		esc, err = engine.Refund(ins.Escrow, ins.Caller)
	case types.InstructionDeposit:
		balance, err := bank.NewLedger(tx).Deposit(ins.Escrow, ins.Amount)
		if err != nil {
			return nil, err
		}
		return &Result{Balance: balance}, nil
	default:
		return nil, fmt.Errorf("unknown instruction type: %d", ins.Type)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Escrow: esc, Balance: new(uint256.Int).Set(esc.CommittedBalance)}, nil
}

// accountsFor lists every identity whose balance or record ins may touch.
// Owner and plan are immutable once an escrow exists, so reading them from
// committed state before taking locks is safe; the caller re-checks the set
// under lock to catch a concurrent create.
func (sp *StateProcessor) accountsFor(ins *types.Instruction) ([]solana.PublicKey, error) {
	switch ins.Type {
	case types.InstructionCreateEscrow:
		address, _, err := sp.deriver.Derive(ins.Caller, ins.Seed, ins.PlanID)
		if err != nil {
			return []solana.PublicKey{ins.Caller}, nil
		}
		return []solana.PublicKey{ins.Caller, address}, nil
	case types.InstructionDeposit:
		return []solana.PublicKey{ins.Escrow}, nil
	}
	accounts := []solana.PublicKey{ins.Escrow, ins.Caller}
	esc, ok, err := sp.state.EscrowGet(ins.Escrow)
	if err != nil {
		return nil, err
	}
	if !ok {
		return accounts, nil
	}
	accounts = append(accounts, esc.Owner)
	if ins.Type == types.InstructionReleaseEscrow {
		if payee, err := sp.policy.Payee(esc.Clone()); err == nil {
			accounts = append(accounts, payee)
		}
	}
	return accounts, nil
}

func covers(held, needed []solana.PublicKey) bool {
	set := make(map[solana.PublicKey]struct{}, len(held))
	for _, acct := range held {
		set[acct] = struct{}{}
	}
	for _, acct := range needed {
		if acct.IsZero() {
			continue
		}
		if _, ok := set[acct]; !ok {
			return false
		}
	}
	return true
}

// flattenSinks expands nested events.Multi values so every sink is guarded
// on its own and its failures reach the processor's logger and metrics.
func flattenSinks(sink events.Emitter) []events.Emitter {
	switch s := sink.(type) {
	case nil:
		return nil
	case events.Multi:
		var out []events.Emitter
		for _, inner := range s {
			out = append(out, flattenSinks(inner)...)
		}
		return out
	default:
		return []events.Emitter{sink}
	}
}

// guardedSink delivers committed events to each configured sink. A failing
// sink is logged and counted; the others still receive the event and the
// committed outcome is unaffected.
type guardedSink struct {
	sp *StateProcessor
}

func (g guardedSink) Emit(evt events.Event) {
	g.sp.metrics.ObserveEvent(evt.EventType())
	for _, sink := range g.sp.sinks {
		g.deliver(sink, evt)
	}
}

func (g guardedSink) deliver(sink events.Emitter, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			g.sp.metrics.ObserveSinkFailure(evt.EventType())
			g.sp.logger.Warn("event sink panicked",
				slog.String("event", evt.EventType()),
				slog.String("sink", fmt.Sprintf("%T", sink)),
				slog.Any("panic", r))
		}
	}()
	sink.Emit(evt)
}
