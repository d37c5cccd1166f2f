package escrow

import (
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"paymentengine/core/types"
)

const (
	EventTypeEscrowCreated  = "escrow.created"
	EventTypeEscrowFunded   = "escrow.funded"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
)

// TransitionEvent is the audit record appended for every committed
// transition. Amount is the value moved by the transition (zero on create);
// Counterparty is the receiving identity for release and refund.
type TransitionEvent struct {
	Kind         string
	Address      solana.PublicKey
	Owner        solana.PublicKey
	Caller       solana.PublicKey
	Counterparty solana.PublicKey
	Seed         uint64
	PlanID       uint64
	Bump         uint8
	Status       EscrowStatus
	Amount       *uint256.Int
	Balance      *uint256.Int
	Timestamp    int64
}

// EventType implements events.Event.
func (e TransitionEvent) EventType() string { return e.Kind }

// Event renders the canonical attribute payload.
func (e TransitionEvent) Event() *types.Event {
	attrs := map[string]string{
		"address":   e.Address.String(),
		"owner":     e.Owner.String(),
		"seed":      strconv.FormatUint(e.Seed, 10),
		"planId":    strconv.FormatUint(e.PlanID, 10),
		"bump":      strconv.FormatUint(uint64(e.Bump), 10),
		"status":    e.Status.String(),
		"amount":    formatAmount(e.Amount),
		"balance":   formatAmount(e.Balance),
		"timestamp": strconv.FormatInt(e.Timestamp, 10),
	}
	if !e.Caller.IsZero() {
		attrs["caller"] = e.Caller.String()
	}
	if !e.Counterparty.IsZero() {
		attrs["counterparty"] = e.Counterparty.String()
	}
	return &types.Event{Type: e.Kind, Attributes: attrs}
}

func newTransitionEvent(kind string, esc *Escrow, caller, counterparty solana.PublicKey, amount *uint256.Int) TransitionEvent {
	return TransitionEvent{
		Kind:         kind,
		Address:      esc.Address,
		Owner:        esc.Owner,
		Caller:       caller,
		Counterparty: counterparty,
		Seed:         esc.Seed,
		PlanID:       esc.PlanID,
		Bump:         esc.Bump,
		Status:       esc.Status,
		Amount:       cloneAmount(amount),
		Balance:      cloneAmount(esc.CommittedBalance),
		Timestamp:    esc.UpdatedAt,
	}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
