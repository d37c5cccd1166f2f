package escrow

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestTransitionEventAttributes(t *testing.T) {
	esc := &Escrow{
		Address:          testPayee,
		Owner:            testOwner,
		Seed:             42,
		PlanID:           7,
		Bump:             254,
		Status:           EscrowFunded,
		CommittedBalance: uint256.NewInt(1000),
		UpdatedAt:        1_700_000_000,
	}
	amount := uint256.NewInt(1000)
	evt := newTransitionEvent(EventTypeEscrowFunded, esc, testOwner, testStranger, amount)
	amount.SetUint64(1)
	esc.CommittedBalance.SetUint64(2)

	if evt.EventType() != EventTypeEscrowFunded {
		t.Fatalf("type = %s", evt.EventType())
	}
	attrs := evt.Event().Attributes
	want := map[string]string{
		"address":      testPayee.String(),
		"owner":        testOwner.String(),
		"caller":       testOwner.String(),
		"counterparty": testStranger.String(),
		"seed":         "42",
		"planId":       "7",
		"bump":         "254",
		"status":       "funded",
		"amount":       "1000",
		"balance":      "1000",
		"timestamp":    "1700000000",
	}
	for key, value := range want {
		if attrs[key] != value {
			t.Fatalf("attribute %s = %q, want %q", key, attrs[key], value)
		}
	}
}

func TestTransitionEventOmitsEmptyParties(t *testing.T) {
	esc := &Escrow{Address: testPayee, Owner: testOwner, Status: EscrowCreated}
	attrs := newTransitionEvent(EventTypeEscrowCreated, esc, testOwner, testKey(0), nil).Event().Attributes
	if _, ok := attrs["counterparty"]; ok {
		t.Fatalf("counterparty should be omitted")
	}
	if attrs["amount"] != "0" || attrs["balance"] != "0" {
		t.Fatalf("nil amounts should render as zero: %v", attrs)
	}
}
