package errors

import stderrors "errors"

var (
	ErrDerivationExhausted  = stderrors.New("escrow: no valid authority bump in search range")
	ErrInvalidEscrowAddress = stderrors.New("escrow: address does not match derivation")
	ErrEscrowAlreadyExists  = stderrors.New("escrow: address already initialised")
	ErrEscrowNotFound       = stderrors.New("escrow: escrow not found")
	ErrInvalidStatus        = stderrors.New("escrow: invalid status for transition")
	ErrUnauthorized         = stderrors.New("escrow: caller not authorised")
	ErrInvalidAmount        = stderrors.New("escrow: invalid amount")
	ErrInsufficientFunds    = stderrors.New("ledger: insufficient funds")
	ErrUnknownPlan          = stderrors.New("escrow: plan not known to catalog")
	ErrBalanceMismatch      = stderrors.New("escrow: committed balance does not match custody")
)

// Kind discriminates engine failures so callers never have to match on
// message text.
type Kind string

const (
	KindNone                 Kind = ""
	KindDerivationExhausted  Kind = "DerivationExhausted"
	KindInvalidEscrowAddress Kind = "InvalidEscrowAddress"
	KindEscrowAlreadyExists  Kind = "EscrowAlreadyExists"
	KindEscrowNotFound       Kind = "EscrowNotFound"
	KindInvalidStatus        Kind = "InvalidStatus"
	KindUnauthorized         Kind = "Unauthorized"
	KindInvalidAmount        Kind = "InvalidAmount"
	KindInsufficientFunds    Kind = "InsufficientFunds"
	KindUnknownPlan          Kind = "UnknownPlan"
	KindBalanceMismatch      Kind = "BalanceMismatch"
	KindInternal             Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrDerivationExhausted, KindDerivationExhausted},
	{ErrInvalidEscrowAddress, KindInvalidEscrowAddress},
	{ErrEscrowAlreadyExists, KindEscrowAlreadyExists},
	{ErrEscrowNotFound, KindEscrowNotFound},
	{ErrInvalidStatus, KindInvalidStatus},
	{ErrUnauthorized, KindUnauthorized},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrUnknownPlan, KindUnknownPlan},
	{ErrBalanceMismatch, KindBalanceMismatch},
}

// KindOf returns the discriminated kind of err. Errors outside the taxonomy
// (storage faults, encoding failures) report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kinds {
		if stderrors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// Fatal reports whether the failure signals tampering or corruption rather
// than a caller mistake that can be retried with different input.
func (k Kind) Fatal() bool {
	switch k {
	case KindDerivationExhausted, KindInvalidEscrowAddress, KindBalanceMismatch, KindInternal:
		return true
	default:
		return false
	}
}
