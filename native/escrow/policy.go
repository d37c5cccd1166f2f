package escrow

import "github.com/gagliardetto/solana-go"

// SettlementPolicy is supplied by the plan collaborator. The engine treats
// its answers as boolean gates and never hard-codes who counts as an
// authorised counterparty.
type SettlementPolicy interface {
	// Payee names the identity that receives funds on release.
	Payee(esc *Escrow) (solana.PublicKey, error)
	CanRelease(esc *Escrow, caller solana.PublicKey) bool
	CanRefund(esc *Escrow, caller solana.PublicKey) bool
}

// CatalogPolicy settles escrows according to the plan catalog. The payer may
// release (confirming delivery) and the plan authority may release or
// refund. The payer may only refund on plans marked owner-refundable.
type CatalogPolicy struct {
	Catalog *Catalog
}

// NewCatalogPolicy binds the default policy to catalog.
func NewCatalogPolicy(catalog *Catalog) *CatalogPolicy {
	return &CatalogPolicy{Catalog: catalog}
}

func (p *CatalogPolicy) Payee(esc *Escrow) (solana.PublicKey, error) {
	plan, err := p.Catalog.Plan(esc.PlanID)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return plan.Payee, nil
}

func (p *CatalogPolicy) CanRelease(esc *Escrow, caller solana.PublicKey) bool {
	if caller.Equals(esc.Owner) {
		return true
	}
	plan, err := p.Catalog.Plan(esc.PlanID)
	if err != nil {
		return false
	}
	return caller.Equals(plan.Authority)
}

func (p *CatalogPolicy) CanRefund(esc *Escrow, caller solana.PublicKey) bool {
	plan, err := p.Catalog.Plan(esc.PlanID)
	if err != nil {
		return false
	}
	if caller.Equals(plan.Authority) {
		return true
	}
	return plan.OwnerRefundable && caller.Equals(esc.Owner)
}
