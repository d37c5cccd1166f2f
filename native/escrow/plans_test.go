package escrow

import (
	"errors"
	"strings"
	"testing"

	engerrors "paymentengine/core/errors"
)

func TestDefaultCatalog(t *testing.T) {
	plans := DefaultCatalog().Plans()
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	want := []struct {
		name  string
		price uint64
	}{{"Basic", 10_000_000}, {"Standard", 20_000_000}, {"Premium", 50_000_000}}
	for i, plan := range plans {
		if plan.ID != uint64(i+1) || plan.Name != want[i].name || plan.Price.Uint64() != want[i].price {
			t.Fatalf("plan %d unexpected: %+v", i, plan)
		}
		if !plan.Payee.Equals(DefaultServiceAuthority) || !plan.Authority.Equals(DefaultServiceAuthority) {
			t.Fatalf("plan %d should pay the service authority", plan.ID)
		}
	}
}

func TestCatalogLookupIsolatesCopies(t *testing.T) {
	catalog := DefaultCatalog()
	plan, err := catalog.Plan(1)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	plan.Price.SetUint64(1)
	again, _ := catalog.Plan(1)
	if again.Price.Uint64() != 10_000_000 {
		t.Fatalf("catalog price mutated through copy")
	}
	if _, err := catalog.Plan(42); !errors.Is(err, engerrors.ErrUnknownPlan) {
		t.Fatalf("expected unknown plan, got %v", err)
	}
}

func TestNewCatalogValidation(t *testing.T) {
	cases := map[string][]Plan{
		"zero id":   {{ID: 0, Payee: testPayee}},
		"duplicate": {{ID: 1, Payee: testPayee}, {ID: 1, Payee: testPayee}},
		"no payee":  {{ID: 1}},
	}
	for name, plans := range cases {
		if _, err := NewCatalog(plans); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDecodeCatalog(t *testing.T) {
	doc := `
- id: 7
  name: "  Ｐｒｏ  "
  price: "1000"
  payee: ` + testPayee.String() + `
- id: 8
  name: Flexible
  payee: ` + testPayee.String() + `
  authority: ` + testAuthority.String() + `
  owner_refundable: true
`
	catalog, err := DecodeCatalog(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pro, err := catalog.Plan(7)
	if err != nil {
		t.Fatalf("plan 7: %v", err)
	}
	if pro.Name != "Pro" {
		t.Fatalf("name not normalised: %q", pro.Name)
	}
	if pro.Price.Uint64() != 1000 || !pro.Authority.Equals(testPayee) {
		t.Fatalf("unexpected plan 7: %+v", pro)
	}
	flexible, err := catalog.Plan(8)
	if err != nil {
		t.Fatalf("plan 8: %v", err)
	}
	if !flexible.OwnerRefundable || !flexible.Authority.Equals(testAuthority) || !flexible.Price.IsZero() {
		t.Fatalf("unexpected plan 8: %+v", flexible)
	}
}

func TestDecodeCatalogRejectsUnknownFields(t *testing.T) {
	doc := "- id: 1\n  payee: " + testPayee.String() + "\n  fee_bps: 10\n"
	if _, err := DecodeCatalog(strings.NewReader(doc)); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestCatalogPolicy(t *testing.T) {
	policy := NewCatalogPolicy(testCatalog(t))
	strict := &Escrow{Owner: testOwner, PlanID: testPlanID}
	flexible := &Escrow{Owner: testOwner, PlanID: 8}
	unknown := &Escrow{Owner: testOwner, PlanID: 99}

	if !policy.CanRelease(strict, testOwner) || !policy.CanRelease(strict, testAuthority) {
		t.Fatalf("owner and authority may release")
	}
	if policy.CanRelease(strict, testStranger) {
		t.Fatalf("stranger must not release")
	}
	if policy.CanRefund(strict, testOwner) || !policy.CanRefund(strict, testAuthority) {
		t.Fatalf("strict plan: only authority refunds")
	}
	if !policy.CanRefund(flexible, testOwner) {
		t.Fatalf("flexible plan: owner refunds")
	}
	if !policy.CanRelease(unknown, testOwner) || policy.CanRefund(unknown, testOwner) {
		t.Fatalf("unknown plan gates")
	}
	if _, err := policy.Payee(unknown); !errors.Is(err, engerrors.ErrUnknownPlan) {
		t.Fatalf("expected unknown plan, got %v", err)
	}
	payee, err := policy.Payee(strict)
	if err != nil || !payee.Equals(testPayee) {
		t.Fatalf("payee = %s, %v", payee, err)
	}
}
