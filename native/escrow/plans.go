package escrow

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	engerrors "paymentengine/core/errors"
)

// DefaultServiceAuthority receives payments for the built-in plans and may
// settle them.
var DefaultServiceAuthority = solana.MustPublicKeyFromBase58("9qSchFvHkadxQkSpY8T5sX4iTJRT9go21jFgAWiGLsue")

// Plan describes the externally negotiated terms the engine needs to settle
// an escrow: who is paid on release and who may settle on the payer's behalf.
type Plan struct {
	ID              uint64
	Name            string
	Price           *uint256.Int
	Payee           solana.PublicKey
	Authority       solana.PublicKey
	OwnerRefundable bool
}

// planFile mirrors the YAML representation of a plan entry.
type planFile struct {
	ID              uint64 `yaml:"id"`
	Name            string `yaml:"name"`
	Price           string `yaml:"price"`
	Payee           string `yaml:"payee"`
	Authority       string `yaml:"authority"`
	OwnerRefundable bool   `yaml:"owner_refundable"`
}

// Catalog is an immutable set of plans keyed by identifier.
type Catalog struct {
	plans map[uint64]Plan
}

// NewCatalog validates plans and indexes them by id.
func NewCatalog(plans []Plan) (*Catalog, error) {
	index := make(map[uint64]Plan, len(plans))
	for _, plan := range plans {
		if plan.ID == 0 {
			return nil, fmt.Errorf("plan id must be > 0")
		}
		if _, exists := index[plan.ID]; exists {
			return nil, fmt.Errorf("duplicate plan id %d", plan.ID)
		}
		if plan.Payee.IsZero() {
			return nil, fmt.Errorf("plan %d: payee required", plan.ID)
		}
		if plan.Authority.IsZero() {
			plan.Authority = plan.Payee
		}
		if plan.Price == nil {
			plan.Price = new(uint256.Int)
		}
		plan.Name = normalizePlanName(plan.Name)
		index[plan.ID] = plan
	}
	return &Catalog{plans: index}, nil
}

// DefaultCatalog returns the three subscription tiers offered out of the box.
// Prices are in base units of a six-decimal stable token.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog([]Plan{
		{ID: 1, Name: "Basic", Price: uint256.NewInt(10_000_000), Payee: DefaultServiceAuthority},
		{ID: 2, Name: "Standard", Price: uint256.NewInt(20_000_000), Payee: DefaultServiceAuthority},
		{ID: 3, Name: "Premium", Price: uint256.NewInt(50_000_000), Payee: DefaultServiceAuthority},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}

// LoadCatalog reads plans from the provided YAML file on disk.
func LoadCatalog(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plans: %w", err)
	}
	defer file.Close()
	return DecodeCatalog(file)
}

// DecodeCatalog parses a YAML list of plan entries.
func DecodeCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var entries []planFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	plans := make([]Plan, 0, len(entries))
	for _, entry := range entries {
		payee, err := solana.PublicKeyFromBase58(strings.TrimSpace(entry.Payee))
		if err != nil {
			return nil, fmt.Errorf("plan %d: payee: %w", entry.ID, err)
		}
		var authority solana.PublicKey
		if trimmed := strings.TrimSpace(entry.Authority); trimmed != "" {
			authority, err = solana.PublicKeyFromBase58(trimmed)
			if err != nil {
				return nil, fmt.Errorf("plan %d: authority: %w", entry.ID, err)
			}
		}
		price := new(uint256.Int)
		if trimmed := strings.TrimSpace(entry.Price); trimmed != "" {
			price, err = uint256.FromDecimal(trimmed)
			if err != nil {
				return nil, fmt.Errorf("plan %d: price: %w", entry.ID, err)
			}
		}
		plans = append(plans, Plan{
			ID:              entry.ID,
			Name:            entry.Name,
			Price:           price,
			Payee:           payee,
			Authority:       authority,
			OwnerRefundable: entry.OwnerRefundable,
		})
	}
	return NewCatalog(plans)
}

// Plan returns the plan registered under id.
func (c *Catalog) Plan(id uint64) (Plan, error) {
	if c == nil {
		return Plan{}, fmt.Errorf("plan %d: %w", id, engerrors.ErrUnknownPlan)
	}
	plan, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("plan %d: %w", id, engerrors.ErrUnknownPlan)
	}
	plan.Price = new(uint256.Int).Set(plan.Price)
	return plan, nil
}

// Plans lists the catalog ordered by id.
func (c *Catalog) Plans() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		plan.Price = new(uint256.Int).Set(plan.Price)
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizePlanName(name string) string {
	return norm.NFKC.String(strings.TrimSpace(name))
}
