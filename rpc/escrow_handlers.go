package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	engerrors "paymentengine/core/errors"
	"paymentengine/core/types"
	"paymentengine/crypto"
	"paymentengine/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowDeriveParams struct {
	Owner  string `json:"owner"`
	Seed   uint64 `json:"seed"`
	PlanID uint64 `json:"planId"`
}

type escrowCreateParams struct {
	Owner  string `json:"owner,omitempty"`
	Seed   uint64 `json:"seed"`
	PlanID uint64 `json:"planId"`
}

type escrowAddressParams struct {
	Address string `json:"address"`
}

type amountParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type escrowDeriveResult struct {
	Address string `json:"address"`
	Bump    uint8  `json:"bump"`
}

type escrowStatusResult struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Balance string `json:"balance"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type escrowJSON struct {
	Address   string `json:"address"`
	Owner     string `json:"owner"`
	Seed      uint64 `json:"seed"`
	PlanID    uint64 `json:"planId"`
	Bump      uint8  `json:"bump"`
	Status    string `json:"status"`
	Balance   string `json:"balance"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type planJSON struct {
	ID              uint64 `json:"id"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	Payee           string `json:"payee"`
	Authority       string `json:"authority,omitempty"`
	OwnerRefundable bool   `json:"ownerRefundable"`
}

// decodeParams unmarshals the single parameter object of req into dst.
func decodeParams(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	decoder := json.NewDecoder(strings.NewReader(string(req.Params[0])))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func (s *Server) handleEscrowDerive(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ principal) {
	var params escrowDeriveParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := crypto.ParseAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	address, bump, err := s.proc.Deriver().Derive(owner, params.Seed, params.PlanID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowDeriveResult{Address: address.String(), Bump: bump})
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal) {
	var params escrowCreateParams
	if !decodeParams(w, req, &params) {
		return
	}
	if strings.TrimSpace(params.Owner) != "" {
		owner, err := crypto.ParseAddress(params.Owner)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		if !owner.Equals(p.Subject) {
			writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, "forbidden", "owner must be the authenticated caller")
			return
		}
	}
	res, err := s.proc.Apply(r.Context(), &types.Instruction{
		Type:   types.InstructionCreateEscrow,
		Caller: p.Subject,
		Seed:   params.Seed,
		PlanID: params.PlanID,
	})
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowDeriveResult{Address: res.Escrow.Address.String(), Bump: res.Escrow.Bump})
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal) {
	var params amountParams
	if !decodeParams(w, req, &params) {
		return
	}
	address, amount, ok := parseAmountParams(w, req, params)
	if !ok {
		return
	}
	res, err := s.proc.Apply(r.Context(), &types.Instruction{
		Type:   types.InstructionFundEscrow,
		Caller: p.Subject,
		Escrow: address,
		Amount: amount,
	})
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult(res.Escrow))
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal) {
	s.handleEscrowSettlement(w, r, req, p, types.InstructionReleaseEscrow)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal) {
	s.handleEscrowSettlement(w, r, req, p, types.InstructionRefundEscrow)
}

func (s *Server) handleEscrowSettlement(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal, kind types.InstructionType) {
	var params escrowAddressParams
	if !decodeParams(w, req, &params) {
		return
	}
	address, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	res, err := s.proc.Apply(r.Context(), &types.Instruction{Type: kind, Caller: p.Subject, Escrow: address})
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, statusResult(res.Escrow))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ principal) {
	var params escrowAddressParams
	if !decodeParams(w, req, &params) {
		return
	}
	address, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.proc.Get(address)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ principal) {
	var params escrowAddressParams
	if !decodeParams(w, req, &params) {
		return
	}
	address, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.proc.Balance(address)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{Address: address.String(), Balance: balance.Dec()})
}

func (s *Server) handleLedgerDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal) {
	var params amountParams
	if !decodeParams(w, req, &params) {
		return
	}
	address, amount, ok := parseAmountParams(w, req, params)
	if !ok {
		return
	}
	res, err := s.proc.Apply(r.Context(), &types.Instruction{
		Type:   types.InstructionDeposit,
		Caller: p.Subject,
		Escrow: address,
		Amount: amount,
	})
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{Address: address.String(), Balance: res.Balance.Dec()})
}

func (s *Server) handlePlanList(w http.ResponseWriter, _ *http.Request, req *RPCRequest, _ principal) {
	plans := s.catalog.Plans()
	out := make([]planJSON, 0, len(plans))
	for _, plan := range plans {
		entry := planJSON{
			ID:              plan.ID,
			Name:            plan.Name,
			Price:           "0",
			Payee:           plan.Payee.String(),
			OwnerRefundable: plan.OwnerRefundable,
		}
		if plan.Price != nil {
			entry.Price = plan.Price.Dec()
		}
		if !plan.Authority.IsZero() {
			entry.Authority = plan.Authority.String()
		}
		out = append(out, entry)
	}
	writeResult(w, req.ID, out)
}

func parseAmountParams(w http.ResponseWriter, req *RPCRequest, params amountParams) (solana.PublicKey, *uint256.Int, bool) {
	address, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return solana.PublicKey{}, nil, false
	}
	amount, err := parsePositiveAmount(params.Amount)
	if errors.Is(err, engerrors.ErrInvalidAmount) {
		writeEscrowError(w, req.ID, err)
		return solana.PublicKey{}, nil, false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return solana.PublicKey{}, nil, false
	}
	return address, amount, true
}

// parsePositiveAmount reads a decimal amount. Well-formed values that are zero
// or beyond 256 bits wrap ErrInvalidAmount, the same failure the engine
// reports, while malformed input stays a plain parameter error.
func parsePositiveAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, err := uint256.FromDecimal(trimmed)
	if errors.Is(err, uint256.ErrBig256Range) {
		return nil, fmt.Errorf("amount %s exceeds 256 bits: %w", trimmed, engerrors.ErrInvalidAmount)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("amount must be positive: %w", engerrors.ErrInvalidAmount)
	}
	return amount, nil
}

func statusResult(esc *escrow.Escrow) escrowStatusResult {
	return escrowStatusResult{
		Address: esc.Address.String(),
		Status:  esc.Status.String(),
		Balance: esc.CommittedBalance.Dec(),
	}
}

func formatEscrowJSON(esc *escrow.Escrow) escrowJSON {
	return escrowJSON{
		Address:   esc.Address.String(),
		Owner:     esc.Owner.String(),
		Seed:      esc.Seed,
		PlanID:    esc.PlanID,
		Bump:      esc.Bump,
		Status:    esc.Status.String(),
		Balance:   esc.CommittedBalance.Dec(),
		CreatedAt: esc.CreatedAt,
		UpdatedAt: esc.UpdatedAt,
	}
}

// writeEscrowError maps engine failure kinds onto JSON-RPC errors. Integrity
// failures are reported without their detail.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	kind := engerrors.KindOf(err)
	data := map[string]string{"kind": string(kind)}
	if !kind.Fatal() {
		data["error"] = err.Error()
	}
	switch kind {
	case engerrors.KindEscrowNotFound:
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", data)
	case engerrors.KindUnauthorized:
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", data)
	case engerrors.KindInvalidStatus, engerrors.KindEscrowAlreadyExists:
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", data)
	case engerrors.KindInvalidAmount, engerrors.KindInsufficientFunds, engerrors.KindUnknownPlan:
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", data)
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal", data)
	}
}
