package api

import (
	"net/http"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

type balanceResponse struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Balance string `json:"balance"`
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := core.ParseAddress(r.PathValue("address"))
	if err != nil {
		h.writeError(w, core.Validationf("invalid account address: %v", err))
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeError(w, core.Validationf("token query parameter is required"))
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{
		Token:   token,
		Owner:   owner.Hex(),
		Balance: h.ledger.BalanceOf(token, owner).String(),
	})
}

type depositRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Deposit credits an account from an external funding rail. Admin-gated:
// only the operator bridges value into the engine.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	to, err := core.ParseAddress(req.To)
	if err != nil {
		h.writeError(w, core.Validationf("invalid deposit address: %v", err))
		return
	}
	amount, err := bigAmount(req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.deposit(principal, req.Token, to, amount); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, balanceResponse{
		Token:   req.Token,
		Owner:   to.Hex(),
		Balance: h.ledger.BalanceOf(req.Token, to).String(),
	})
}

type approveRequest struct {
	Token   string `json:"token"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// Approve grants a spender a standing allowance over the caller's
// balance. Payers use it to fund their recurring subscriptions.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	spender, err := core.ParseAddress(req.Spender)
	if err != nil {
		h.writeError(w, core.Validationf("invalid spender address: %v", err))
		return
	}
	amount, err := bigAmount(req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.ledger.Approve(req.Token, principal, spender, amount); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"token":     req.Token,
		"owner":     principal.Hex(),
		"spender":   spender.Hex(),
		"allowance": h.ledger.Allowance(req.Token, principal, spender).String(),
	})
}
