package api

import (
	"crypto/ed25519"
	"encoding/hex"
	"math/big"
	"net/http"
	"time"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/processor"
)

type paymentJSON struct {
	ID        string    `json:"id"`
	Payer     string    `json:"payer"`
	Payee     string    `json:"payee"`
	Token     string    `json:"token"`
	Amount    string    `json:"amount"`
	Fee       string    `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
	Reference string    `json:"reference"`
}

func convertPayment(p core.PaymentRecord) paymentJSON {
	return paymentJSON{
		ID:        p.ID,
		Payer:     p.Payer.Hex(),
		Payee:     p.Payee.Hex(),
		Token:     p.Token,
		Amount:    bigString(p.Amount),
		Fee:       bigString(p.Fee),
		Timestamp: p.Timestamp,
		Reference: p.Reference.Hex(),
	}
}

type signatureJSON struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

func parseSignature(s *signatureJSON) (*auth.Signature, error) {
	if s == nil {
		return nil, nil
	}
	publicKey, err := hex.DecodeString(s.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return nil, core.Validationf("invalid signature public key")
	}
	raw, err := hex.DecodeString(s.Signature)
	if err != nil {
		return nil, core.Validationf("invalid signature encoding")
	}
	return &auth.Signature{PublicKey: publicKey, Bytes: raw}, nil
}

type processPaymentRequest struct {
	ID        string         `json:"id"`
	Payee     string         `json:"payee"`
	Token     string         `json:"token"`
	Amount    string         `json:"amount"`
	Reference string         `json:"reference,omitempty"`
	Signature *signatureJSON `json:"signature,omitempty"`
}

func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req processPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	payee, err := core.ParseAddress(req.Payee)
	if err != nil {
		h.writeError(w, core.Validationf("invalid payee address: %v", err))
		return
	}
	amount, err := bigAmount(req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var reference core.Hash
	if req.Reference != "" {
		if reference, err = core.ParseHash(req.Reference); err != nil {
			h.writeError(w, core.Validationf("invalid reference hash: %v", err))
			return
		}
	}
	signature, err := parseSignature(req.Signature)
	if err != nil {
		h.writeError(w, err)
		return
	}
	record, err := h.processor.ProcessPayment(r.Context(), principal, processor.PaymentRequest{
		ID:        req.ID,
		Payee:     payee,
		Token:     req.Token,
		Amount:    amount,
		Reference: reference,
		Signature: signature,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, convertPayment(record))
}

type batchPaymentRequest struct {
	IDs        []string `json:"ids"`
	Payees     []string `json:"payees"`
	Token      string   `json:"token"`
	Amounts    []string `json:"amounts"`
	References []string `json:"references"`
}

func (h *Handler) ProcessBatchPayment(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req batchPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if !h.limits.isBulkQuantityAllowed(len(req.IDs)) {
		h.writeError(w, core.Validationf("batch of %d payments exceeds the limit of %d", len(req.IDs), h.limits.BulkLimits))
		return
	}
	payees := make([]core.Address, len(req.Payees))
	for i, raw := range req.Payees {
		if payees[i], err = core.ParseAddress(raw); err != nil {
			h.writeError(w, core.Validationf("invalid payee address %q: %v", raw, err))
			return
		}
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i, raw := range req.Amounts {
		if amounts[i], err = bigAmount(raw); err != nil {
			h.writeError(w, err)
			return
		}
	}
	references := make([]core.Hash, len(req.References))
	for i, raw := range req.References {
		if raw == "" {
			continue
		}
		if references[i], err = core.ParseHash(raw); err != nil {
			h.writeError(w, core.Validationf("invalid reference hash %q: %v", raw, err))
			return
		}
	}
	records, err := h.processor.ProcessBatchPayment(r.Context(), principal, req.IDs, payees, req.Token, amounts, references)
	if err != nil {
		h.writeError(w, err)
		return
	}
	payments := make([]paymentJSON, 0, len(records))
	for _, record := range records {
		payments = append(payments, convertPayment(record))
	}
	h.writeJSON(w, http.StatusCreated, map[string][]paymentJSON{"payments": payments})
}

type verifyPaymentResponse struct {
	Processed bool         `json:"processed"`
	Payment   *paymentJSON `json:"payment,omitempty"`
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	processed, record := h.processor.VerifyPayment(r.PathValue("id"))
	resp := verifyPaymentResponse{Processed: processed}
	if processed {
		payment := convertPayment(record)
		resp.Payment = &payment
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type updateFeeRequest struct {
	FeeBps uint32 `json:"fee_bps"`
}

func (h *Handler) UpdatePlatformFee(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req updateFeeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.processor.UpdatePlatformFee(principal, req.FeeBps); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]uint32{"fee_bps": req.FeeBps})
}

type updateFeeCollectorRequest struct {
	Collector string `json:"collector"`
}

func (h *Handler) UpdateFeeCollector(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req updateFeeCollectorRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	collector, err := core.ParseAddress(req.Collector)
	if err != nil {
		h.writeError(w, core.Validationf("invalid collector address: %v", err))
		return
	}
	if err := h.processor.UpdateFeeCollector(principal, collector); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"fee_collector": collector.Hex()})
}
