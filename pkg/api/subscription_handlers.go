package api

import (
	"net/http"
	"time"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

type subscriptionJSON struct {
	ID               string    `json:"id"`
	Payer            string    `json:"payer"`
	Payee            string    `json:"payee"`
	Token            string    `json:"token"`
	Amount           string    `json:"amount"`
	FrequencySeconds int64     `json:"frequency_seconds"`
	NextDueAt        time.Time `json:"next_due_at"`
	Active           bool      `json:"active"`
	Reference        string    `json:"reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func convertSubscription(s core.RecurringSubscription) subscriptionJSON {
	return subscriptionJSON{
		ID:               s.ID,
		Payer:            s.Payer.Hex(),
		Payee:            s.Payee.Hex(),
		Token:            s.Token,
		Amount:           bigString(s.Amount),
		FrequencySeconds: int64(s.Frequency / time.Second),
		NextDueAt:        s.NextDueAt,
		Active:           s.Active,
		Reference:        s.Reference,
		CreatedAt:        s.CreatedAt,
	}
}

type createSubscriptionRequest struct {
	ID               string    `json:"id"`
	Payee            string    `json:"payee"`
	Token            string    `json:"token"`
	Amount           string    `json:"amount"`
	FrequencySeconds int64     `json:"frequency_seconds"`
	FirstDueAt       time.Time `json:"first_due_at"`
	Reference        string    `json:"reference,omitempty"`
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req createSubscriptionRequest
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
	sub, err := h.scheduler.CreateRecurringPayment(r.Context(), principal, req.ID, payee, req.Token,
		amount, time.Duration(req.FrequencySeconds)*time.Second, req.FirstDueAt, req.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, convertSubscription(sub))
}

func (h *Handler) ExecuteSubscription(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	record, err := h.scheduler.ExecuteRecurringPayment(r.Context(), principal, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, convertPayment(record))
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.scheduler.GetRecurringPaymentDetails(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertSubscription(sub))
}

func (h *Handler) GetSubscriptionDue(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"due": h.scheduler.IsPaymentDue(r.PathValue("id"))})
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.scheduler.CancelRecurringPayment(r.Context(), principal, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

type updateSubscriptionRequest struct {
	Amount           string `json:"amount"`
	FrequencySeconds int64  `json:"frequency_seconds"`
}

func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req updateSubscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	amount, err := bigAmount(req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sub, err := h.scheduler.UpdateRecurringPayment(r.Context(), principal, r.PathValue("id"),
		amount, time.Duration(req.FrequencySeconds)*time.Second)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertSubscription(sub))
}

// GetSubscriptions lists subscriptions filtered by payer or payee.
func (h *Handler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var subs []core.RecurringSubscription
	switch {
	case query.Get("payer") != "":
		payer, err := core.ParseAddress(query.Get("payer"))
		if err != nil {
			h.writeError(w, core.Validationf("invalid payer address: %v", err))
			return
		}
		subs = h.scheduler.SubscriptionsByPayer(payer)
	case query.Get("payee") != "":
		payee, err := core.ParseAddress(query.Get("payee"))
		if err != nil {
			h.writeError(w, core.Validationf("invalid payee address: %v", err))
			return
		}
		subs = h.scheduler.SubscriptionsByPayee(payee)
	default:
		h.writeError(w, core.Validationf("either payer or payee query parameter is required"))
		return
	}
	list := make([]subscriptionJSON, 0, len(subs))
	for _, sub := range subs {
		list = append(list, convertSubscription(sub))
	}
	h.writeJSON(w, http.StatusOK, map[string][]subscriptionJSON{"subscriptions": list})
}
