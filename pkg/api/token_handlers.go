package api

import (
	"net/http"
	"time"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

type tokenJSON struct {
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	Decimals    int32  `json:"decimals"`
	Enabled     bool   `json:"enabled"`
	MinTransfer string `json:"min_transfer"`
}

func convertToken(t core.Token) tokenJSON {
	return tokenJSON{
		Symbol:      t.Symbol,
		Address:     t.Address.Hex(),
		Decimals:    t.Decimals,
		Enabled:     t.Enabled,
		MinTransfer: bigString(t.MinTransfer),
	}
}

type priceFeedJSON struct {
	Symbol    string    `json:"symbol"`
	Feed      string    `json:"feed"`
	Price     string    `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

func convertPriceFeed(f core.PriceFeed) priceFeedJSON {
	return priceFeedJSON{
		Symbol:    f.Symbol,
		Feed:      f.Feed.Hex(),
		Price:     bigString(f.Price),
		UpdatedAt: f.UpdatedAt,
	}
}

func (h *Handler) GetTokens(w http.ResponseWriter, r *http.Request) {
	tokens := h.registry.GetSupportedTokens()
	list := make([]tokenJSON, 0, len(tokens))
	for _, t := range tokens {
		list = append(list, convertToken(t))
	}
	h.writeJSON(w, http.StatusOK, map[string][]tokenJSON{"tokens": list})
}

func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.registry.GetTokenInfo(r.PathValue("symbol"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertToken(token))
}

type addTokenRequest struct {
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	Decimals    int32  `json:"decimals"`
	MinTransfer string `json:"min_transfer"`
}

func (h *Handler) AddToken(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req addTokenRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	address, err := core.ParseAddress(req.Address)
	if err != nil {
		h.writeError(w, core.Validationf("invalid token address: %v", err))
		return
	}
	minTransfer, err := bigAmount(req.MinTransfer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	token, err := h.registry.AddToken(principal, req.Symbol, address, req.Decimals, minTransfer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, convertToken(token))
}

type updateTokenRequest struct {
	Enabled     bool   `json:"enabled"`
	MinTransfer string `json:"min_transfer"`
}

func (h *Handler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req updateTokenRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	minTransfer, err := bigAmount(req.MinTransfer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	token, err := h.registry.UpdateToken(principal, r.PathValue("symbol"), req.Enabled, minTransfer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertToken(token))
}

type setPriceFeedRequest struct {
	Feed string `json:"feed"`
}

func (h *Handler) SetPriceFeed(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req setPriceFeedRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	feed, err := core.ParseAddress(req.Feed)
	if err != nil {
		h.writeError(w, core.Validationf("invalid feed address: %v", err))
		return
	}
	priceFeed, err := h.registry.SetPriceFeed(principal, r.PathValue("symbol"), feed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertPriceFeed(priceFeed))
}

type updatePriceRequest struct {
	Price string `json:"price"`
}

func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req updatePriceRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	price, err := bigAmount(req.Price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	priceFeed, err := h.registry.UpdatePrice(principal, r.PathValue("symbol"), price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertPriceFeed(priceFeed))
}

func (h *Handler) GetTokenPriceFeed(w http.ResponseWriter, r *http.Request) {
	priceFeed, err := h.registry.GetTokenPriceFeed(r.PathValue("symbol"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertPriceFeed(priceFeed))
}

type convertResponse struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Result string `json:"result"`
}

func (h *Handler) ConvertAmount(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	amount, err := bigAmount(query.Get("amount"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	from, to := query.Get("from"), query.Get("to")
	result, err := h.registry.ConvertAmount(from, to, amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, convertResponse{
		From:   from,
		To:     to,
		Amount: amount.String(),
		Result: result.String(),
	})
}
