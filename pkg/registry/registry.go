// Package registry tracks the fungible assets the engine accepts, their
// price feeds and the conversion between them.
package registry

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/keystore"
)

type Registry struct {
	logger     *zap.Logger
	auth       *auth.Authorizer
	dispatcher *events.Dispatcher
	tokens     *keystore.Store[core.Token]
	feeds      *keystore.Store[core.PriceFeed]

	mu      sync.RWMutex
	symbols []string
}

func New(logger *zap.Logger, authorizer *auth.Authorizer, dispatcher *events.Dispatcher) *Registry {
	return &Registry{
		logger:     logger,
		auth:       authorizer,
		dispatcher: dispatcher,
		tokens:     keystore.New[core.Token]("tokens"),
		feeds:      keystore.New[core.PriceFeed]("price_feeds"),
	}
}

// AddToken registers a new asset. Admin-gated; symbols are never reused.
func (r *Registry) AddToken(caller core.Address, symbol string, address core.Address, decimals int32, minTransfer *big.Int) (core.Token, error) {
	if err := r.auth.RequireCapability(caller, auth.CapabilityAdmin); err != nil {
		return core.Token{}, err
	}
	if symbol == "" {
		return core.Token{}, core.Validationf("empty token symbol")
	}
	if address.IsZero() {
		return core.Token{}, core.Validationf("zero token address")
	}
	if decimals < 0 || decimals > 38 {
		return core.Token{}, core.Validationf("token decimals %d out of range", decimals)
	}
	if minTransfer == nil || minTransfer.Sign() < 0 {
		return core.Token{}, core.Validationf("negative minimum transfer")
	}
	token := core.Token{
		Symbol:      symbol,
		Address:     address,
		Decimals:    decimals,
		Enabled:     true,
		MinTransfer: new(big.Int).Set(minTransfer),
	}
	if !r.tokens.Insert(symbol, token) {
		return core.Token{}, core.StateConflictf("token %q already registered", symbol)
	}
	r.mu.Lock()
	r.symbols = append(r.symbols, symbol)
	r.mu.Unlock()

	r.logger.Info("token added", zap.String("symbol", symbol), zap.Int32("decimals", decimals))
	r.dispatcher.Dispatch(events.TokenAdded, token)
	return token, nil
}

// UpdateToken flips the enabled flag and replaces the minimum transfer
// threshold of a registered token. Admin-gated.
func (r *Registry) UpdateToken(caller core.Address, symbol string, enabled bool, minTransfer *big.Int) (core.Token, error) {
	if err := r.auth.RequireCapability(caller, auth.CapabilityAdmin); err != nil {
		return core.Token{}, err
	}
	if minTransfer == nil || minTransfer.Sign() < 0 {
		return core.Token{}, core.Validationf("negative minimum transfer")
	}
	token, err := r.tokens.Update(symbol, func(t core.Token) (core.Token, error) {
		t.Enabled = enabled
		t.MinTransfer = new(big.Int).Set(minTransfer)
		return t, nil
	})
	if err != nil {
		return core.Token{}, core.Validationf("unknown token %q", symbol)
	}
	r.dispatcher.Dispatch(events.TokenUpdated, token)
	return token, nil
}

// SetPriceFeed binds a feed address to a token. Admin-gated.
func (r *Registry) SetPriceFeed(caller core.Address, symbol string, feed core.Address) (core.PriceFeed, error) {
	if err := r.auth.RequireCapability(caller, auth.CapabilityAdmin); err != nil {
		return core.PriceFeed{}, err
	}
	if _, ok := r.tokens.Get(symbol); !ok {
		return core.PriceFeed{}, core.Validationf("unknown token %q", symbol)
	}
	if feed.IsZero() {
		return core.PriceFeed{}, core.Validationf("zero feed address")
	}
	priceFeed := core.PriceFeed{
		Symbol: symbol,
		Feed:   feed,
		Price:  new(big.Int),
	}
	if !r.feeds.Insert(symbol, priceFeed) {
		updated, err := r.feeds.Update(symbol, func(f core.PriceFeed) (core.PriceFeed, error) {
			f.Feed = feed
			return f, nil
		})
		if err != nil {
			return core.PriceFeed{}, err
		}
		priceFeed = updated
	}
	r.dispatcher.Dispatch(events.PriceFeedSet, priceFeed)
	return priceFeed, nil
}

// UpdatePrice publishes a new observed price. Gated by the narrow
// price-feeder capability rather than admin.
func (r *Registry) UpdatePrice(caller core.Address, symbol string, price *big.Int) (core.PriceFeed, error) {
	if err := r.auth.RequireCapability(caller, auth.CapabilityPriceFeeder); err != nil {
		return core.PriceFeed{}, err
	}
	if _, ok := r.tokens.Get(symbol); !ok {
		return core.PriceFeed{}, core.Validationf("unknown token %q", symbol)
	}
	if price == nil || price.Sign() < 0 {
		return core.PriceFeed{}, core.Validationf("negative price")
	}
	feed, err := r.feeds.Update(symbol, func(f core.PriceFeed) (core.PriceFeed, error) {
		f.Price = new(big.Int).Set(price)
		f.UpdatedAt = time.Now().UTC()
		return f, nil
	})
	if err != nil {
		return core.PriceFeed{}, core.StateConflictf("no price feed configured for %q", symbol)
	}
	r.dispatcher.Dispatch(events.PriceUpdated, feed)
	return feed, nil
}

func (r *Registry) GetTokenInfo(symbol string) (core.Token, error) {
	token, ok := r.tokens.Get(symbol)
	if !ok {
		return core.Token{}, core.Validationf("unknown token %q", symbol)
	}
	return token, nil
}

func (r *Registry) GetTokenPriceFeed(symbol string) (core.PriceFeed, error) {
	feed, ok := r.feeds.Get(symbol)
	if !ok {
		return core.PriceFeed{}, core.Validationf("no price feed configured for %q", symbol)
	}
	return feed, nil
}

func (r *Registry) IsTokenEnabled(symbol string) bool {
	token, ok := r.tokens.Get(symbol)
	return ok && token.Enabled
}

// GetSupportedTokens returns all registered tokens sorted by symbol.
func (r *Registry) GetSupportedTokens() []core.Token {
	r.mu.RLock()
	symbols := make([]string, len(r.symbols))
	copy(symbols, r.symbols)
	r.mu.RUnlock()
	sort.Strings(symbols)

	tokens := make([]core.Token, 0, len(symbols))
	for _, symbol := range symbols {
		if token, ok := r.tokens.Get(symbol); ok {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// ConvertAmount rescales amount from one token's units into another's
// using their published USD prices. Converting a token to itself returns
// the amount unchanged without touching the price table, so a token with
// no feed still converts to itself.
func (r *Registry) ConvertAmount(fromSymbol, toSymbol string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, core.Validationf("negative amount")
	}
	from, ok := r.tokens.Get(fromSymbol)
	if !ok {
		return nil, core.Validationf("unknown token %q", fromSymbol)
	}
	if fromSymbol == toSymbol {
		return new(big.Int).Set(amount), nil
	}
	to, ok := r.tokens.Get(toSymbol)
	if !ok {
		return nil, core.Validationf("unknown token %q", toSymbol)
	}
	fromFeed, ok := r.feeds.Get(fromSymbol)
	if !ok || fromFeed.Price.Sign() == 0 {
		return nil, core.StateConflictf("price of %q is unavailable", fromSymbol)
	}
	toFeed, ok := r.feeds.Get(toSymbol)
	if !ok || toFeed.Price.Sign() == 0 {
		return nil, core.StateConflictf("price of %q is unavailable", toSymbol)
	}

	// result = amount * priceFrom * 10^decimalsTo / (10^decimalsFrom * priceTo)
	// big.Int keeps the intermediate product exact; the single division
	// at the end truncates.
	numerator := new(big.Int).Mul(amount, fromFeed.Price)
	numerator.Mul(numerator, pow10(to.Decimals))
	denominator := new(big.Int).Mul(pow10(from.Decimals), toFeed.Price)
	return numerator.Quo(numerator, denominator), nil
}

func pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
