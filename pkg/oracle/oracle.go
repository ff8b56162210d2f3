// Package oracle feeds token prices into the registry. It polls a set of
// quote sources concurrently, aggregates the answers into a median and
// publishes the result under the engine's price-feeder principal. A source
// outage falls back to the last good quote so a flaky upstream never zeroes
// a price.
package oracle

import (
	"context"
	"math/big"
	"sort"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/cache"
	"github.com/Ernesto-tha-great/swish/pkg/core"
)

const (
	fetchAttempts   = 3
	fetchRetryDelay = 500 * time.Millisecond
	lastGoodSize    = 1024
	lastGoodTTL     = time.Hour
)

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oracle_source_errors_total",
	Help: "Number of failed quote fetches per source",
}, []string{"source"})

// Source delivers USD quotes for a set of token symbols. A source may
// answer for a subset of the requested symbols.
type Source interface {
	Name() string
	GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// registrySink is the slice of the token registry the feeder writes to.
type registrySink interface {
	GetSupportedTokens() []core.Token
	UpdatePrice(caller core.Address, symbol string, price *big.Int) (core.PriceFeed, error)
}

type Feeder struct {
	logger   *zap.Logger
	sink     registrySink
	account  core.Address
	interval time.Duration
	sources  []Source
	lastGood cache.Cache[string, decimal.Decimal]
}

func New(logger *zap.Logger, sink registrySink, account core.Address, interval time.Duration, sources ...Source) *Feeder {
	return &Feeder{
		logger:   logger,
		sink:     sink,
		account:  account,
		interval: interval,
		sources:  sources,
		lastGood: cache.NewLRUCache[string, decimal.Decimal](lastGoodSize, "oracle_last_good"),
	}
}

// Run refreshes prices immediately and then on every tick until the
// context is cancelled.
func (f *Feeder) Run(ctx context.Context) {
	if err := f.Refresh(ctx); err != nil {
		f.logger.Warn("price refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Warn("price refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh performs one full fetch-aggregate-publish cycle.
func (f *Feeder) Refresh(ctx context.Context) error {
	tokens := f.sink.GetSupportedTokens()
	symbols := make([]string, 0, len(tokens))
	for _, token := range tokens {
		symbols = append(symbols, token.Symbol)
	}
	if len(symbols) == 0 {
		return nil
	}

	quotes := f.fetchAll(ctx, symbols)

	var errs error
	for _, symbol := range symbols {
		quote, ok := f.aggregate(symbol, quotes[symbol])
		if !ok {
			f.logger.Warn("no quote for token", zap.String("symbol", symbol))
			continue
		}
		price := quote.Shift(core.PriceDecimals).Round(0).BigInt()
		if _, err := f.sink.UpdatePrice(f.account, symbol, price); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		f.lastGood.Set(symbol, quote, cache.WithExpiration(lastGoodTTL))
	}
	return errs
}

// fetchAll queries every source in parallel and groups the answers per
// symbol. A failing source is skipped after its retries are exhausted.
func (f *Feeder) fetchAll(ctx context.Context, symbols []string) map[string][]decimal.Decimal {
	p := pool.NewWithResults[map[string]decimal.Decimal]().WithContext(ctx).WithCollectErrored()
	for _, source := range f.sources {
		source := source
		p.Go(func(ctx context.Context) (map[string]decimal.Decimal, error) {
			var quotes map[string]decimal.Decimal
			err := retry.Do(func() error {
				var fetchErr error
				quotes, fetchErr = source.GetQuotes(ctx, symbols)
				return fetchErr
			}, retry.Attempts(fetchAttempts), retry.Delay(fetchRetryDelay), retry.LastErrorOnly(true))
			if err != nil {
				errorsCounter.WithLabelValues(source.Name()).Inc()
				f.logger.Warn("quote source failed",
					zap.String("source", source.Name()),
					zap.Error(err))
				return nil, err
			}
			return quotes, nil
		})
	}
	results, _ := p.Wait()

	grouped := make(map[string][]decimal.Decimal, len(symbols))
	for _, quotes := range results {
		for symbol, quote := range quotes {
			if quote.Sign() <= 0 {
				continue
			}
			grouped[symbol] = append(grouped[symbol], quote)
		}
	}
	return grouped
}

// aggregate reduces one symbol's quotes to a median, falling back to the
// last good quote when every source came back empty.
func (f *Feeder) aggregate(symbol string, quotes []decimal.Decimal) (decimal.Decimal, bool) {
	if len(quotes) == 0 {
		return f.lastGood.Get(symbol)
	}
	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].LessThan(quotes[j])
	})
	mid := len(quotes) / 2
	if len(quotes)%2 == 1 {
		return quotes[mid], true
	}
	return quotes[mid-1].Add(quotes[mid]).Div(decimal.NewFromInt(2)), true
}
