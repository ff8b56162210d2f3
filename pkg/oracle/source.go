package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// HTTPSource fetches quotes from a JSON endpoint answering
// {"USDC": "1.00", "ETH": "3000.25"} for a ?symbols=USDC,ETH query.
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPSource(name, baseURL string) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) Name() string {
	return s.name
}

func (s *HTTPSource) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	endpoint, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid source url")
	}
	query := endpoint.Query()
	query.Set("symbols", strings.Join(symbols, ","))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("source %s answered %v", s.name, resp.StatusCode)
	}

	var raw map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "invalid quotes payload")
	}
	quotes := make(map[string]decimal.Decimal, len(raw))
	for symbol, value := range raw {
		quote, err := decimal.NewFromString(value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid quote for %s", symbol)
		}
		quotes[symbol] = quote
	}
	return quotes, nil
}
