package core

import (
	"math/big"
	"time"
)

// PriceDecimals is the fixed-point scale of every published price.
// A price of 1.00 USD is represented as 10^8.
const PriceDecimals = 8

// Token is a fungible asset accepted by the settlement engine.
// Tokens are registered once and never deleted; only Enabled and
// MinTransfer are mutable afterwards.
type Token struct {
	Symbol      string   `json:"symbol"`
	Address     Address  `json:"address"`
	Decimals    int32    `json:"decimals"`
	Enabled     bool     `json:"enabled"`
	MinTransfer *big.Int `json:"min_transfer"`
}

// PriceFeed carries the latest observed USD price of a token.
// A price of zero means the price is unavailable.
type PriceFeed struct {
	Symbol    string    `json:"symbol"`
	Feed      Address   `json:"feed"`
	Price     *big.Int  `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}
