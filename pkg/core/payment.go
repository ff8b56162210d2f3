package core

import (
	"crypto/sha256"
	"math/big"
	"time"
)

// paymentFingerprintPrefix domain-separates payment fingerprints from
// any other sha256 derivation in the engine.
const paymentFingerprintPrefix = "swish-payment-fingerprint-v1/"

// PaymentRecord is the immutable result of a settled payment.
// Payer is whoever invoked the settlement call and was debited,
// not necessarily a party named in upstream records.
type PaymentRecord struct {
	ID        string    `json:"id"`
	Payer     Address   `json:"payer"`
	Payee     Address   `json:"payee"`
	Token     string    `json:"token"`
	Amount    *big.Int  `json:"amount"`
	Fee       *big.Int  `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
	Reference Hash      `json:"reference"`
}

// PaymentFingerprint derives the duplicate-use fingerprint of a payment.
// It binds the identifier to the payee, token and amount so that reusing
// an identifier with different parameters is rejected the same way as an
// identical replay.
func PaymentFingerprint(id string, payee Address, token string, amount *big.Int) Hash {
	h := sha256.New()
	h.Write([]byte(paymentFingerprintPrefix))
	h.Write([]byte(id))
	h.Write(payee[:])
	h.Write([]byte(token))
	h.Write(amount.Bytes())
	var fp Hash
	copy(fp[:], h.Sum(nil))
	return fp
}
