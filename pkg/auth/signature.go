package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

const (
	paymentItemPrefix = "swish-payment-item-v1/"
	envelopePrefix    = "swish-engine"
)

// Signature is a detached ed25519 signature together with the key that
// produced it. The signer's principal address is derived from the key.
type Signature struct {
	PublicKey ed25519.PublicKey `json:"public_key"`
	Bytes     []byte            `json:"signature"`
}

// PaymentDigest builds the canonical signed message of a payment request.
// Each field is length-prefixed and the whole message is wrapped in a
// domain-separation envelope, so a signature can never be replayed in a
// different context.
func PaymentDigest(id string, payee core.Address, token string, amount *big.Int, reference core.Hash) []byte {
	m := []byte(paymentItemPrefix)
	m = appendField(m, []byte(id))
	m = appendField(m, payee[:])
	m = appendField(m, []byte(token))
	m = appendField(m, amount.Bytes())
	m = appendField(m, reference[:])

	inner := sha256.Sum256(m)
	envelope := []byte{0xff, 0xff}
	envelope = append(envelope, []byte(envelopePrefix)...)
	envelope = append(envelope, inner[:]...)

	digest := sha256.Sum256(envelope)
	return digest[:]
}

// VerifyPaymentSignature checks that the signature covers digest and that
// the recovered signer holds the payment-manager capability. It returns
// the signer's address on success.
func (a *Authorizer) VerifyPaymentSignature(sig Signature, digest []byte) (core.Address, error) {
	if len(sig.PublicKey) != ed25519.PublicKeySize {
		return core.ZeroAddress, core.Validationf("invalid public key length %d", len(sig.PublicKey))
	}
	if !ed25519.Verify(sig.PublicKey, digest, sig.Bytes) {
		return core.ZeroAddress, core.Authorizationf("signature verification failed")
	}
	signer := core.AddressOfPublicKey(sig.PublicKey)
	if err := a.RequireCapability(signer, CapabilityPaymentManager); err != nil {
		return core.ZeroAddress, err
	}
	return signer, nil
}

// SignPayment produces a signature accepted by VerifyPaymentSignature.
// The backend co-signer uses it to authorize payer-initiated payments.
func SignPayment(key ed25519.PrivateKey, id string, payee core.Address, token string, amount *big.Int, reference core.Hash) Signature {
	digest := PaymentDigest(id, payee, token, amount, reference)
	return Signature{
		PublicKey: key.Public().(ed25519.PublicKey),
		Bytes:     ed25519.Sign(key, digest),
	}
}

func appendField(m, field []byte) []byte {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(field)))
	m = append(m, size[:]...)
	return append(m, field...)
}
