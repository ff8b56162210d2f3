package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/go-faster/errors"
)

// Address identifies a principal: a payer, a payee, a fee collector or a service account.
type Address [20]byte

var ZeroAddress = Address{}

func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, errors.Wrap(err, "invalid address")
	}
	if len(raw) != 20 {
		return Address{}, errors.Errorf("invalid address length: %d", len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) String() string {
	return a.Hex()
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

func (a *Address) UnmarshalText(data []byte) error {
	parsed, err := ParseAddress(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AddressOfPublicKey derives the principal address of an ed25519 key
// as the last 20 bytes of the key's sha256 digest.
func AddressOfPublicKey(pub ed25519.PublicKey) Address {
	digest := sha256.Sum256(pub)
	var a Address
	copy(a[:], digest[12:])
	return a
}

// Hash is a 32-byte content fingerprint.
type Hash [32]byte

var ZeroHash = Hash{}

func ParseHash(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, errors.Wrap(err, "invalid hash")
	}
	if len(raw) != 32 {
		return Hash{}, errors.Errorf("invalid hash length: %d", len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func HashOfBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := ParseHash(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
