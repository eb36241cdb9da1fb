package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
)

// Curve identifies the signature scheme of an access key.
type Curve string

const (
	ED25519   Curve = "ed25519"
	SECP256K1 Curve = "secp256k1"
)

func (c Curve) keySize() int {
	switch c {
	case ED25519:
		return ed25519.PublicKeySize
	case SECP256K1:
		return 64
	default:
		return 0
	}
}

// PublicKey is an access key in its canonical "<curve>:<base58>" form.
type PublicKey struct {
	curve Curve
	data  []byte
}

// NewPublicKey wraps raw key bytes for the given curve.
func NewPublicKey(curve Curve, data []byte) (PublicKey, error) {
	size := curve.keySize()
	if size == 0 {
		return PublicKey{}, fmt.Errorf("unsupported key curve %q", curve)
	}
	if len(data) != size {
		return PublicKey{}, fmt.Errorf("%s public key must be %d bytes, got %d", curve, size, len(data))
	}
	return PublicKey{curve: curve, data: append([]byte(nil), data...)}, nil
}

// ParsePublicKey decodes "<curve>:<base58>". A missing curve prefix defaults to
// ed25519.
func ParsePublicKey(s string) (PublicKey, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return PublicKey{}, fmt.Errorf("empty public key")
	}
	curve := ED25519
	encoded := trimmed
	if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
		curve = Curve(strings.ToLower(trimmed[:idx]))
		encoded = trimmed[idx+1:]
	}
	decoded := base58.Decode(encoded)
	if len(decoded) == 0 {
		return PublicKey{}, fmt.Errorf("invalid base58 public key %q", s)
	}
	return NewPublicKey(curve, decoded)
}

// MustParsePublicKey is ParsePublicKey for fixtures and constants.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (pk PublicKey) String() string {
	if pk.IsZero() {
		return ""
	}
	return string(pk.curve) + ":" + base58.Encode(pk.data)
}

// Curve returns the key's signature scheme.
func (pk PublicKey) Curve() Curve { return pk.curve }

// Bytes returns a copy of the raw key material.
func (pk PublicKey) Bytes() []byte { return append([]byte(nil), pk.data...) }

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool { return len(pk.data) == 0 }

// Equal reports whether both keys share curve and material.
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk.curve == other.curve && string(pk.data) == string(other.data)
}

// Hash returns the keccak256 digest of the canonical key encoding. Storage
// layers use it to derive fixed-size lookup keys.
func (pk PublicKey) Hash() [32]byte {
	return crypto.Keccak256Hash([]byte(pk.curve), pk.data)
}

// KeyID returns the short identifier of an access key that is passed to
// function-call receivers and emitted in events.
func KeyID(pk PublicKey) string {
	digest := pk.Hash()
	return hex.EncodeToString(digest[:8])
}

// GenerateKey creates a fresh ed25519 access key pair.
func GenerateKey() (PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, err
	}
	pk, err := NewPublicKey(ED25519, pub)
	if err != nil {
		return PublicKey{}, nil, err
	}
	return pk, priv, nil
}
