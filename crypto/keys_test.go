package crypto

import (
	"errors"
	"testing"
)

func TestPublicKeyRoundTrip(t *testing.T) {
	pk, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parsed, err := ParsePublicKey(pk.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(pk) {
		t.Fatalf("parsed key %s differs from %s", parsed, pk)
	}
	if KeyID(parsed) != KeyID(pk) || len(KeyID(pk)) != 16 {
		t.Fatalf("unexpected key id %q", KeyID(pk))
	}
}

func TestParsePublicKeyDefaultsToEd25519(t *testing.T) {
	pk, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	encoded := pk.String()[len("ed25519:"):]
	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Curve() != ED25519 || !parsed.Equal(pk) {
		t.Fatalf("unexpected parsed key %s", parsed)
	}
}

func TestParsePublicKeyRejectsBadInput(t *testing.T) {
	cases := []string{"", "ed25519:", "ed25519:0OIl", "rsa:3yZe7d", "ed25519:3yZe7d"}
	for _, tc := range cases {
		if _, err := ParsePublicKey(tc); err == nil {
			t.Fatalf("expected error for %q", tc)
		}
	}
}

func TestValidateAccountID(t *testing.T) {
	valid := []string{"alice.near", "a1", "keydrop.testnet", "bob_1-x.near"}
	for _, id := range valid {
		if err := ValidateAccountID(id); err != nil {
			t.Fatalf("expected %q to be valid: %v", id, err)
		}
	}
	invalid := []string{"a", "Alice.near", ".alice", "alice.", "al..ice", "alice near", ""}
	for _, id := range invalid {
		err := ValidateAccountID(id)
		if !errors.Is(err, ErrInvalidAccountID) {
			t.Fatalf("expected %q to be rejected, got %v", id, err)
		}
	}
}

func TestIsSubAccount(t *testing.T) {
	if !IsSubAccount("near", "alice.near") {
		t.Fatalf("alice.near is a sub-account of near")
	}
	if IsSubAccount("near", "a.alice.near") {
		t.Fatalf("a.alice.near is not a direct sub-account of near")
	}
	if IsSubAccount("near", "near") || IsSubAccount("near", "xnear") {
		t.Fatalf("unexpected sub-account match")
	}
}
