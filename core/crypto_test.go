package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSha256Deterministic(t *testing.T) {
	h1 := Sha256([]byte("a"), []byte("b"))
	h2 := Sha256([]byte("a"), []byte("b"))
	if h1 != h2 {
		t.Fatalf("Sha256 not deterministic across identical inputs")
	}
	h3 := Sha256([]byte("ab"))
	if h1 == h3 {
		t.Fatalf("Sha256(\"a\",\"b\") collided with Sha256(\"ab\")")
	}
}

func TestDeriveAddressPrefix(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	testAddr := DeriveAddress(false, pub)
	mainAddr := DeriveAddress(true, pub)
	if testAddr[:len(TestnetPrefix)] != TestnetPrefix {
		t.Fatalf("testnet address missing prefix: %s", testAddr)
	}
	if mainAddr[:len(MainnetPrefix)] != MainnetPrefix {
		t.Fatalf("mainnet address missing prefix: %s", mainAddr)
	}
	if testAddr == mainAddr {
		t.Fatalf("mainnet and testnet addresses for the same key must differ")
	}
}

func TestSignVerifyHashRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := Sha256([]byte("payload"))
	sig := SignHash(priv, h)
	if !VerifyHash(pub, h, sig) {
		t.Fatalf("VerifyHash rejected a valid signature")
	}

	tampered := Sha256([]byte("payload-2"))
	if VerifyHash(pub, tampered, sig) {
		t.Fatalf("VerifyHash accepted a signature over a different digest")
	}
}

func TestParsePublicKeyHexRejectsBadLength(t *testing.T) {
	if _, err := ParsePublicKeyHex("deadbeef"); err == nil {
		t.Fatalf("expected error decoding a too-short public key")
	}
}

func TestParseSignatureHexRejectsBadLength(t *testing.T) {
	if _, err := ParseSignatureHex("deadbeef"); err == nil {
		t.Fatalf("expected error decoding a too-short signature")
	}
}

func TestParseHashHexRoundTrip(t *testing.T) {
	h := Sha256([]byte("block-hash"))
	parsed, err := ParseHashHex(h.Hex())
	if err != nil {
		t.Fatalf("ParseHashHex: %v", err)
	}
	if parsed != h {
		t.Fatalf("ParseHashHex did not round-trip: got %x want %x", parsed, h)
	}
	if _, err := ParseHashHex("zz"); err == nil {
		t.Fatalf("expected error decoding invalid hex")
	}
}

func TestIsSentinelAddress(t *testing.T) {
	cases := map[string]bool{
		"":                      true,
		AddrSentinelStakePool:   true,
		AddrSentinelGenesis:     true,
		AddrSentinelCoinbase:    true,
		AddrSentinelFaucet:      true,
		AddrPoolPrefix + "AB":   true,
		"lvt1deadbeefdeadbeef":  false,
	}
	for addr, want := range cases {
		if got := IsSentinelAddress(addr); got != want {
			t.Errorf("IsSentinelAddress(%q) = %v, want %v", addr, got, want)
		}
	}
}
