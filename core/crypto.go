package core

// Crypto primitives: SHA-256 canonical hashing, Ed25519 sign/verify, and
// address derivation. Grounded on the teacher's core/wallet.go (pubKeyToAddress)
// and core/security.go (Sign/Verify dispatch) — narrowed to Ed25519-only per
// spec.md §4.1 (no BLS, no Dilithium: this chain has one signature scheme).

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Hash is a 32-byte SHA-256 digest, hex-encoded at the wire boundary.
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) Short() string {
	s := h.Hex()
	if len(s) <= 8 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

func Sha256(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Address derivation: prefix || first-40-hex-of-sha256(pubkey-hex) (spec.md §3).
// The hash input is the *hex string* of the public key, not the raw bytes —
// this is a deliberate spec requirement distinguishing it from the teacher's
// raw-byte RIPEMD-160 scheme in wallet.go.
func DeriveAddress(mainnet bool, pub ed25519.PublicKey) string {
	prefix := TestnetPrefix
	if mainnet {
		prefix = MainnetPrefix
	}
	pubHex := hex.EncodeToString(pub)
	sum := sha256.Sum256([]byte(pubHex))
	return prefix + hex.EncodeToString(sum[:])[:40]
}

// IsSentinelAddress reports whether addr is one of the reserved system
// addresses that skip signature checks (coinbase/mint sources, pool
// accounts) per spec.md §3/§4.1.
func IsSentinelAddress(addr string) bool {
	switch addr {
	case AddrSentinelStakePool, AddrSentinelGenesis, AddrSentinelCoinbase, AddrSentinelFaucet, "":
		return true
	}
	return len(addr) > len(AddrPoolPrefix) && addr[:len(AddrPoolPrefix)] == AddrPoolPrefix
}

// SignHash signs a 32-byte digest with an Ed25519 private key.
func SignHash(priv ed25519.PrivateKey, h Hash) []byte {
	return ed25519.Sign(priv, h[:])
}

// VerifyHash verifies an Ed25519 signature over a 32-byte digest.
func VerifyHash(pub ed25519.PublicKey, h Hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, h[:], sig)
}

var errBadKeyLength = errors.New("crypto: bad key length")

// ParsePublicKeyHex decodes a hex-encoded 32-byte Ed25519 public key.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, errBadKeyLength
	}
	return ed25519.PublicKey(b), nil
}

// ParseSignatureHex decodes a hex-encoded 64-byte Ed25519 signature.
func ParseSignatureHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.SignatureSize {
		return nil, errBadKeyLength
	}
	return b, nil
}

// ParseHashHex decodes a hex-encoded 32-byte digest, as stored in a block's
// previousHash/hash fields.
func ParseHashHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, errBadKeyLength
	}
	copy(h[:], b)
	return h, nil
}
