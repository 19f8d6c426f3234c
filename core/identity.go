package core

// NodeIdentity: persisted keypair + derived address, one-time mnemonic
// display. Grounded on core/wallet.go's HDWallet (NewRandomWallet,
// WalletFromMnemonic, SLIP-10 hardened HMAC-SHA512 derivation, Wipe) —
// here collapsed to the single derivation path a node needs (account 0,
// index 0) since spec.md's NodeIdentity is a single keypair, not a
// multi-account wallet.

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

const (
	hardenedOffset uint32 = 0x80000000
	masterHMACKey         = "ed25519 seed"
	keyTypeEd25519        = "ed25519"
)

// KeyMaterial is the {type,value} envelope spec.md §6 wraps each stored key
// in — node_identity.json's wire contract is more specific than §3's plain
// description and is what this repo persists.
type KeyMaterial struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NodeIdentity is the persisted shape of node_identity.json (spec.md §6:
// `{version, address, fullAddress, nodeId, pub_key:{type,value},
// priv_key:{type,value}, rewardAddress?, createdAt, migratedFrom?}`).
type NodeIdentity struct {
	Version      int         `json:"version"`
	Address      string      `json:"address"`
	FullAddress  string      `json:"fullAddress"`
	NodeID       string      `json:"nodeId"`
	PubKey       KeyMaterial `json:"pub_key"`
	PrivKey      KeyMaterial `json:"priv_key"`
	Mnemonic     string      `json:"mnemonic,omitempty"`
	RewardAddr   string      `json:"rewardAddress,omitempty"`
	CreatedAt    int64       `json:"createdAt"`
	MigratedFrom string      `json:"migratedFrom,omitempty"`

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// PrivateKeyBytes returns the live Ed25519 private key for signing.
func (n *NodeIdentity) PrivateKeyBytes() ed25519.PrivateKey { return n.priv }

// PublicKeyBytes returns the live Ed25519 public key.
func (n *NodeIdentity) PublicKeyBytes() ed25519.PublicKey { return n.pub }

// PublicKeyHex returns the hex-encoded value stored under pub_key.value.
func (n *NodeIdentity) PublicKeyHex() string { return n.PubKey.Value }

// PrivateKeyHex returns the hex-encoded value stored under priv_key.value.
func (n *NodeIdentity) PrivateKeyHex() string { return n.PrivKey.Value }

func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte) {
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)
	I := hmacSHA512(parentChain, data)
	return I[:32], I[32:]
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// deriveKeyFromSeed applies a hardened m/account'/index' path (BIP-44-style,
// adapted for Ed25519 which only supports hardened children, matching the
// teacher's wallet.go derivePrivate/PrivateKey).
func deriveKeyFromSeed(seed []byte, account, index uint32) (ed25519.PrivateKey, ed25519.PublicKey) {
	I := hmacSHA512([]byte(masterHMACKey), seed)
	masterKey, masterChain := I[:32], I[32:]
	k1, c1 := derivePrivate(masterKey, masterChain, account|hardenedOffset)
	k2, _ := derivePrivate(k1, c1, index|hardenedOffset)
	priv := ed25519.NewKeyFromSeed(k2)
	return priv, priv.Public().(ed25519.PublicKey)
}

// NewNodeIdentity generates fresh entropy, derives a keypair via BIP-39/
// BIP-44-style derivation, and returns the identity; the one-time mnemonic
// the operator must back up is carried in its Mnemonic field (spec.md §6:
// "removed after the operator confirms backup").
func NewNodeIdentity(mainnet bool, lg *log.Logger) (*NodeIdentity, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("mnemonic: %w", err)
	}
	return identityFromMnemonic(mainnet, mnemonic, lg)
}

// RestoreNodeIdentity imports an existing BIP-39 phrase (operator-provided
// recovery flow).
func RestoreNodeIdentity(mainnet bool, mnemonic string, lg *log.Logger) (*NodeIdentity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic checksum")
	}
	id, err := identityFromMnemonic(mainnet, mnemonic, lg)
	if err != nil {
		return nil, err
	}
	id.Mnemonic = "" // restored identities don't re-display the phrase
	return id, nil
}

func identityFromMnemonic(mainnet bool, mnemonic string, lg *log.Logger) (*NodeIdentity, error) {
	seed := bip39.NewSeed(mnemonic, "")
	priv, pub := deriveKeyFromSeed(seed, 0, 0)
	addr := DeriveAddress(mainnet, pub)

	id := &NodeIdentity{
		Version:     2,
		Address:     addr,
		FullAddress: addr,
		NodeID:      uuid.NewString(),
		PubKey:      KeyMaterial{Type: keyTypeEd25519, Value: hex.EncodeToString(pub)},
		PrivKey:     KeyMaterial{Type: keyTypeEd25519, Value: hex.EncodeToString(priv)},
		Mnemonic:    mnemonic,
		CreatedAt:   time.Now().UnixMilli(),
		priv:        priv,
		pub:         pub,
	}
	if lg != nil {
		lg.WithField("address", addr).Info("identity: generated node keypair")
	}
	return id, nil
}

// HydrateFromStorage rebuilds the live key material after a NodeIdentity is
// loaded from JSON (which only carries the hex-encoded keys).
func (n *NodeIdentity) HydrateFromStorage() error {
	privBytes, err := hex.DecodeString(n.PrivKey.Value)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("identity: bad stored private key")
	}
	pubBytes, err := hex.DecodeString(n.PubKey.Value)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("identity: bad stored public key")
	}
	n.priv = ed25519.PrivateKey(privBytes)
	n.pub = ed25519.PublicKey(pubBytes)
	return nil
}

// ConfirmMnemonicBackup clears the persisted mnemonic once the operator has
// confirmed they backed it up (spec.md §6).
func (n *NodeIdentity) ConfirmMnemonicBackup() { n.Mnemonic = "" }

// Wipe zeroes sensitive byte slices in place (best-effort).
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
