package core

// Transaction: canonical encoding, hash, signature validation, type
// discriminant (spec.md §3, §4.1). Grounded on core/wallet.go's SignTx
// (derive key, stamp sender, compute canonical hash, ed25519.Sign, pack
// signature) and core/security.go's Verify dispatch shape.

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TxType enumerates the fixed transaction kinds (spec.md §3). There is no
// general smart-contract VM — only these fixed types (spec.md §1 Non-goals).
type TxType string

const (
	TxTransfer    TxType = "TRANSFER"
	TxStake       TxType = "STAKE"
	TxUnstake     TxType = "UNSTAKE"
	TxDelegate    TxType = "DELEGATE"
	TxUndelegate  TxType = "UNDELEGATE"
	TxClaim       TxType = "CLAIM"
	TxCommission  TxType = "COMMISSION"
)

// Transaction is the wire/data-model shape from spec.md §3.
type Transaction struct {
	ID              string `json:"id"`
	Type            TxType `json:"type"`
	FromAddress     string `json:"fromAddress"`
	ToAddress       string `json:"toAddress"`
	Amount          int64  `json:"amount"`
	Fee             int64  `json:"fee"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           uint64 `json:"nonce"`
	ChainID         string `json:"chainId"`
	SignatureScheme string `json:"signatureScheme"`
	PublicKey       string `json:"publicKey"`
	Signature       string `json:"signature"`
	Data            string `json:"data,omitempty"`
}

// NewTransaction constructs an unsigned user transaction with a fresh
// informational UUID (spec.md §3: "id (UUID, informational)").
func NewTransaction(typ TxType, from, to string, amount, fee int64, nonce uint64, chainID string) *Transaction {
	return &Transaction{
		ID:              uuid.NewString(),
		Type:            typ,
		FromAddress:     from,
		ToAddress:       to,
		Amount:          amount,
		Fee:             fee,
		Nonce:           nonce,
		ChainID:         chainID,
		SignatureScheme: "ed25519",
	}
}

// CanonicalHash is the deterministic digest used for signing. It excludes
// timestamp, signature, and id (spec.md §3 invariant (b), §4.1).
func (tx *Transaction) CanonicalHash() Hash {
	return Sha256(
		[]byte(tx.ChainID),
		[]byte(tx.Type),
		[]byte(tx.FromAddress),
		[]byte(tx.ToAddress),
		[]byte(strconv.FormatInt(tx.Amount, 10)),
		[]byte(strconv.FormatInt(tx.Fee, 10)),
		[]byte(strconv.FormatUint(tx.Nonce, 10)),
	)
}

// Sign derives the canonical hash and signs it, asserting the derived
// address matches FromAddress (spec.md §4.1).
func (tx *Transaction) Sign(mainnet bool, priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("transaction: invalid private key")
	}
	addr := DeriveAddress(mainnet, pub)
	if tx.FromAddress != "" && tx.FromAddress != addr {
		return fmt.Errorf("transaction: signer address mismatch")
	}
	tx.FromAddress = addr
	tx.SignatureScheme = "ed25519"
	tx.PublicKey = hex.EncodeToString(pub)
	tx.Timestamp = time.Now().UnixMilli()

	h := tx.CanonicalHash()
	tx.Signature = hex.EncodeToString(SignHash(priv, h))
	return nil
}

// IsSystemTx reports whether tx is a coinbase/mint transaction that skips
// signature checks (spec.md §4.1: "Coinbase/system tx ... skip signature
// checks").
func (tx *Transaction) IsSystemTx() bool {
	return tx.FromAddress == "" || IsSentinelAddress(tx.FromAddress)
}

// Verify validates a transaction per spec.md §4.1: required fields, scheme,
// key/signature lengths, address-derivation match, and the Ed25519
// signature itself. System transactions skip the signature checks.
func (tx *Transaction) Verify(mainnet bool) error {
	if tx.ToAddress == "" {
		return fmt.Errorf("%w: toAddress", ErrMissingField)
	}
	if tx.IsSystemTx() {
		return tx.verifyTypeRules()
	}
	if tx.ChainID == "" {
		return fmt.Errorf("%w: chainId", ErrMissingField)
	}
	if tx.SignatureScheme != "ed25519" {
		return fmt.Errorf("%w: signatureScheme", ErrInvalidSignature)
	}
	pub, err := ParsePublicKeyHex(tx.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: publicKey %v", ErrInvalidSignature, err)
	}
	sig, err := ParseSignatureHex(tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature %v", ErrInvalidSignature, err)
	}
	if DeriveAddress(mainnet, pub) != tx.FromAddress {
		return fmt.Errorf("%w: address/publicKey mismatch", ErrInvalidSignature)
	}
	h := tx.CanonicalHash()
	if !VerifyHash(pub, h, sig) {
		return fmt.Errorf("%w: ed25519 verify failed", ErrInvalidSignature)
	}
	return tx.verifyTypeRules()
}

// verifyTypeRules enforces the per-type minimums and targets from
// spec.md §3 invariant (c) / §4.1.
func (tx *Transaction) verifyTypeRules() error {
	switch tx.Type {
	case TxStake:
		if tx.ToAddress != AddrSentinelStakePool {
			return fmt.Errorf("%w: STAKE must target STAKE_POOL", ErrInvalidAmount)
		}
		if tx.Amount < MinValidatorSelfStake {
			return fmt.Errorf("%w: STAKE below minValidatorSelfStake", ErrStakeTooLow)
		}
	case TxDelegate:
		if tx.Data == "" {
			return fmt.Errorf("%w: DELEGATE requires validator in data", ErrMissingField)
		}
		if tx.Amount < MinDelegation {
			return fmt.Errorf("%w: DELEGATE below minDelegation", ErrStakeTooLow)
		}
	case TxUndelegate:
		if tx.Data == "" {
			return fmt.Errorf("%w: UNDELEGATE requires validator in data", ErrMissingField)
		}
	}
	return nil
}
