package core

// Block: ordered transaction list, header, validator signature (spec.md §3).
// Hashing follows the teacher's "hash over concatenated canonical byte
// fields" idiom seen throughout core/security.go, narrowed to a single
// SHA-256 pass per spec.md's exact formula.

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Block struct {
	Index        uint64         `json:"index"`
	Timestamp    int64          `json:"timestamp"`
	PreviousHash string         `json:"previousHash"`
	Transactions []*Transaction `json:"transactions"`
	Validator    string         `json:"validator"`
	Signature    string         `json:"signature"`
	Hash         string         `json:"hash"`
}

// CalculateHash recomputes the block hash: sha256 over index || timestamp ||
// concat(canonical-json(tx)) || previousHash (spec.md §3).
func (b *Block) CalculateHash() (Hash, error) {
	parts := [][]byte{
		[]byte(strconv.FormatUint(b.Index, 10)),
		[]byte(strconv.FormatInt(b.Timestamp, 10)),
	}
	for _, tx := range b.Transactions {
		raw, err := json.Marshal(tx)
		if err != nil {
			return Hash{}, fmt.Errorf("block: encode tx: %w", err)
		}
		parts = append(parts, raw)
	}
	parts = append(parts, []byte(b.PreviousHash))
	return Sha256(parts...), nil
}

// SigningMessage is the payload the validator signs: chainId || index ||
// hash (spec.md §3).
func (b *Block) SigningMessage(chainID string) Hash {
	return Sha256([]byte(chainID), []byte(strconv.FormatUint(b.Index, 10)), []byte(b.Hash))
}

// Finalize recomputes and stamps the block's own hash field. Callers must
// call this after assembling transactions and before signing.
func (b *Block) Finalize() error {
	h, err := b.CalculateHash()
	if err != nil {
		return err
	}
	b.Hash = h.Hex()
	return nil
}

// VerifyHashIntegrity recomputes the hash and compares it against the
// stored value — a required property test per spec.md §8.
func (b *Block) VerifyHashIntegrity() error {
	h, err := b.CalculateHash()
	if err != nil {
		return err
	}
	if h.Hex() != b.Hash {
		return fmt.Errorf("%w: block %d", ErrInvariantHashMismatch, b.Index)
	}
	return nil
}

// NewGenesisBlock builds the deterministic genesis block (spec.md §6):
// block 0 carries a TRANSFER mint to the faucet and, if the faucet has a
// public key, a bootstrap STAKE to STAKE_POOL with a sentinel all-zero
// signature. The timestamp is a fixed protocol constant, not time.Now(),
// so every node derives an identical genesis hash.
func NewGenesisBlock(g GenesisParams) *Block {
	mint := &Transaction{
		ID:          "genesis-mint",
		Type:        TxTransfer,
		FromAddress: "",
		ToAddress:   g.FaucetAddress,
		Amount:      GenesisAmount,
		Fee:         0,
		Timestamp:   g.Timestamp,
		ChainID:     g.ChainID,
	}
	txs := []*Transaction{mint}
	if g.FaucetPublicKey != "" {
		stake := &Transaction{
			ID:          "genesis-stake",
			Type:        TxStake,
			FromAddress: g.FaucetAddress,
			ToAddress:   AddrSentinelStakePool,
			Amount:      MinValidatorSelfStake,
			Fee:         0,
			Timestamp:   g.Timestamp,
			ChainID:     g.ChainID,
			PublicKey:   g.FaucetPublicKey,
			Signature:   zeroSignatureHex,
		}
		txs = append(txs, stake)
	}
	b := &Block{
		Index:        0,
		Timestamp:    g.Timestamp,
		PreviousHash: "",
		Transactions: txs,
		Validator:    g.FaucetAddress,
		Signature:    zeroSignatureHex,
	}
	_ = b.Finalize()
	return b
}

const zeroSignatureHex = "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// GenesisParams is the fixed {faucetAddress, faucetPublicKey, timestamp}
// tuple (spec.md §6).
type GenesisParams struct {
	ChainID         string
	FaucetAddress   string
	FaucetPublicKey string
	Timestamp       int64
}
