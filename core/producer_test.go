package core

import (
	"encoding/hex"
	"testing"
)

// newProducerFixture builds a chain with a single registered-and-promoted
// validator matching the producer's own identity, so SelectValidator always
// picks it regardless of slot.
func newProducerFixture(t *testing.T) (*Chain, *BlockProducer, *NodeIdentity) {
	t.Helper()
	ident, err := NewNodeIdentity(false, nil)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	genesis := NewGenesisBlock(GenesisParams{
		ChainID:         ChainIDTestnet,
		FaucetAddress:   ident.Address,
		FaucetPublicKey: hex.EncodeToString(ident.PublicKeyBytes()),
		Timestamp:       1700000000000,
	})
	staking := NewStakingPool(false, nil, nil)
	pools := NewPoolStateManager()
	c, err := NewChain(false, ChainIDTestnet, genesis, staking, pools, nil, nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	// Promote the bootstrap stake to selfStake immediately so SelectValidator
	// has an eligible validator without needing a real epoch boundary block.
	b := &Block{Index: EpochBlocks - 1}
	if err := staking.ApplyBlockStakingChanges(b); err != nil {
		t.Fatalf("advance epoch: %v", err)
	}

	mempool := NewMempool(false, ChainIDTestnet, nil, nil)
	p := NewBlockProducer(false, ChainIDTestnet, genesis.Timestamp, c, mempool, nil, ident, nil)
	return c, p, ident
}

func TestCurrentSlotArithmetic(t *testing.T) {
	p := &BlockProducer{genesisTimeMs: 1000}
	if got := p.CurrentSlot(1000 + 5*SlotDurationMs + 1); got != 5 {
		t.Fatalf("expected slot 5, got %d", got)
	}
}

func TestCurrentSlotClampsBeforeGenesis(t *testing.T) {
	p := &BlockProducer{genesisTimeMs: 10_000}
	if got := p.CurrentSlot(1); got != 0 {
		t.Fatalf("expected slot 0 before genesis time, got %d", got)
	}
}

func TestTryProduceRequiresSynced(t *testing.T) {
	c, p, ident := newProducerFixture(t)
	now := p.genesisTimeMs + int64(SlotDurationMs)
	p.TryProduce(now)
	if c.Height() != 0 {
		t.Fatalf("expected no block produced while unsynced")
	}
	_ = ident
}

func TestTryProduceAppendsAndBroadcastsWhenSelected(t *testing.T) {
	c, p, _ := newProducerFixture(t)
	p.SetSynced(true)

	var broadcast *Block
	p.SetBroadcast(func(b *Block) { broadcast = b })

	now := p.genesisTimeMs + int64(SlotDurationMs)
	p.TryProduce(now)

	if c.Height() != 1 {
		t.Fatalf("expected the sole eligible validator to produce a block, height=%d", c.Height())
	}
	if broadcast == nil || broadcast.Index != 1 {
		t.Fatalf("expected the broadcast callback to fire with the new block")
	}
}

func TestTryProduceIsIdempotentPerSlot(t *testing.T) {
	c, p, _ := newProducerFixture(t)
	p.SetSynced(true)

	slotMs := p.genesisTimeMs + int64(SlotDurationMs)
	p.TryProduce(slotMs)
	p.TryProduce(slotMs + 1) // still within the same slot window
	if c.Height() != 1 {
		t.Fatalf("expected exactly one block for a single slot, height=%d", c.Height())
	}
}

func TestProduceBlockRequeuesTransactionsOnAppendFailure(t *testing.T) {
	c, p, ident := newProducerFixture(t)
	p.SetSynced(true)

	// Advance the real chain past genesis first, with the mempool empty,
	// then hand produceBlock a stale "prev" (the old tip) so the block it
	// assembles references a previousHash the chain no longer has at its
	// head, forcing AppendBlock to reject it.
	staleTip := c.LatestBlock()
	p.TryProduce(p.genesisTimeMs + int64(SlotDurationMs))
	if c.Height() != 1 {
		t.Fatalf("expected setup block at height 1, got %d", c.Height())
	}

	priv, pub := newKey(t)
	addr := DeriveAddress(false, pub)
	tx := NewTransaction(TxTransfer, addr, "tLVEto", 1, MinFee, 1, ChainIDTestnet)
	if err := tx.Sign(false, priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.mempool.Admit(tx, &fakeBalanceView{balances: map[string]int64{addr: 1000 * Precision}, nonces: map[string]uint64{}, validators: map[string]bool{}})

	if err := p.produceBlock(staleTip, 99); err == nil {
		t.Fatalf("expected produceBlock to surface the append failure")
	}
	if p.mempool.Size() != 1 {
		t.Fatalf("expected the failed block's transactions to be requeued, size=%d", p.mempool.Size())
	}
	_ = ident
}
