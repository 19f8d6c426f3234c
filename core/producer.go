package core

// BlockProducer: slot-timer-driven block assembly and signing (spec.md
// §4.6). Grounded on core/staking_node.go's StakingNode composition
// (networking + staking held side by side inside one struct, ctx/cancel
// lifecycle, Start/Stop, a simple Status() string) generalized to a
// mempool+chain+identity composition that produces blocks on a slot timer
// instead of proxying network calls directly.

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// BroadcastFunc is how a freshly produced block reaches peers; BlockProducer
// never imports the network package directly (spec.md §4.6: "broadcast
// NEW_BLOCK to peers" is a boundary concern, not a core one).
type BroadcastFunc func(*Block)

// BlockProducer schedules block assembly by slot number (spec.md §4.6:
// "slot number = floor((now - genesisTime) / slotDurationMs)").
type BlockProducer struct {
	mu sync.RWMutex

	mainnet       bool
	chainID       string
	genesisTimeMs int64
	logger        *log.Logger

	chain   *Chain
	mempool *Mempool
	events  *EventBus
	ident   *NodeIdentity

	synced    atomic.Bool
	broadcast BroadcastFunc

	ctx         context.Context
	cancel      context.CancelFunc
	lastSlotRun uint64
}

func NewBlockProducer(mainnet bool, chainID string, genesisTimeMs int64, chain *Chain, mempool *Mempool, events *EventBus, ident *NodeIdentity, lg *log.Logger) *BlockProducer {
	return &BlockProducer{
		mainnet:       mainnet,
		chainID:       chainID,
		genesisTimeMs: genesisTimeMs,
		logger:        lg,
		chain:         chain,
		mempool:       mempool,
		events:        events,
		ident:         ident,
	}
}

// SetBroadcast wires the transport-layer callback used to announce newly
// produced blocks.
func (p *BlockProducer) SetBroadcast(fn BroadcastFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = fn
}

// SetSynced flips the node's sync status; an unsynced node never produces
// (spec.md §4.6: "if ... the node is flagged synced").
func (p *BlockProducer) SetSynced(v bool) { p.synced.Store(v) }

func (p *BlockProducer) Synced() bool { return p.synced.Load() }

// CurrentSlot returns floor((now - genesisTime) / slotDurationMs).
func (p *BlockProducer) CurrentSlot(nowMs int64) uint64 {
	return SlotAt(p.genesisTimeMs, nowMs)
}

// SlotAt returns floor((tsMs - genesisTimeMs) / slotDurationMs), 0 if tsMs
// precedes genesis (spec.md §4.6). Shared by the producer's own scheduling
// and the gossip layer's retrospective slot-gap detection on received
// blocks.
func SlotAt(genesisTimeMs, tsMs int64) uint64 {
	if tsMs < genesisTimeMs {
		return 0
	}
	return uint64(tsMs-genesisTimeMs) / SlotDurationMs
}

// Run drives the slot timer until ctx is cancelled, calling TryProduce on
// every tick (spec.md §4.6/§5: "timer-driven slot production").
func (p *BlockProducer) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.ctx, p.cancel = ctx, cancel
	p.mu.Unlock()

	ticker := time.NewTicker(time.Duration(SlotDurationMs/10) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.TryProduce(time.Now().UnixMilli())
		}
	}
}

// Stop cancels a running producer loop started by Run.
func (p *BlockProducer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// TryProduce checks eligibility for the slot containing nowMs and, if this
// node is the deterministic pick, assembles, signs, appends, and
// broadcasts a block (spec.md §4.6). It is idempotent per slot.
func (p *BlockProducer) TryProduce(nowMs int64) {
	slot := p.CurrentSlot(nowMs)

	p.mu.Lock()
	if slot == p.lastSlotRun {
		p.mu.Unlock()
		return
	}
	p.lastSlotRun = slot
	p.mu.Unlock()

	if !p.Synced() {
		return
	}

	latest := p.chain.LatestBlock()
	h, err := ParseHashHex(latest.Hash)
	if err != nil {
		return
	}

	staking := p.chain.StakingPool()
	producer, err := staking.SelectValidator(h, slot)
	if err != nil {
		return
	}
	if producer != p.ident.Address {
		return
	}

	self := staking.Validator(p.ident.Address)
	if self == nil || self.SelfStake < MinValidatorSelfStake {
		return
	}

	if err := p.produceBlock(latest, slot); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("producer: block production failed")
	}
}

func (p *BlockProducer) produceBlock(prev *Block, slot uint64) error {
	txs := p.mempool.TakeForBlock(MaxTxPerBlock - 1)

	var totalFees int64
	for _, tx := range txs {
		totalFees += tx.Fee
	}

	nextIndex := prev.Index + 1
	reward := totalFees
	if (nextIndex+1)%EpochBlocks == 0 {
		reward += ComputeInflation(p.chain.totalSupplyEstimate())
	}

	coinbase := &Transaction{
		ID:          "coinbase-" + prev.Hash[:8],
		Type:        TxTransfer,
		FromAddress: "",
		ToAddress:   p.ident.Address,
		Amount:      reward,
		Fee:         0,
		Timestamp:   time.Now().UnixMilli(),
		ChainID:     p.chainID,
	}

	all := append([]*Transaction{coinbase}, txs...)
	b := &Block{
		Index:        nextIndex,
		Timestamp:    time.Now().UnixMilli(),
		PreviousHash: prev.Hash,
		Transactions: all,
		Validator:    p.ident.Address,
	}
	if err := b.Finalize(); err != nil {
		return err
	}

	sig := SignHash(p.ident.PrivateKeyBytes(), b.SigningMessage(p.chainID))
	b.Signature = hex.EncodeToString(sig)

	if err := p.chain.AppendBlock(b); err != nil {
		// Return assembled-but-rejected tx to the pool rather than losing them.
		for _, tx := range txs {
			p.mempool.Requeue(tx)
		}
		return err
	}

	for _, tx := range txs {
		p.mempool.ReleaseNonceReservations(tx.FromAddress, tx.Nonce)
	}

	p.mu.RLock()
	bc := p.broadcast
	p.mu.RUnlock()
	if bc != nil {
		bc(b)
	}
	return nil
}
