package core

// Chain: append-only block sequence, balance derivation, finality depth,
// reorg policy (spec.md §4.5). Grounded on core/dao_staking.go and
// core/stake_penalty.go's single-writer-mutex discipline ("chain mutation
// is serialized by a single writer" — spec.md §5), generalized from their
// flat balance maps into full block-replay balance derivation with a
// memoized cache, per spec.md §4.5's "balanceOf is memoized per address,
// invalidated on any append or replace".

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Chain owns the canonical block sequence and the components whose state
// derives from it (StakingPool, PoolStateManager).
type Chain struct {
	mu sync.RWMutex

	mainnet bool
	chainID string
	logger  *log.Logger
	events  *EventBus

	blocks             []*Block
	lastFinalizedIndex int64 // -1 means nothing finalized yet

	staking *StakingPool
	pools   *PoolStateManager

	balanceCache map[string]int64
	nonceCache   map[string]uint64
}

// NewChain seeds a fresh Chain with its genesis block (spec.md §4.5/§6).
func NewChain(mainnet bool, chainID string, genesis *Block, staking *StakingPool, pools *PoolStateManager, lg *log.Logger, events *EventBus) (*Chain, error) {
	if err := genesis.VerifyHashIntegrity(); err != nil {
		return nil, err
	}
	c := &Chain{
		mainnet:            mainnet,
		chainID:            chainID,
		logger:             lg,
		events:             events,
		blocks:             []*Block{genesis},
		lastFinalizedIndex: -1,
		staking:            staking,
		pools:              pools,
		balanceCache:       make(map[string]int64),
		nonceCache:         make(map[string]uint64),
	}
	if err := staking.ApplyBlockStakingChanges(genesis); err != nil {
		return nil, err
	}
	pools.ProcessBlockPoolOperations(genesis.Transactions, genesis.Index)
	return c, nil
}

// LoadChain reconstructs a Chain from a persisted, previously-validated
// block sequence without re-running validateNewBlock against each block
// (used on restart where the chain was already accepted before persisting;
// spec.md §4.8).
func LoadChain(mainnet bool, chainID string, blocks []*Block, staking *StakingPool, pools *PoolStateManager, lg *log.Logger, events *EventBus) (*Chain, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("chain: cannot load empty block list")
	}
	c := &Chain{
		mainnet:            mainnet,
		chainID:            chainID,
		logger:             lg,
		events:             events,
		blocks:             blocks,
		lastFinalizedIndex: -1,
		staking:            staking,
		pools:              pools,
		balanceCache:       make(map[string]int64),
		nonceCache:         make(map[string]uint64),
	}
	for _, b := range blocks {
		if err := staking.ApplyBlockStakingChanges(b); err != nil {
			return nil, err
		}
		pools.ProcessBlockPoolOperations(b.Transactions, b.Index)
	}
	c.advanceFinality()
	return c, nil
}

func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Index
}

func (c *Chain) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

func (c *Chain) LatestBlock() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

func (c *Chain) BlockAt(index uint64) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[index]
}

func (c *Chain) LastFinalizedIndex() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFinalizedIndex
}

// validateNewBlock checks a candidate block against stakingCtx (spec.md
// §4.5 step 1): recomputed hash, every transaction individually valid,
// the validator registered and not jailed in stakingCtx, and a valid
// signature over chainId||index||hash. Block 0 (genesis) is exempt from
// per-tx signature verification because its bootstrap STAKE carries a
// sentinel all-zero signature (spec.md §6).
func (c *Chain) validateNewBlock(b, prev *Block, stakingCtx *StakingPool) error {
	if err := b.VerifyHashIntegrity(); err != nil {
		return err
	}
	if b.PreviousHash != prev.Hash {
		return fmt.Errorf("chain: block %d previousHash mismatch", b.Index)
	}
	if b.Index != prev.Index+1 {
		return fmt.Errorf("chain: block %d is not the direct successor of %d", b.Index, prev.Index)
	}

	if b.Index != 0 {
		for _, tx := range b.Transactions {
			if err := tx.Verify(c.mainnet); err != nil {
				return fmt.Errorf("chain: block %d tx %s: %w", b.Index, tx.ID, err)
			}
		}
		v := stakingCtx.Validator(b.Validator)
		if v == nil {
			return fmt.Errorf("%w: %s", ErrValidatorUnknown, b.Validator)
		}
		if v.IsJailed || v.PermanentlyBanned {
			return fmt.Errorf("%w: %s", ErrValidatorJailed, b.Validator)
		}
		pub, err := ParsePublicKeyHex(v.PublicKey)
		if err != nil {
			return fmt.Errorf("chain: validator %s has no usable public key: %w", b.Validator, err)
		}
		sig, err := ParseSignatureHex(b.Signature)
		if err != nil {
			return fmt.Errorf("%w: block %d signature decode: %v", ErrInvalidBlockSig, b.Index, err)
		}
		msg := b.SigningMessage(c.chainID)
		if !VerifyHash(pub, msg, sig) {
			return fmt.Errorf("%w: block %d", ErrInvalidBlockSig, b.Index)
		}
	}
	return nil
}

// AppendBlock runs the full append path from spec.md §4.5: validate against
// the live StakingPool, append, apply staking and pool effects, and advance
// finality. Chain mutation is a single critical section (spec.md §5:
// "chain mutation is serialized by a single writer").
func (c *Chain) AppendBlock(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.blocks[len(c.blocks)-1]
	if err := c.validateNewBlock(b, prev, c.staking); err != nil {
		return err
	}

	c.blocks = append(c.blocks, b)
	if err := c.staking.ApplyBlockStakingChanges(b); err != nil {
		return err
	}
	c.pools.ProcessBlockPoolOperations(b.Transactions, b.Index)
	c.invalidateCaches()
	c.advanceFinality()

	if c.logger != nil {
		c.logger.WithFields(log.Fields{"index": b.Index, "hash": b.Hash, "txs": len(b.Transactions)}).Info("chain: block appended")
	}
	if c.events != nil {
		c.events.PublishBlockMined(b)
	}
	return nil
}

// advanceFinality moves lastFinalizedIndex to max(len-FINALITY_DEPTH,
// lastFinalizedIndex) (spec.md §4.5 step 5).
func (c *Chain) advanceFinality() {
	candidate := int64(len(c.blocks)) - FinalityDepth
	if candidate > c.lastFinalizedIndex {
		c.lastFinalizedIndex = candidate
	}
}

// ReplaceChain implements the reorg path (spec.md §4.5): reject unless
// strictly longer, reject if it diverges at or below the finalized depth,
// then statefully replay from height 1 against a sandbox StakingPool
// seeded from the genesis validator set so each signer is checked against
// the validator set as it stood at the historical moment of signing.
func (c *Chain) ReplaceChain(incoming []*Block, genesisStaking *StakingPool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(incoming) <= len(c.blocks) {
		return fmt.Errorf("chain: incoming chain not longer than local")
	}
	for i := int64(0); i <= c.lastFinalizedIndex && i < int64(len(incoming)); i++ {
		if incoming[i].Hash != c.blocks[i].Hash {
			return fmt.Errorf("%w: incoming block %d diverges below finalized depth %d", ErrDeepReorg, i, c.lastFinalizedIndex)
		}
	}

	sandbox := genesisStaking
	sandboxPools := NewPoolStateManager()
	if err := sandbox.ApplyBlockStakingChanges(incoming[0]); err != nil {
		return fmt.Errorf("chain: sandbox genesis replay: %w", err)
	}
	sandboxPools.ProcessBlockPoolOperations(incoming[0].Transactions, incoming[0].Index)

	for i := 1; i < len(incoming); i++ {
		if err := c.validateNewBlock(incoming[i], incoming[i-1], sandbox); err != nil {
			return fmt.Errorf("chain: reorg replay rejected at height %d: %w", i, err)
		}
		if err := sandbox.ApplyBlockStakingChanges(incoming[i]); err != nil {
			return fmt.Errorf("chain: sandbox replay at height %d: %w", i, err)
		}
		sandboxPools.ProcessBlockPoolOperations(incoming[i].Transactions, incoming[i].Index)
	}

	c.blocks = incoming
	c.staking = sandbox
	c.pools = sandboxPools
	c.invalidateCaches()
	c.lastFinalizedIndex = -1
	c.advanceFinality()

	if c.logger != nil {
		c.logger.WithField("newHeight", c.blocks[len(c.blocks)-1].Index).Warn("chain: replaced by longer valid chain")
	}
	if c.events != nil {
		c.events.PublishStakingChange(StakingChangeEvent{Kind: "CHAIN_REPLACED"})
	}
	return nil
}

func (c *Chain) invalidateCaches() {
	c.balanceCache = make(map[string]int64)
	c.nonceCache = make(map[string]uint64)
}

// BalanceOf derives an address's confirmed balance by replaying every
// TRANSFER transaction across the chain, memoized until the next mutation
// (spec.md §3: "balanceOf(addr) = sum of credits minus debits of TRANSFER
// transactions only — stake movements are accounted in StakingPool, not
// the generic balance"; §4.5: "memoized per address, invalidated on any
// append or replace"). STAKE/UNSTAKE/DELEGATE/UNDELEGATE/COMMISSION never
// touch balance here — they bond and unbond through StakingPool instead,
// surfaced to callers via AvailableBalance. CLAIM pays matured unbonding
// back into spendable balance.
func (c *Chain) BalanceOf(addr string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.balanceCache[addr]; ok {
		return v
	}
	var bal int64
	for _, b := range c.blocks {
		for _, tx := range b.Transactions {
			switch tx.Type {
			case TxTransfer:
				if tx.FromAddress == addr {
					bal -= tx.Amount + tx.Fee
				}
				if tx.ToAddress == addr {
					bal += tx.Amount
				}
			case TxClaim:
				if tx.FromAddress == addr {
					bal += c.staking.MaturedClaimAmount(addr, b.Index)
				}
			}
		}
	}
	c.balanceCache[addr] = bal
	return bal
}

// AvailableBalance satisfies Mempool's BalanceView (spec.md §3):
// availableBalance = balanceOf − totalStake − pendingStake −
// outgoingPendingSpend. Chain supplies the confirmed balance and the two
// bonded-stake terms; the still-reserved-in-mempool term is the mempool's
// own job to subtract before admission (core/mempool.go's Admit).
func (c *Chain) AvailableBalance(addr string) int64 {
	return c.BalanceOf(addr) - c.staking.BondedStake(addr) - c.staking.PendingStake(addr)
}

// LastConfirmedNonce returns the highest nonce seen from addr across every
// confirmed block, 0 if none.
func (c *Chain) LastConfirmedNonce(addr string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.nonceCache[addr]; ok {
		return v
	}
	var max uint64
	for _, b := range c.blocks {
		for _, tx := range b.Transactions {
			if tx.FromAddress == addr && tx.Nonce > max {
				max = tx.Nonce
			}
		}
	}
	c.nonceCache[addr] = max
	return max
}

// ValidatorRegistered satisfies Mempool's BalanceView by delegating to the
// live StakingPool.
func (c *Chain) ValidatorRegistered(addr string) bool {
	c.mu.RLock()
	staking := c.staking
	c.mu.RUnlock()
	return staking.ValidatorRegistered(addr)
}

// StakingPool exposes the live staking state for producer/sync use.
func (c *Chain) StakingPool() *StakingPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staking
}

// Pools exposes the live AMM state for producer/sync use.
func (c *Chain) Pools() *PoolStateManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pools
}

// totalSupplyEstimate sums every system-minted TRANSFER (genesis mint plus
// every coinbase reward so far) as the base for the next inflation
// calculation (spec.md §4.3: "mint inflation totalSupply * annualRate /
// epochsPerYear"). There is no burn sink outside slashing, which this
// deliberately does not net out — slashed stake stays bonded-supply
// accounting, not circulating-supply accounting.
func (c *Chain) totalSupplyEstimate() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, b := range c.blocks {
		for _, tx := range b.Transactions {
			if tx.Type == TxTransfer && tx.FromAddress == "" {
				total += tx.Amount
			}
		}
	}
	return total
}

// Snapshot returns a shallow copy of the block slice suitable for gossip
// responses or persistence.
func (c *Chain) Snapshot() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Block(nil), c.blocks...)
}
