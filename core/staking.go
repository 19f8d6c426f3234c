package core

// StakingPool: validator/delegator bookkeeping and per-tx application
// (spec.md §4.3). Grounded on core/dao_staking.go's lock-guarded
// stake/unstake shape and core/stake_penalty.go's AdjustStake/SlashStake/
// Penalize methods, generalized from a single flat balance into the
// validator+delegator+unbonding structures spec.md §3 requires, and from
// the teacher's ledger-backed StateRW storage onto plain in-memory maps
// (StakingPool state is rebuilt from the Chain's transaction history, not
// stored behind a generic KV layer — see core/chain.go's replay path).

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Validator is one registered validator's bonded state (spec.md §3).
type Validator struct {
	Address        string
	PublicKey      string
	SelfStake      int64
	DelegatedStake int64
	CommissionPct  int64
	IsJailed       bool
	JailCount      int
	JailedUntil    uint64 // epoch
	BlocksProduced uint64
	LivenessWindow []bool // ring buffer, length SignedBlocksWindow
	livenessHead   int
	recordedSlots  int // slots actually recorded since registration, capped at len(LivenessWindow)

	pendingStake       int64
	pendingCommission  int64
	hasPendingCommission bool
	PermanentlyBanned  bool
}

func newValidator(addr, pubKey string) *Validator {
	return &Validator{
		Address:        addr,
		PublicKey:      pubKey,
		CommissionPct:  DefaultCommission,
		LivenessWindow: make([]bool, SignedBlocksWindow),
	}
}

// TotalStake is selfStake + delegatedStake, the raw (uncapped) weight.
func (v *Validator) TotalStake() int64 { return v.SelfStake + v.DelegatedStake }

// PendingStake is stake queued by a STAKE tx but not yet promoted to
// selfStake at the next epoch boundary (spec.md §3/§4.3).
func (v *Validator) PendingStake() int64 { return v.pendingStake }

// RecordedSlots is how many of LivenessWindow's entries have actually been
// recorded (signed or missed) since registration, capped at
// len(LivenessWindow) — see evaluateLiveness's new-validator grace check.
func (v *Validator) RecordedSlots() int { return v.recordedSlots }

// delegation is one delegator's position against a single validator
// (spec.md §3: "delegator address → list of {validator, amount,
// pendingDelegation, effectiveEpoch}").
type delegation struct {
	Validator         string
	Amount            int64
	PendingDelegation int64
}

// unbondingEntry is a queued UNSTAKE/UNDELEGATE awaiting maturity
// (spec.md §4.3, Open Question #2: selfStake/delegatedStake are decremented
// only when the entry matures at its EffectiveEpoch, not at tx time).
type unbondingEntry struct {
	Address       string
	Validator     string // empty for a self-unstake entry
	Amount        int64
	EffectiveEpoch uint64
	claimed       bool
}

// SlashRecord is a local, never-broadcast note of a slashing event
// (spec.md §1 Non-goals: "no slashing evidence gossip protocol beyond
// local record-keeping").
type SlashRecord struct {
	Validator string
	Amount    int64
	Reason    string
	Epoch     uint64
	Height    uint64
}

// StakingPool is the full staking subsystem state (spec.md §3, §4.3).
type StakingPool struct {
	mu sync.RWMutex

	mainnet bool
	logger  *log.Logger
	events  *EventBus

	validators map[string]*Validator
	delegators map[string][]*delegation
	unbonding  []*unbondingEntry
	slashes    []SlashRecord

	epoch          uint64
	epochStartBlock uint64
	totalBonded    int64
}

func NewStakingPool(mainnet bool, lg *log.Logger, events *EventBus) *StakingPool {
	return &StakingPool{
		mainnet:    mainnet,
		logger:     lg,
		events:     events,
		validators: make(map[string]*Validator),
		delegators: make(map[string][]*delegation),
	}
}

// Epoch exposes the current epoch number to consumers that need read
// access to the boundary bookkeeping.
func (s *StakingPool) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// ValidatorRegistered satisfies Mempool's BalanceView for DELEGATE admission
// (spec.md §4.2 step 5: "that validator must be registered at admission time").
func (s *StakingPool) ValidatorRegistered(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.validators[addr]
	return ok
}

// Validator returns a copy-free read of a validator's current state, or nil.
func (s *StakingPool) Validator(addr string) *Validator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validators[addr]
}

// BondedStake returns addr's currently bonded selfStake+delegatedStake, 0
// if addr is not a registered validator — the totalStake(addr) term in
// spec.md §3's availableBalance formula.
func (s *StakingPool) BondedStake(addr string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[addr]
	if !ok {
		return 0
	}
	return v.TotalStake()
}

// PendingStake returns addr's not-yet-promoted pendingStake, 0 if addr is
// not a registered validator — the pendingStake(addr) term in spec.md §3's
// availableBalance formula.
func (s *StakingPool) PendingStake(addr string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[addr]
	if !ok {
		return 0
	}
	return v.pendingStake
}

// ApplyBlockStakingChanges walks a confirmed block's transactions in order
// and applies every staking-relevant one (spec.md §4.3: "On each confirmed
// block, apply every tx in order"), then triggers the epoch boundary when
// the block completes an epoch (spec.md §4.3/§4.5 step 3).
func (s *StakingPool) ApplyBlockStakingChanges(b *Block) error {
	for _, tx := range b.Transactions {
		if err := s.applyTx(tx, b.Index); err != nil {
			if s.logger != nil {
				s.logger.WithFields(log.Fields{"tx": tx.ID, "type": tx.Type, "err": err}).Warn("staking: tx application skipped")
			}
		}
	}
	s.recordLiveness(b)
	if (b.Index+1)%EpochBlocks == 0 {
		return s.onEpochBoundary(b)
	}
	return nil
}

func (s *StakingPool) applyTx(tx *Transaction, height uint64) error {
	switch tx.Type {
	case TxStake:
		return s.stake(tx.FromAddress, tx.PublicKey, tx.Amount)
	case TxUnstake:
		return s.unstake(tx.FromAddress, tx.Amount)
	case TxDelegate:
		return s.delegate(tx.FromAddress, tx.Data, tx.Amount)
	case TxUndelegate:
		return s.undelegate(tx.FromAddress, tx.Data, tx.Amount)
	case TxCommission:
		ok := s.commission(tx.FromAddress, tx.Amount)
		if !ok {
			return fmt.Errorf("%w: commission no-op for %s", ErrValidatorUnknown, tx.FromAddress)
		}
		return nil
	case TxClaim:
		return s.claim(tx.FromAddress, height)
	}
	return nil
}

// stake increments pendingStake, promoted to selfStake at the next epoch
// boundary (spec.md §4.3).
func (s *StakingPool) stake(addr, pubKey string, amt int64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: stake amount", ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[addr]
	if !ok {
		v = newValidator(addr, pubKey)
		s.validators[addr] = v
	}
	v.pendingStake += amt
	return nil
}

// unstake queues an unbonding entry; selfStake is untouched until the entry
// matures (spec.md §4.3, Open Question #2).
func (s *StakingPool) unstake(addr string, amt int64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: unstake amount", ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[addr]
	if !ok || v.SelfStake < amt {
		return fmt.Errorf("%w: %s has no matching self-stake", ErrStakeTooLow, addr)
	}
	s.unbonding = append(s.unbonding, &unbondingEntry{
		Address:        addr,
		Amount:         amt,
		EffectiveEpoch: s.epoch + UnbondingEpochs(s.mainnet),
	})
	return nil
}

// delegate increments a pending delegation against the given validator,
// promoted at the next epoch boundary (spec.md §4.3).
func (s *StakingPool) delegate(addr, validator string, amt int64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: delegate amount", ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.validators[validator]; !ok {
		return fmt.Errorf("%w: %s", ErrValidatorUnknown, validator)
	}
	for _, d := range s.delegators[addr] {
		if d.Validator == validator {
			d.PendingDelegation += amt
			return nil
		}
	}
	s.delegators[addr] = append(s.delegators[addr], &delegation{Validator: validator, PendingDelegation: amt})
	return nil
}

// undelegate mirrors unstake: a queued unbonding entry against the
// delegator's position in the named validator (spec.md §4.3).
func (s *StakingPool) undelegate(addr, validator string, amt int64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: undelegate amount", ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var d *delegation
	for _, cand := range s.delegators[addr] {
		if cand.Validator == validator {
			d = cand
			break
		}
	}
	if d == nil || d.Amount < amt {
		return fmt.Errorf("%w: %s has no matching delegation to %s", ErrStakeTooLow, addr, validator)
	}
	s.unbonding = append(s.unbonding, &unbondingEntry{
		Address:        addr,
		Validator:      validator,
		Amount:         amt,
		EffectiveEpoch: s.epoch + UnbondingEpochs(s.mainnet),
	})
	return nil
}

// commission sets a pending commission change, clamped to
// [minCommission, maxCommission] and applied next epoch (spec.md §4.3).
// Returns false as a no-op when the sender is not a registered validator
// (spec.md §9 Open Question: unspecified, treated as no-op).
func (s *StakingPool) commission(validator string, pct int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return false
	}
	if pct < MinCommission {
		pct = MinCommission
	}
	if pct > MaxCommission {
		pct = MaxCommission
	}
	v.pendingCommission = pct
	v.hasPendingCommission = true
	return true
}

// claim pays out a matured unbonding entry. Spec.md §4.3: "funds are
// returned via a CLAIM tx once the entry matures" — the caller (Chain) is
// responsible for crediting the address's available balance; claim here
// only marks the sender's first matured, unclaimed entry consumed and does
// not return its amount.
func (s *StakingPool) claim(addr string, currentHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch := currentHeight / EpochBlocks
	for _, u := range s.unbonding {
		if u.Address == addr && !u.claimed && u.EffectiveEpoch <= epoch {
			u.claimed = true
			return nil
		}
	}
	return fmt.Errorf("%w: no matured unbonding entry for %s", ErrNotFound, addr)
}

// MaturedClaimAmount returns the sum of matured-but-unclaimed unbonding
// entries for addr as of the given block height, without marking them
// claimed — Chain uses this to compute available balance (spec.md §4.5
// "balanceOf").
func (s *StakingPool) MaturedClaimAmount(addr string, height uint64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	epoch := height / EpochBlocks
	var total int64
	for _, u := range s.unbonding {
		if u.Address == addr && !u.claimed && u.EffectiveEpoch <= epoch {
			total += u.Amount
		}
	}
	return total
}

// recordLiveness sets the signed bit for the block's validator in
// its sliding liveness window (spec.md §4.3).
func (s *StakingPool) recordLiveness(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[b.Validator]
	if !ok {
		return
	}
	v.LivenessWindow[v.livenessHead] = true
	v.livenessHead = (v.livenessHead + 1) % len(v.LivenessWindow)
	if v.recordedSlots < len(v.LivenessWindow) {
		v.recordedSlots++
	}
	v.BlocksProduced++
}

// MarkMissedSlot records a skipped slot against the validator that should
// have produced it (spec.md §4.6: "Receiving nodes detect the skip by slot
// gap and reduce the skipped validator's liveness counter").
func (s *StakingPool) MarkMissedSlot(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[addr]
	if !ok {
		return
	}
	v.LivenessWindow[v.livenessHead] = false
	v.livenessHead = (v.livenessHead + 1) % len(v.LivenessWindow)
	if v.recordedSlots < len(v.LivenessWindow) {
		v.recordedSlots++
	}
}

// RecordDoubleSign applies the fixed-percent slash for a caller-verified
// double-sign observation (spec.md §4.3: "Slashing evidence (double-sign)
// deducts slashPercent of the offender's self-stake into a burn sink").
func (s *StakingPool) RecordDoubleSign(validator string, height uint64) (slashed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrValidatorUnknown, validator)
	}
	slashed = v.SelfStake * SlashPercent / 100
	v.SelfStake -= slashed
	s.totalBonded -= slashed
	s.slashes = append(s.slashes, SlashRecord{Validator: validator, Amount: slashed, Reason: "double-sign", Epoch: s.epoch, Height: height})
	if s.logger != nil {
		s.logger.WithFields(log.Fields{"validator": validator, "slashed": slashed}).Warn("staking: validator slashed for double-sign")
	}
	if s.events != nil {
		s.events.PublishStakingChange(StakingChangeEvent{Kind: "SLASH", Validator: validator, Detail: "double-sign", Epoch: s.epoch})
	}
	return slashed, nil
}

// SlashRecords returns a copy of the append-only local slashing log.
func (s *StakingPool) SlashRecords() []SlashRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SlashRecord(nil), s.slashes...)
}

// TotalBondedSupply is selfStake+delegatedStake summed over every
// validator (spec.md §3 invariant: "sum of all selfStake + delegatedStake =
// total bonded supply").
func (s *StakingPool) TotalBondedSupply() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, v := range s.validators {
		total += v.TotalStake()
	}
	return total
}
