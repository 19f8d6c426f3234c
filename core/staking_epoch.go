package core

// Epoch boundary transitions and deterministic validator selection
// (spec.md §4.3). Grounded on core/stake_penalty.go's SlashStake/Penalize
// percent-of-balance math, generalized into the promote/mature/jail/select
// sequence the spec lays out; the weighted-pick itself follows the
// teacher's general "seed = sha256(...); walk candidates by derived
// weight" idiom used for validator/committee selection across core/
// (e.g. the deterministic tie-break in core/security.go's address
// derivation), here applied to stake-weighted selection instead.

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	log "github.com/sirupsen/logrus"
)

// onEpochBoundary promotes pending stake/delegation, matures unbondings,
// evaluates liveness/jailing, and advances the epoch counter (spec.md
// §4.3). No inflation is minted here: BlockProducer adds ComputeInflation's
// amount to the coinbase of the block that closes an epoch — StakingPool
// never mutates balances, only bonded stake.
func (s *StakingPool) onEpochBoundary(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newEpoch := (b.Index + 1) / EpochBlocks

	for addr, v := range s.validators {
		v.SelfStake += v.pendingStake
		v.pendingStake = 0
		if v.hasPendingCommission {
			v.CommissionPct = v.pendingCommission
			v.hasPendingCommission = false
		}
		if v.IsJailed && !v.PermanentlyBanned && newEpoch >= v.JailedUntil {
			v.IsJailed = false
		}
		s.validators[addr] = v
	}

	for delegator, list := range s.delegators {
		for _, d := range list {
			if d.PendingDelegation == 0 {
				continue
			}
			if v, ok := s.validators[d.Validator]; ok {
				v.DelegatedStake += d.PendingDelegation
			}
			d.Amount += d.PendingDelegation
			d.PendingDelegation = 0
		}
		s.delegators[delegator] = list
	}

	for _, u := range s.unbonding {
		if u.claimed || u.EffectiveEpoch <= s.epoch || u.EffectiveEpoch > newEpoch {
			continue
		}
		if u.Validator == "" {
			if v, ok := s.validators[u.Address]; ok && v.SelfStake >= u.Amount {
				v.SelfStake -= u.Amount
			}
		} else if v, ok := s.validators[u.Validator]; ok && v.DelegatedStake >= u.Amount {
			v.DelegatedStake -= u.Amount
		}
	}

	s.evaluateLiveness(newEpoch)

	s.epoch = newEpoch
	s.epochStartBlock = b.Index + 1
	if s.events != nil {
		s.events.PublishStakingChange(StakingChangeEvent{Kind: "EPOCH_BOUNDARY", Epoch: newEpoch})
	}
	if s.logger != nil {
		s.logger.WithField("epoch", newEpoch).Info("staking: epoch boundary processed")
	}
	return nil
}

// evaluateLiveness jails validators whose signed fraction over the sliding
// window falls below minSignedPerWindow (spec.md §4.3). A validator with
// fewer than len(LivenessWindow) recorded slots since registration is
// graced — its window still holds zero-value (never-assigned) entries
// that would otherwise read as missed slots.
func (s *StakingPool) evaluateLiveness(epoch uint64) {
	for addr, v := range s.validators {
		if v.PermanentlyBanned || v.IsJailed {
			continue
		}
		if v.recordedSlots < len(v.LivenessWindow) {
			// Not yet assigned a full window's worth of slots since
			// registration — the unrecorded entries are not missed slots,
			// so judging liveness now would jail an active new validator.
			continue
		}
		signed := 0
		for _, ok := range v.LivenessWindow {
			if ok {
				signed++
			}
		}
		fractionP := signed * 100 / len(v.LivenessWindow)
		if fractionP >= MinSignedPerWindowP {
			continue
		}
		v.IsJailed = true
		v.JailCount++
		v.JailedUntil = epoch + JailDurationEpochs(s.mainnet)
		if v.JailCount >= MaxJailCount {
			v.PermanentlyBanned = true
		}

		slashed := v.SelfStake * DowntimeSlashPercent / 100
		if slashed > 0 {
			v.SelfStake -= slashed
			s.slashes = append(s.slashes, SlashRecord{Validator: addr, Amount: slashed, Reason: "downtime", Epoch: epoch})
		}

		if s.logger != nil {
			s.logger.WithFields(log.Fields{"validator": addr, "signedPct": fractionP, "jailCount": v.JailCount, "slashed": slashed}).Warn("staking: validator jailed for liveness fault")
		}
		if s.events != nil {
			kind := "JAILED"
			if v.PermanentlyBanned {
				kind = "BANNED"
			}
			s.events.PublishStakingChange(StakingChangeEvent{Kind: kind, Validator: addr, Epoch: epoch})
		}
	}
}

// ValidatorSet returns the addresses eligible to produce blocks this
// epoch: selfStake at least minValidatorSelfStake and not jailed or banned
// (spec.md §4.3).
func (s *StakingPool) ValidatorSet() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var set []string
	for addr, v := range s.validators {
		if v.SelfStake >= MinValidatorSelfStake && !v.IsJailed && !v.PermanentlyBanned {
			set = append(set, addr)
		}
	}
	sort.Strings(set)
	return set
}

// cappedWeight returns a validator's selection weight with the
// maxConcentrationPct cap applied: "excess votes truncated when computing
// weights, stake itself is not confiscated" (spec.md §4.3).
func cappedWeight(v *Validator, totalBonded int64) int64 {
	w := v.TotalStake()
	ceiling := totalBonded * MaxConcentrationPct / 100
	if totalBonded > 0 && w > ceiling {
		return ceiling
	}
	return w
}

// SelectValidator performs the deterministic pseudorandom weighted pick
// for the given slot (spec.md §4.3): seed = sha256(previousBlockHash ||
// slotNumber); weights = selfStake+delegatedStake capped at
// maxConcentrationPct of total bonded stake.
func (s *StakingPool) SelectValidator(previousHash Hash, slot uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make([]string, 0, len(s.validators))
	for addr, v := range s.validators {
		if v.SelfStake >= MinValidatorSelfStake && !v.IsJailed && !v.PermanentlyBanned {
			set = append(set, addr)
		}
	}
	if len(set) == 0 {
		return "", fmt.Errorf("%w: no eligible validators", ErrValidatorUnknown)
	}
	sort.Strings(set)

	var totalBonded int64
	for _, addr := range set {
		totalBonded += s.validators[addr].TotalStake()
	}

	weights := make([]int64, len(set))
	var totalWeight int64
	for i, addr := range set {
		w := cappedWeight(s.validators[addr], totalBonded)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		totalWeight += w
	}

	slotBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(slotBytes, slot)
	seed := Sha256(previousHash[:], slotBytes)

	seedInt := new(big.Int).SetBytes(seed[:])
	mod := new(big.Int).Mod(seedInt, big.NewInt(totalWeight))
	target := mod.Int64()

	var cursor int64
	for i, addr := range set {
		cursor += weights[i]
		if target < cursor {
			return addr, nil
		}
	}
	return set[len(set)-1], nil
}

// ComputeInflation returns the per-epoch-boundary inflation reward:
// floor(totalSupply * annualRate / epochsPerYear) (spec.md §4.3, §8).
// annualRate is expressed as InflationRateMilli/1000.
func ComputeInflation(totalSupply int64) int64 {
	return totalSupply * InflationRateMilli / 1000 / EpochsPerYear
}

// RegisteredValidators returns every known validator address, regardless
// of current eligibility — used by storage snapshotting.
func (s *StakingPool) RegisteredValidators() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]string, 0, len(s.validators))
	for addr := range s.validators {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
