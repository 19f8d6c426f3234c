package core

// Mempool: pending-tx pool with per-sender locking, fee ordering, admission
// rules (spec.md §4.2). The teacher's only tx-pool code (txpool_addtx.go,
// txpool_snapshot.go, txpool_stub.go) is never compiled (`//go:build
// ignore`); the admission pipeline here is instead modeled on
// core/dao_staking.go's lock-guarded read/validate/write shape, generalized
// to a per-sender lock map (spec.md §4.2/§5: "serialized by a per-address
// lock acquired in step 1, released on exit").

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// BalanceView is the read-only projection of Chain + StakingPool state the
// mempool needs to admit transactions, without coupling the mempool to
// either component's full API.
type BalanceView interface {
	AvailableBalance(addr string) int64
	LastConfirmedNonce(addr string) uint64
	ValidatorRegistered(addr string) bool
}

type pendingEntry struct {
	tx            *Transaction
	reservedNonce uint64
}

// Mempool holds admitted-but-unconfirmed transactions.
type Mempool struct {
	mu       sync.Mutex
	senderMu map[string]*sync.Mutex
	txs      []*Transaction
	byID     map[string]*Transaction
	reserved map[string]map[uint64]int64 // fromAddress -> nonce -> reserved amount+fee
	reservedSpend        map[string]int64 // fromAddress -> sum of reserved amount+fee across reserved
	pendingStakeBySender map[string]bool

	mainnet bool
	chainID string
	logger  *log.Logger
	events  *EventBus
}

func NewMempool(mainnet bool, chainID string, lg *log.Logger, events *EventBus) *Mempool {
	return &Mempool{
		senderMu:             make(map[string]*sync.Mutex),
		byID:                 make(map[string]*Transaction),
		reserved:             make(map[string]map[uint64]int64),
		reservedSpend:        make(map[string]int64),
		pendingStakeBySender: make(map[string]bool),
		mainnet:              mainnet,
		chainID:              chainID,
		logger:               lg,
		events:               events,
	}
}

func (m *Mempool) senderLock(addr string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.senderMu[addr]
	if !ok {
		l = &sync.Mutex{}
		m.senderMu[addr] = l
	}
	return l
}

// Admit runs the ordered admission pipeline from spec.md §4.2, serialized
// per-sender so concurrent submissions with the same nonce cannot both
// succeed (spec.md §8 scenario 4: double-spend race).
func (m *Mempool) Admit(tx *Transaction, view BalanceView) error {
	sender := tx.FromAddress
	if sender == "" {
		sender = tx.ToAddress // faucet/system tx key off recipient for locking
	}
	lock := m.senderLock(sender)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	full := len(m.txs) >= MaxPendingTx
	m.mu.Unlock()
	if full {
		return ErrPoolFull
	}

	isSystemOrFaucet := tx.IsSystemTx()
	isStaking := isStakingType(tx.Type)
	if tx.Fee < MinFee && !isSystemOrFaucet && !isStaking {
		return ErrFeeTooLow
	}

	if tx.FromAddress == "" && tx.ToAddress == "" {
		return fmt.Errorf("%w: fromAddress/toAddress", ErrMissingField)
	}

	if err := tx.Verify(m.mainnet); err != nil {
		return err
	}

	if tx.Type == TxDelegate && view != nil && !view.ValidatorRegistered(tx.Data) {
		return ErrValidatorUnknown
	}

	if !isSystemOrFaucet {
		last := view.LastConfirmedNonce(tx.FromAddress)
		if tx.Nonce <= last {
			return ErrStaleNonce
		}
		if tx.Nonce > last+100 {
			return fmt.Errorf("%w: nonce gap too large", ErrStaleNonce)
		}
		m.mu.Lock()
		_, already := m.reserved[tx.FromAddress][tx.Nonce]
		m.mu.Unlock()
		if already {
			return ErrDuplicateTx
		}
	}

	if tx.Type == TxStake {
		m.mu.Lock()
		dup := m.pendingStakeBySender[tx.FromAddress]
		m.mu.Unlock()
		if dup {
			return ErrDuplicateTx
		}
	}

	// required is the spec.md §4.2 step-7 check: availableBalance(from) must
	// cover amount+fee. availableBalance already nets out confirmed bonded
	// stake (core/chain.go's AvailableBalance); what it can't see is this
	// sender's still-pending sends sitting earlier in this same pool, so
	// Admit nets those out itself (spec.md §3's outgoingPendingSpend term).
	required := tx.Amount + tx.Fee
	if !isSystemOrFaucet && view != nil {
		m.mu.Lock()
		alreadyReserved := m.reservedSpend[tx.FromAddress]
		m.mu.Unlock()
		if view.AvailableBalance(tx.FromAddress)-alreadyReserved < required {
			return ErrInsufficientBalance
		}
	}

	m.mu.Lock()
	m.txs = append(m.txs, tx)
	m.byID[tx.ID] = tx
	if !isSystemOrFaucet {
		if m.reserved[tx.FromAddress] == nil {
			m.reserved[tx.FromAddress] = make(map[uint64]int64)
		}
		m.reserved[tx.FromAddress][tx.Nonce] = required
		m.reservedSpend[tx.FromAddress] += required
	}
	if tx.Type == TxStake {
		m.pendingStakeBySender[tx.FromAddress] = true
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.WithFields(log.Fields{"type": tx.Type, "from": tx.FromAddress, "nonce": tx.Nonce}).Debug("mempool: tx admitted")
	}
	if m.events != nil {
		m.events.PublishTxAdded(tx)
	}
	return nil
}

func isStakingType(t TxType) bool {
	switch t {
	case TxStake, TxUnstake, TxDelegate, TxUndelegate, TxClaim, TxCommission:
		return true
	}
	return false
}

// TakeForBlock returns up to maxTxPerBlock pending transactions sorted by
// fee descending and removes them from the pool (spec.md §4.6, §8: "admitted
// transactions are applied in fee-descending order within a block").
func (m *Mempool) TakeForBlock(max int) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := append([]*Transaction(nil), m.txs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Fee > sorted[j].Fee })
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}

	taken := make(map[string]bool, len(sorted))
	for _, tx := range sorted {
		taken[tx.ID] = true
	}
	remaining := m.txs[:0]
	for _, tx := range m.txs {
		if !taken[tx.ID] {
			remaining = append(remaining, tx)
		} else {
			delete(m.byID, tx.ID)
			if tx.Type == TxStake {
				delete(m.pendingStakeBySender, tx.FromAddress)
			}
		}
	}
	m.txs = remaining
	return sorted
}

// ReleaseNonceReservations is called once a block containing addr's
// transactions has been appended, clearing reservations for nonces at or below the confirmed nonce so later
// transactions from the same sender can be admitted.
func (m *Mempool) ReleaseNonceReservations(addr string, confirmedNonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nonces := m.reserved[addr]
	for n, amt := range nonces {
		if n <= confirmedNonce {
			delete(nonces, n)
			m.reservedSpend[addr] -= amt
			if m.reservedSpend[addr] < 0 {
				m.reservedSpend[addr] = 0
			}
		}
	}
}

// Requeue reinserts a transaction that was taken by TakeForBlock but never
// confirmed (e.g. the assembled block failed to append). Its nonce
// reservation and pending-STAKE marker are still held from the original
// Admit call, so this bypasses admission validation rather than re-running
// it (which would reject on ErrDuplicateTx against its own reservation).
func (m *Mempool) Requeue(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[tx.ID]; ok {
		return
	}
	m.txs = append(m.txs, tx)
	m.byID[tx.ID] = tx
	if tx.Type == TxStake {
		m.pendingStakeBySender[tx.FromAddress] = true
	}
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *Mempool) Snapshot() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Transaction(nil), m.txs...)
}
