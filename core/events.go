package core

// Bounded-capacity event channels replacing the onBlockMined/
// onTransactionAdded/onStakingChange callback style (spec.md §9 redesign
// note). Grounded on core/network.go's buffered-channel Subscribe pattern;
// back-pressure is a drop-oldest policy per observer, as the redesign note
// prescribes.

import (
	"sync"
)

const defaultEventBuffer = 64

// StakingChangeEvent describes a staking-state transition observers may
// care about (promotion, jailing, slashing, epoch boundary).
type StakingChangeEvent struct {
	Kind      string
	Validator string
	Detail    string
	Epoch     uint64
}

// EventBus fans out block/tx/staking events to subscribers with a
// drop-oldest policy when a subscriber's channel is full.
type EventBus struct {
	mu         sync.Mutex
	blockSubs  []chan *Block
	txSubs     []chan *Transaction
	stakeSubs  []chan StakingChangeEvent
}

func NewEventBus() *EventBus { return &EventBus{} }

func (b *EventBus) SubscribeBlocks() <-chan *Block {
	ch := make(chan *Block, defaultEventBuffer)
	b.mu.Lock()
	b.blockSubs = append(b.blockSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *EventBus) SubscribeTx() <-chan *Transaction {
	ch := make(chan *Transaction, defaultEventBuffer)
	b.mu.Lock()
	b.txSubs = append(b.txSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *EventBus) SubscribeStakingChanges() <-chan StakingChangeEvent {
	ch := make(chan StakingChangeEvent, defaultEventBuffer)
	b.mu.Lock()
	b.stakeSubs = append(b.stakeSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *EventBus) PublishBlockMined(blk *Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.blockSubs {
		dropOldestSendBlock(ch, blk)
	}
}

func (b *EventBus) PublishTxAdded(tx *Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.txSubs {
		dropOldestSendTx(ch, tx)
	}
}

func (b *EventBus) PublishStakingChange(ev StakingChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.stakeSubs {
		dropOldestSendStake(ch, ev)
	}
}

func dropOldestSendBlock(ch chan *Block, v *Block) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func dropOldestSendTx(ch chan *Transaction, v *Transaction) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func dropOldestSendStake(ch chan StakingChangeEvent, v StakingChangeEvent) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
