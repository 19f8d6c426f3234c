package network

// Gossip/Sync: peer registry, broadcast fan-out, and chunked chain
// backfill (spec.md §4.7). Grounded on core/network.go's Node (peer map
// guarded by peerLock, Broadcast/Subscribe, Infof/Warnf connect-lifecycle
// logging) — the topic/pubsub plumbing is replaced by a direct peer-session
// map since this protocol is point-to-point, not topic-based.

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	core "lvenc-node/core"
)

// Node owns every active PeerSession and bridges gossip into the Chain/
// Mempool (spec.md §4.7).
type Node struct {
	mu    sync.RWMutex
	peers map[string]*PeerSession

	chain   *core.Chain
	mempool *core.Mempool
	logger  *log.Logger
	mainnet bool

	chainID     string
	genesisHash string
	nodeID      string
	rewardAddr  string

	protocolVersion    int
	minProtocolVersion int
	graceUntilBlock    uint64

	synced bool
}

func NewNode(mainnet bool, chain *core.Chain, mempool *core.Mempool, lg *log.Logger, nodeID, chainID, genesisHash, rewardAddr string, protocolVersion, minProtocolVersion int, graceUntilBlock uint64) *Node {
	return &Node{
		peers:              make(map[string]*PeerSession),
		chain:              chain,
		mempool:            mempool,
		logger:             lg,
		mainnet:            mainnet,
		chainID:            chainID,
		genesisHash:        genesisHash,
		nodeID:             nodeID,
		rewardAddr:         rewardAddr,
		protocolVersion:    protocolVersion,
		minProtocolVersion: minProtocolVersion,
		graceUntilBlock:    graceUntilBlock,
	}
}

func (n *Node) ourHandshake() HandshakePayload {
	return HandshakePayload{
		NodeID:             n.nodeID,
		ProtocolVersion:    n.protocolVersion,
		MinProtocolVersion: n.minProtocolVersion,
		GraceUntilBlock:    n.graceUntilBlock,
		ChainID:            n.chainID,
		GenesisHash:        n.genesisHash,
		NodeVersion:        "lvenc-node/1",
		BlockHeight:        n.chain.Height(),
		RewardAddress:      n.rewardAddr,
	}
}

// AdoptSession runs the handshake contract over a freshly connected
// session and, on success, registers it and starts its read loop
// (spec.md §4.7).
func (n *Node) AdoptSession(ctx context.Context, s *PeerSession) error {
	res, err := PerformHandshake(ctx, s, n.ourHandshake(), n.chain.Height())
	if err != nil {
		if n.logger != nil {
			n.logger.WithError(err).Warn("network: handshake failed")
		}
		return err
	}

	n.mu.Lock()
	n.peers[res.Peer.NodeID] = s
	n.mu.Unlock()

	if n.logger != nil {
		n.logger.WithFields(log.Fields{"peer": res.Peer.NodeID, "height": res.Peer.BlockHeight}).Info("network: peer connected")
	}

	go s.ReadLoop(ctx, func(env *Envelope) { n.handleEnvelope(s, env) })

	// Kick off the sync policy immediately against the peer's advertised tip.
	n.considerPeerHeight(s, res.Peer.BlockHeight)
	return nil
}

// Peers returns the currently connected peer node IDs.
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// Broadcast fans an envelope out to every connected peer, logging but not
// failing on a single peer's write error (spec.md §4.6: "broadcast
// NEW_BLOCK to peers").
func (n *Node) Broadcast(env *Envelope) {
	n.mu.RLock()
	sessions := make([]*PeerSession, 0, len(n.peers))
	for _, s := range n.peers {
		sessions = append(sessions, s)
	}
	n.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(env); err != nil && n.logger != nil {
			n.logger.WithError(err).WithField("peer", s.RemoteNodeID).Warn("network: broadcast write failed")
		}
	}
}

// BroadcastBlock is the BroadcastFunc the core.BlockProducer calls after
// locally appending a new block.
func (n *Node) BroadcastBlock(b *core.Block) {
	env, err := Encode(MsgNewBlock, NewBlockPayload{Block: b})
	if err != nil {
		return
	}
	n.Broadcast(env)
}

// BroadcastTx relays a locally admitted transaction to every peer.
func (n *Node) BroadcastTx(tx *core.Transaction) {
	env, err := Encode(MsgNewTx, NewTxPayload{Tx: tx})
	if err != nil {
		return
	}
	n.Broadcast(env)
}

func (n *Node) handleEnvelope(s *PeerSession, env *Envelope) {
	switch env.Type {
	case MsgNewBlock:
		var p NewBlockPayload
		if err := decode(env.Data, &p); err != nil || p.Block == nil {
			return
		}
		n.handleNewBlock(s, p.Block)

	case MsgNewTx:
		var p NewTxPayload
		if err := decode(env.Data, &p); err != nil || p.Tx == nil {
			return
		}
		_ = n.mempool.Admit(p.Tx, n.chain)

	case MsgQueryLatest:
		latest := n.chain.LatestBlock()
		respEnv, _ := Encode(MsgResponseLatest, ResponseLatestPayload{Block: latest})
		_ = s.Send(respEnv)

	case MsgQueryAll:
		blocks := n.chain.Snapshot()
		respEnv, _ := Encode(MsgResponseChain, ResponseChainPayload{Blocks: blocks})
		_ = s.Send(respEnv)

	case MsgQueryBlocksFrom:
		var q QueryBlocksFromPayload
		if err := decode(env.Data, &q); err != nil {
			return
		}
		n.respondBlocksFrom(s, q.StartIndex, q.Limit)

	case MsgResponseLatest:
		var p ResponseLatestPayload
		if err := decode(env.Data, &p); err != nil || p.Block == nil {
			return
		}
		n.handleNewBlock(s, p.Block)

	case MsgResponseBlocks:
		var p ResponseBlocksPayload
		if err := decode(env.Data, &p); err != nil {
			return
		}
		n.handleResponseBlocks(s, &p)

	case MsgResponseChain:
		var p ResponseChainPayload
		if err := decode(env.Data, &p); err != nil || len(p.Blocks) == 0 {
			return
		}
		n.tryReplaceChain(s, p.Blocks)
	}
}

// respondBlocksFrom serves min(limit, maxBlocksPerRequest) blocks starting
// at startIndex (spec.md §4.7).
func (n *Node) respondBlocksFrom(s *PeerSession, startIndex uint64, limit int) {
	if limit <= 0 || limit > core.MaxBlocksPerRequest {
		limit = core.MaxBlocksPerRequest
	}
	all := n.chain.Snapshot()
	if startIndex >= uint64(len(all)) {
		env, _ := Encode(MsgResponseBlocks, ResponseBlocksPayload{Blocks: nil, HasMore: false, TotalBlocks: uint64(len(all))})
		_ = s.Send(env)
		return
	}
	end := startIndex + uint64(limit)
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}
	chunk := all[startIndex:end]
	env, _ := Encode(MsgResponseBlocks, ResponseBlocksPayload{
		Blocks:      chunk,
		HasMore:     end < uint64(len(all)),
		TotalBlocks: uint64(len(all)),
	})
	_ = s.Send(env)
}

// considerPeerHeight applies the sync policy from spec.md §4.7 against a
// peer's advertised tip height.
func (n *Node) considerPeerHeight(s *PeerSession, peerHeight uint64) {
	ourHeight := n.chain.Height()
	if peerHeight <= ourHeight {
		return
	}
	gap := peerHeight - ourHeight
	if gap > core.ChunkSize {
		env, _ := Encode(MsgQueryBlocksFrom, QueryBlocksFromPayload{StartIndex: ourHeight + 1, Limit: core.MaxBlocksPerRequest})
		_ = s.Send(env)
		return
	}
	env, _ := Encode(MsgQueryAll, nil)
	_ = s.Send(env)
}

// handleNewBlock applies spec.md §4.7's sync policy to a single announced
// block: direct-successor fast path, otherwise fall back to a backfill
// query. A block claiming an index the chain already holds is checked for
// equivocation rather than silently dropped (spec.md §4.3).
func (n *Node) handleNewBlock(s *PeerSession, b *core.Block) {
	latest := n.chain.LatestBlock()

	if b.Index <= latest.Index {
		n.checkConflictingBlock(b)
		return
	}

	if b.PreviousHash == latest.Hash && b.Index == latest.Index+1 {
		n.markSkippedSlots(latest, b)
		if err := n.chain.AppendBlock(b); err != nil && n.logger != nil {
			n.logger.WithError(err).Warn("network: rejected announced block")
		}
		return
	}
	n.considerPeerHeight(s, b.Index)
}

// markSkippedSlots compares the slot implied by latest's and b's
// timestamps and marks every slot strictly between them as missed against
// its deterministically selected validator (spec.md §4.6: "Receiving
// nodes detect the skip by slot gap and reduce the skipped validator's
// liveness counter"). Both slots derive from the producer's own
// genesisTime/slotDurationMs formula applied retrospectively to block
// timestamps, since neither wire format carries an explicit slot number.
func (n *Node) markSkippedSlots(latest, b *core.Block) {
	genesis := n.chain.BlockAt(0)
	if genesis == nil {
		return
	}
	prevHash, err := core.ParseHashHex(latest.Hash)
	if err != nil {
		return
	}
	lastSlot := core.SlotAt(genesis.Timestamp, latest.Timestamp)
	newSlot := core.SlotAt(genesis.Timestamp, b.Timestamp)
	staking := n.chain.StakingPool()
	for slot := lastSlot + 1; slot < newSlot; slot++ {
		addr, err := staking.SelectValidator(prevHash, slot)
		if err != nil {
			continue
		}
		staking.MarkMissedSlot(addr)
	}
}

// checkConflictingBlock looks for an equivocating NEW_BLOCK announcement:
// a block claiming an index the chain already has confirmed, signed by the
// same validator as the one already on record, but carrying a different
// hash (spec.md §4.3: "slashing evidence (double-sign) deducts
// slashPercent of the offender's self-stake").
func (n *Node) checkConflictingBlock(b *core.Block) {
	if b.Index > n.chain.Height() {
		return
	}
	existing := n.chain.BlockAt(b.Index)
	if existing == nil || existing.Hash == b.Hash || existing.Validator != b.Validator {
		return
	}
	slashed, err := n.chain.StakingPool().RecordDoubleSign(b.Validator, b.Index)
	if err != nil {
		return
	}
	if n.logger != nil {
		n.logger.WithFields(log.Fields{"validator": b.Validator, "height": b.Index, "slashed": slashed}).Warn("network: equivocating block observed")
	}
}

// handleResponseBlocks appends a chunk sequentially where possible and
// requests the next chunk while hasMore is true (spec.md §4.7: "the
// requester repeats from the new tip until hasMore == false").
func (n *Node) handleResponseBlocks(s *PeerSession, p *ResponseBlocksPayload) {
	for _, b := range p.Blocks {
		latest := n.chain.LatestBlock()
		if b.PreviousHash == latest.Hash && b.Index == latest.Index+1 {
			if err := n.chain.AppendBlock(b); err != nil {
				if n.logger != nil {
					n.logger.WithError(err).Warn("network: sync chunk rejected, falling back to stateful replace")
				}
				n.tryReplaceChain(s, p.Blocks)
				return
			}
		}
	}
	if p.HasMore {
		height := n.chain.Height()
		env, _ := Encode(MsgQueryBlocksFrom, QueryBlocksFromPayload{StartIndex: height + 1, Limit: core.MaxBlocksPerRequest})
		_ = s.Send(env)
		return
	}
	n.mu.Lock()
	n.synced = true
	n.mu.Unlock()
}

// tryReplaceChain runs the stateful reorg verifier against a candidate
// chain fetched from a peer (spec.md §4.5 step 3, §4.7: "small multi-block
// gap: replace chain using the stateful-replay verifier"). A candidate that
// diverges at or below the finalized depth (core.ErrDeepReorg) gets its
// source peer disconnected and deregistered (spec.md §8 scenario 5: "peer
// disconnected") rather than merely logged and ignored.
func (n *Node) tryReplaceChain(s *PeerSession, blocks []*core.Block) {
	if len(blocks) == 0 {
		return
	}
	genesisStaking := core.NewStakingPool(n.mainnet, n.logger, nil)
	if err := n.chain.ReplaceChain(blocks, genesisStaking); err != nil {
		if n.logger != nil {
			n.logger.WithError(err).Warn("network: chain replacement rejected")
		}
		if errors.Is(err, core.ErrDeepReorg) && s != nil {
			n.disconnectPeer(s)
		}
		return
	}
	n.mu.Lock()
	n.synced = true
	n.mu.Unlock()
	if n.logger != nil {
		n.logger.WithField("height", n.chain.Height()).Info("network: chain replaced via stateful sync")
	}
}

// disconnectPeer closes a session and removes it from the peer registry.
func (n *Node) disconnectPeer(s *PeerSession) {
	n.mu.Lock()
	if n.peers[s.RemoteNodeID] == s {
		delete(n.peers, s.RemoteNodeID)
	}
	n.mu.Unlock()
	_ = s.Close()
}

// Synced reports whether the node believes it has caught up to its peers
// (spec.md §4.7: "...then sets synced = true").
func (n *Node) Synced() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.synced
}
