package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
)

// integrationSigner bundles a keypair with its derived address for the
// end-to-end scenario tests below.
type integrationSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	addr string
}

// newIntegrationFixture builds a genesis-bootstrapped single-validator
// chain plus a BlockProducer wired to it, mirroring the end-to-end setup a
// real node performs at startup.
func newIntegrationFixture(t *testing.T) (*Chain, *BlockProducer, integrationSigner) {
	t.Helper()
	priv, pub := newKey(t)
	faucet := DeriveAddress(false, pub)
	genesis := NewGenesisBlock(GenesisParams{
		ChainID:         ChainIDTestnet,
		FaucetAddress:   faucet,
		FaucetPublicKey: hex.EncodeToString(pub),
		Timestamp:       1700000000000,
	})
	staking := NewStakingPool(false, nil, nil)
	pools := NewPoolStateManager()
	chain, err := NewChain(false, ChainIDTestnet, genesis, staking, pools, nil, nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	ident := &NodeIdentity{Address: faucet, priv: priv, pub: pub}
	mempool := NewMempool(false, ChainIDTestnet, nil, nil)
	producer := NewBlockProducer(false, ChainIDTestnet, genesis.Timestamp, chain, mempool, nil, ident, nil)
	return chain, producer, integrationSigner{priv, pub, faucet}
}

// TestScenarioGenesisBootstrapsFaucetAndPendingStake covers spec.md §8
// scenario 1. The bootstrap STAKE is queued as pendingStake rather than
// applied to selfStake immediately (see DESIGN.md Open Question decision
// #5): ApplyBlockStakingChanges treats the genesis block like any other,
// and NewChain never calls advanceFinality, so lastFinalizedIndex stays -1
// until the chain holds at least FinalityDepth blocks (reloading a shorter
// chain finalizes nothing either).
// BalanceOf only replays TRANSFER tx (spec.md §3), so it still reports the
// full genesis mint; the bootstrap STAKE is reflected in AvailableBalance
// instead, via StakingPool's pendingStake term.
func TestScenarioGenesisBootstrapsFaucetAndPendingStake(t *testing.T) {
	chain, _, who := newIntegrationFixture(t)

	if got := chain.BalanceOf(who.addr); got != GenesisAmount {
		t.Fatalf("expected faucet balance = full genesisAmount (STAKE doesn't touch balanceOf), got %d", got)
	}
	if got := chain.AvailableBalance(who.addr); got != GenesisAmount-MinValidatorSelfStake {
		t.Fatalf("expected available balance = genesisAmount - pendingStake, got %d", got)
	}
	if chain.Length() != 1 {
		t.Fatalf("expected chain length 1 right after genesis, got %d", chain.Length())
	}
	if got := chain.LastFinalizedIndex(); got != -1 {
		t.Fatalf("expected lastFinalizedIndex=-1 on a freshly constructed chain, got %d", got)
	}
	v := chain.StakingPool().Validator(who.addr)
	if v == nil {
		t.Fatalf("expected the bootstrap STAKE to register the faucet as a validator")
	}
	if v.SelfStake != 0 {
		t.Fatalf("expected the bootstrap stake to still be pending (selfStake=0), got %d", v.SelfStake)
	}
}

// TestScenarioSimpleTransferIsMinedNextBlock covers spec.md §8 scenario 2.
func TestScenarioSimpleTransferIsMinedNextBlock(t *testing.T) {
	chain, producer, who := newIntegrationFixture(t)
	producer.SetSynced(true)

	// Promote the bootstrap stake so SelectValidator has an eligible signer.
	if err := chain.StakingPool().ApplyBlockStakingChanges(&Block{Index: EpochBlocks - 1}); err != nil {
		t.Fatalf("advance epoch: %v", err)
	}

	tx := NewTransaction(TxTransfer, who.addr, "tLVErecipient", 100*Precision, MinFee, 1, ChainIDTestnet)
	if err := tx.Sign(false, who.priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := producer.mempool.Admit(tx, chain); err != nil {
		t.Fatalf("admit: %v", err)
	}

	producer.TryProduce(producer.genesisTimeMs + int64(SlotDurationMs))
	if chain.Height() != 1 {
		t.Fatalf("expected one block to be produced, height=%d", chain.Height())
	}

	mined := chain.BlockAt(1)
	if len(mined.Transactions) != 2 {
		t.Fatalf("expected [coinbase, transfer], got %d txs", len(mined.Transactions))
	}
	if mined.Transactions[0].FromAddress != "" || mined.Transactions[1].ID != tx.ID {
		t.Fatalf("expected coinbase first and the submitted transfer second")
	}
	if got := chain.BalanceOf("tLVErecipient"); got != 100*Precision {
		t.Fatalf("expected recipient to receive 100*Precision, got %d", got)
	}
}

// TestScenarioAMMSwapAppliesSpecFormula covers spec.md §8 scenario 3: a
// pool seeded at a=100_000, b=5_000 (scaled by Precision) swapping in
// 1_000 units of A. The expected fee/net-input/output are recomputed
// independently from the same constant-product formula documented in
// amm.go's Swap rather than hand-derived literals, guarding against a
// transcription error in either the test or the implementation diverging
// from spec.md §4.4's documented algorithm.
func TestScenarioAMMSwapAppliesSpecFormula(t *testing.T) {
	pools := NewPoolStateManager()
	a, b := int64(100_000*Precision), int64(5_000*Precision)
	if err := pools.Initialize("AB", "lp1", a, b, 1); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	amountIn := int64(1_000 * Precision)
	k := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	fee := new(big.Int).Mul(big.NewInt(amountIn), big.NewInt(AMMFeeNum))
	fee.Div(fee, big.NewInt(AMMFeeDen))
	amtInNet := new(big.Int).Sub(big.NewInt(amountIn), fee)
	newReserveIn := new(big.Int).Add(big.NewInt(a), amtInNet)
	quotient := new(big.Int).Div(k, newReserveIn)
	wantOut := new(big.Int).Sub(big.NewInt(b), quotient)

	if fee.Int64() != 3*Precision {
		t.Fatalf("expected fee=3*Precision (3/1000 of 1000*Precision), got %s", fee)
	}
	if amtInNet.Int64() != 997*Precision {
		t.Fatalf("expected amountInNet=997*Precision, got %s", amtInNet)
	}

	gotOut, err := pools.Swap("AB", true, amountIn, 0, 2)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if gotOut.Cmp(wantOut) != 0 {
		t.Fatalf("swap output = %s, want %s", gotOut, wantOut)
	}

	p := pools.Pool("AB")
	if p.K.Cmp(k) < 0 {
		t.Fatalf("invariant K decreased after swap: before=%s after=%s", k, p.K)
	}
}

// TestScenarioDoubleSpendRaceAdmitsExactlyOne covers spec.md §8 scenario 4:
// two transfers from the same sender/nonce submitted concurrently must
// result in exactly one admission.
func TestScenarioDoubleSpendRaceAdmitsExactlyOne(t *testing.T) {
	chain, _, who := newIntegrationFixture(t)
	mempool := NewMempool(false, ChainIDTestnet, nil, nil)

	txA := NewTransaction(TxTransfer, who.addr, "tLVEto-a", 10*Precision, MinFee, 1, ChainIDTestnet)
	if err := txA.Sign(false, who.priv); err != nil {
		t.Fatalf("sign a: %v", err)
	}
	txB := NewTransaction(TxTransfer, who.addr, "tLVEto-b", 10*Precision, MinFee, 1, ChainIDTestnet)
	if err := txB.Sign(false, who.priv); err != nil {
		t.Fatalf("sign b: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = mempool.Admit(txA, chain) }()
	go func() { defer wg.Done(); results[1] = mempool.Admit(txB, chain) }()
	wg.Wait()

	admitted := 0
	for _, err := range results {
		if err == nil {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one of the same-nonce transfers to be admitted, got %d", admitted)
	}
	if mempool.Size() != 1 {
		t.Fatalf("expected mempool size 1 after the race, got %d", mempool.Size())
	}
}

// TestScenarioDeepReorgAttemptRejected covers spec.md §8 scenario 5 at the
// Chain level: a candidate diverging at or below lastFinalizedIndex is
// rejected and the local chain is left untouched. The peer-disconnect half
// of this scenario is covered at the network layer (gossip_test.go's
// TestTryReplaceChainDisconnectsPeerOnDeepReorg), since the Chain itself
// has no notion of peers.
func TestScenarioDeepReorgAttemptRejected(t *testing.T) {
	f := newTestChainFixture(t)
	prev := f.chain.LatestBlock()
	for i := 0; i < FinalityDepth+5; i++ {
		b := f.mkBlock(t, prev, nil)
		if err := f.chain.AppendBlock(b); err != nil {
			t.Fatalf("append block %d: %v", i, err)
		}
		prev = b
	}
	preHeight := f.chain.Height()

	genesis := f.chain.BlockAt(0)
	altFixture := &testChainFixture{priv: f.priv, validator: f.validator, chainID: f.chainID}
	altPrev := genesis
	candidate := []*Block{genesis}
	for i := 0; i < f.chain.Length()+2; i++ {
		b := altFixture.mkBlock(t, altPrev, nil)
		b.Timestamp = altPrev.Timestamp + 2
		if err := b.Finalize(); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		b.Signature = hex.EncodeToString(SignHash(f.priv, b.SigningMessage(f.chainID)))
		candidate = append(candidate, b)
		altPrev = b
	}

	if err := f.chain.ReplaceChain(candidate, NewStakingPool(false, nil, nil)); !errors.Is(err, ErrDeepReorg) {
		t.Fatalf("expected ErrDeepReorg, got %v", err)
	}
	if f.chain.Height() != preHeight {
		t.Fatalf("expected the local chain to be unchanged after a rejected deep reorg, height=%d want=%d", f.chain.Height(), preHeight)
	}
}

// TestScenarioLivenessJailAfterMissedSlots covers spec.md §8 scenario 6: a
// validator assigned 20 consecutive slots who only signs 9 of them
// (fraction 0.45 < minSignedPerWindowP=0.50) gets jailed at the next epoch
// boundary, with jailCount incremented and the validator excluded from
// eligible-producer selection for jailDurationEpochs.
func TestScenarioLivenessJailAfterMissedSlots(t *testing.T) {
	s := NewStakingPool(false, nil, nil)
	stake := NewTransaction(TxStake, "tLVEval1", AddrSentinelStakePool, MinValidatorSelfStake, 0, 1, ChainIDTestnet)
	genesis := &Block{Index: 0, Validator: "tLVEval1", Transactions: []*Transaction{stake}}
	if err := s.ApplyBlockStakingChanges(genesis); err != nil {
		t.Fatalf("genesis stake: %v", err)
	}
	// Promote the stake to selfStake via an epoch boundary before judging liveness.
	if err := s.ApplyBlockStakingChanges(&Block{Index: EpochBlocks - 1}); err != nil {
		t.Fatalf("promote stake: %v", err)
	}

	if SignedBlocksWindow != 20 {
		t.Fatalf("expected SignedBlocksWindow=20 to match the scenario's literal slot count, got %d", SignedBlocksWindow)
	}

	// 9 signed, 11 missed out of a 20-slot window (fraction 0.45 < 0.50).
	for i := 0; i < 9; i++ {
		s.ApplyBlockStakingChanges(&Block{Index: uint64(1000 + i), Validator: "tLVEval1"})
	}
	for i := 0; i < 11; i++ {
		s.MarkMissedSlot("tLVEval1")
	}

	// Drive an epoch boundary to trigger the liveness judgement.
	if err := s.ApplyBlockStakingChanges(&Block{Index: 2*EpochBlocks - 1, Validator: "tLVEval1"}); err != nil {
		t.Fatalf("epoch boundary: %v", err)
	}

	v := s.Validator("tLVEval1")
	if !v.IsJailed {
		t.Fatalf("expected the validator to be jailed after signing only 9/20 slots")
	}
	if v.JailCount != 1 {
		t.Fatalf("expected jailCount=1 after the first jailing, got %d", v.JailCount)
	}
}
